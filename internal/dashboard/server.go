// Package dashboard serves the web dashboard and its JSON API.
package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/logger"
	"github.com/udaykr117/queuectl/internal/queue"
	"github.com/udaykr117/queuectl/internal/settings"
	"github.com/udaykr117/queuectl/internal/storage"
	"github.com/udaykr117/queuectl/internal/telemetry"
	"github.com/udaykr117/queuectl/internal/worker"
)

//go:embed static/index.html
var indexHTML []byte

const maxBodyBytes = 1 << 20

type Queue interface {
	Enqueue(ctx context.Context, req job.EnqueueRequest) (*job.Job, error)
	List(ctx context.Context, filter *job.State) ([]job.Job, error)
	Show(ctx context.Context, id string, history int) (*queue.Detail, error)
	Delete(ctx context.Context, id string) error
	Status(ctx context.Context) (*queue.Status, error)
	Stats(ctx context.Context) (storage.ExecutionStats, error)
	RecentExecutions(ctx context.Context, limit int) ([]job.Execution, error)
}

type DeadLetters interface {
	List(ctx context.Context) ([]job.Job, error)
	Retry(ctx context.Context, id string) (*job.Job, error)
	Delete(ctx context.Context, id string) error
}

type Workers interface {
	Workers(ctx context.Context) ([]worker.Status, error)
	Start(ctx context.Context, count int) ([]string, error)
	Stop(ctx context.Context, req worker.StopRequest) (worker.StopResult, error)
}

type Settings interface {
	List(ctx context.Context) ([]settings.Entry, error)
	Set(ctx context.Context, key, value string) (string, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Options struct {
	Queue    Queue
	DLQ      DeadLetters
	Workers  Workers
	Settings Settings
	Health   HealthChecker
	Logger   logger.Logger
	// RateLimit and RateBurst bound mutating requests per client.
	RateLimit float64
	RateBurst int
}

// Server wires HTTP handlers for the dashboard.
type Server struct {
	opts    Options
	log     logger.Logger
	limiter *clientLimiter
	// workerCtx bounds workers started from the dashboard. It outlives
	// the request that started them.
	workerCtx context.Context
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	return &Server{
		opts:      opts,
		log:       opts.Logger,
		limiter:   newClientLimiter(opts.RateLimit, opts.RateBurst),
		workerCtx: context.Background(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/executions", s.handleExecutions)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/dlq", s.handleDLQ)
		r.Get("/workers", s.handleWorkers)
		r.Get("/config", s.handleConfig)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/jobs", s.handleEnqueue)
			r.Delete("/jobs/{id}", s.handleDeleteJob)
			r.Post("/jobs/{id}/retry", s.handleRetry)
			r.Delete("/dlq/{id}", s.handleDeleteDead)
			r.Post("/workers", s.handleStartWorkers)
			r.Delete("/workers/{id}", s.handleStopWorker)
			r.Put("/config/{key}", s.handleSetConfig)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Workers started through the API stop when it returns.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	s.workerCtx = workerCtx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown dashboard: %w", err)
		}
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("dashboard request failed", "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrWorkerNotFound), errors.Is(err, settings.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrDuplicateID), errors.Is(err, job.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, job.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Queue.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}
	execs, err := s.opts.Queue.RecentExecutions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter *job.State
	if v := r.URL.Query().Get("state"); v != "" {
		state, err := job.ParseState(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filter = &state
	}
	jobs, err := s.opts.Queue.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	d, err := s.opts.Queue.Show(r.Context(), chi.URLParam(r, "id"), queue.DefaultHistory)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}
	req, err := job.ParseEnqueueJSON(string(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	j, err := s.opts.Queue.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Queue.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	j, err := s.opts.DLQ.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.opts.DLQ.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDeleteDead(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.DLQ.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.opts.Workers.Workers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

type startWorkersRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleStartWorkers(w http.ResponseWriter, r *http.Request) {
	req := startWorkersRequest{Count: 1}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, fmt.Errorf("%w: invalid JSON: %v", job.ErrValidation, err))
			return
		}
	}
	ids, err := s.opts.Workers.Start(s.workerCtx, req.Count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"started": ids})
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Workers.Stop(r.Context(), worker.StopRequest{WorkerID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Settings.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type setConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid JSON: %v", job.ErrValidation, err))
		return
	}
	key := chi.URLParam(r, "key")
	value, err := s.opts.Settings.Set(r.Context(), key, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings.Entry{Key: key, Value: value})
}
