package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/logger"
	"github.com/udaykr117/queuectl/internal/retry"
	"github.com/udaykr117/queuectl/internal/storage"
)

// RegistryStore is what the supervisor needs from the store: the worker
// loop operations plus the worker registry.
type RegistryStore interface {
	Store
	RegisterWorker(ctx context.Context, w storage.WorkerRecord) error
	MarkWorkerStopped(ctx context.Context, id string) error
	RequestStop(ctx context.Context, id string) ([]string, error)
	GetWorker(ctx context.Context, id string) (*storage.WorkerRecord, error)
	ListWorkers(ctx context.Context) ([]storage.WorkerRecord, error)
	ListOwnedBy(ctx context.Context, workerID string) ([]job.Job, error)
	PruneStoppedWorkers(ctx context.Context, cutoff time.Time) (int64, error)
}

type teeLogger interface {
	Tee(w io.Writer) *logger.ZapLogger
}

type SupervisorConfig struct {
	// LogDir receives one <worker-id>.log file per worker. Empty disables
	// per-worker files.
	LogDir     string
	JobTimeout time.Duration
	Logger     logger.Logger
	// StopPollInterval is how often Stop checks the registry while waiting.
	StopPollInterval time.Duration
	// Retention is how long stopped workers stay in the registry.
	Retention time.Duration
}

// StopRequest targets one worker by id, or every live worker when WorkerID
// is empty. With Wait, Stop blocks until the targets exit or Timeout
// elapses. A zero Timeout waits until ctx is done.
type StopRequest struct {
	WorkerID string
	Wait     bool
	Timeout  time.Duration
}

type StopResult struct {
	Requested  []string `json:"requested" yaml:"requested"`
	Stopped    []string `json:"stopped" yaml:"stopped"`
	NotStopped []string `json:"not_stopped" yaml:"not_stopped"`
}

// Status is a registry entry with its liveness.
type Status struct {
	storage.WorkerRecord `yaml:",inline"`
	Alive                bool `json:"alive" yaml:"alive"`
}

// Supervisor starts worker loops as goroutines of this process and
// coordinates stop requests for workers in any process through the
// registry.
type Supervisor struct {
	store    RegistryStore
	settings SettingsSource
	runner   Runner
	cfg      SupervisorConfig
	log      logger.Logger
	pid      int
	hostname string

	mu      sync.Mutex
	batches []*batch
	workers map[string]*Worker
}

// batch is one errgroup of worker loops. A loop failing cancels its batch
// only; a later Start opens a new batch.
type batch struct {
	group *errgroup.Group
	ctx   context.Context
	files []*os.File
}

func NewSupervisor(store RegistryStore, src SettingsSource, r Runner, cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.StopPollInterval <= 0 {
		cfg.StopPollInterval = 200 * time.Millisecond
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	hostname, _ := os.Hostname()
	return &Supervisor{
		store:    store,
		settings: src,
		runner:   r,
		cfg:      cfg,
		log:      cfg.Logger,
		pid:      os.Getpid(),
		hostname: hostname,
		workers:  make(map[string]*Worker),
	}
}

// DefaultRetention keeps a week of stopped workers for `worker list --all`.
const DefaultRetention = 7 * 24 * time.Hour

// NewID generates a worker id of the form worker-xxxxxxxx.
func NewID() string {
	return "worker-" + uuid.NewString()[:8]
}

// Start launches count worker loops bound to ctx and returns their ids.
// Workers of earlier Start calls keep running. If a loop fails with a store
// error the other loops of the same batch are cancelled too.
func (s *Supervisor) Start(ctx context.Context, count int) ([]string, error) {
	if count < 1 {
		return nil, job.NewError(job.ErrValidation, "", "worker count must be at least 1")
	}
	if n, err := s.RecoverOrphans(ctx); err != nil {
		return nil, fmt.Errorf("recover orphaned jobs: %w", err)
	} else if n > 0 {
		s.log.Warn("recovered jobs from dead workers", "jobs", n)
	}
	if n, err := s.store.PruneStoppedWorkers(ctx, time.Now().Add(-s.cfg.Retention)); err != nil {
		s.log.Warn("failed to prune worker registry", "error", err)
	} else if n > 0 {
		s.log.Debug("pruned stopped workers", "count", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.currentBatch()
	if b == nil {
		b = &batch{}
		b.group, b.ctx = errgroup.WithContext(ctx)
		s.batches = append(s.batches, b)
	}

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := NewID()
		if err := s.store.RegisterWorker(ctx, storage.WorkerRecord{ID: id, PID: s.pid, Hostname: s.hostname}); err != nil {
			return ids, fmt.Errorf("register %s: %w", id, err)
		}
		w := New(s.store, s.settings, s.runner, Options{
			ID:         id,
			JobTimeout: s.cfg.JobTimeout,
			Logger:     s.workerLogger(b, id),
		})
		s.workers[id] = w
		ids = append(ids, id)

		b.group.Go(func() error {
			err := w.Run(b.ctx)
			if markErr := s.store.MarkWorkerStopped(context.WithoutCancel(b.ctx), w.ID()); markErr != nil {
				s.log.Error("failed to mark worker stopped", "worker_id", w.ID(), "error", markErr)
			}
			return err
		})
	}
	s.log.Info("started workers", "count", count, "pid", s.pid)
	return ids, nil
}

// currentBatch returns the newest batch whose loops are still healthy.
// Callers hold s.mu.
func (s *Supervisor) currentBatch() *batch {
	if n := len(s.batches); n > 0 && s.batches[n-1].ctx.Err() == nil {
		return s.batches[n-1]
	}
	return nil
}

func (s *Supervisor) workerLogger(b *batch, id string) logger.Logger {
	if s.cfg.LogDir == "" {
		return s.log
	}
	tl, ok := s.log.(teeLogger)
	if !ok {
		return s.log
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		s.log.Warn("cannot create worker log directory", "dir", s.cfg.LogDir, "error", err)
		return s.log
	}
	f, err := os.OpenFile(LogPath(s.cfg.LogDir, id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("cannot open worker log file", "worker_id", id, "error", err)
		return s.log
	}
	b.files = append(b.files, f)
	return tl.Tee(f)
}

// Wait blocks until every started loop has exited, including loops started
// while waiting, and returns the first loop error.
func (s *Supervisor) Wait() error {
	var first error
	for {
		s.mu.Lock()
		if len(s.batches) == 0 {
			s.mu.Unlock()
			return first
		}
		b := s.batches[0]
		s.mu.Unlock()

		if err := b.group.Wait(); err != nil && first == nil {
			first = err
		}

		s.mu.Lock()
		for i := range s.batches {
			if s.batches[i] == b {
				s.batches = append(s.batches[:i], s.batches[i+1:]...)
				break
			}
		}
		for _, f := range b.files {
			f.Close()
		}
		b.files = nil
		s.mu.Unlock()
	}
}

// Stop flags the targeted workers in the registry and signals any of them
// running in this process directly.
func (s *Supervisor) Stop(ctx context.Context, req StopRequest) (StopResult, error) {
	var result StopResult
	if req.WorkerID != "" {
		rec, err := s.store.GetWorker(ctx, req.WorkerID)
		if err != nil {
			return result, err
		}
		if rec.StoppedAt != nil {
			result.Stopped = []string{rec.ID}
			return result, nil
		}
	}

	ids, err := s.store.RequestStop(ctx, req.WorkerID)
	if err != nil {
		return result, err
	}
	result.Requested = ids

	s.mu.Lock()
	for _, id := range ids {
		if w, ok := s.workers[id]; ok {
			w.Stop()
		}
	}
	s.mu.Unlock()

	if !req.Wait || len(ids) == 0 {
		return result, nil
	}
	return s.waitStopped(ctx, ids, req.Timeout)
}

func (s *Supervisor) waitStopped(ctx context.Context, ids []string, timeout time.Duration) (StopResult, error) {
	result := StopResult{Requested: ids}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	ticker := time.NewTicker(s.cfg.StopPollInterval)
	defer ticker.Stop()

	for {
		for id := range pending {
			rec, err := s.store.GetWorker(context.WithoutCancel(ctx), id)
			if err != nil && !errors.Is(err, job.ErrWorkerNotFound) {
				return result, err
			}
			if err != nil || rec.StoppedAt != nil || !s.alive(rec) {
				delete(pending, id)
				result.Stopped = append(result.Stopped, id)
			}
		}
		if len(pending) == 0 {
			return result, nil
		}
		select {
		case <-ctx.Done():
			for _, id := range ids {
				if pending[id] {
					result.NotStopped = append(result.NotStopped, id)
				}
			}
			return result, nil
		case <-ticker.C:
		}
	}
}

// Workers lists the registry with liveness.
func (s *Supervisor) Workers(ctx context.Context) ([]Status, error) {
	recs, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(recs))
	for i := range recs {
		out = append(out, Status{WorkerRecord: recs[i], Alive: recs[i].StoppedAt == nil && s.alive(&recs[i])})
	}
	return out, nil
}

// alive reports whether a registered worker's process still exists. Workers
// registered from another host are assumed alive.
func (s *Supervisor) alive(rec *storage.WorkerRecord) bool {
	if rec.Hostname != "" && s.hostname != "" && rec.Hostname != s.hostname {
		return true
	}
	return processAlive(rec.PID)
}

// RecoverOrphans fails the jobs left in processing by workers that are no
// longer running, so the retry policy applies. That covers registry entries
// whose process is gone, which are marked stopped, and workers that stopped
// after a store error while still owning a job.
func (s *Supervisor) RecoverOrphans(ctx context.Context) (int, error) {
	recs, err := s.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	var policy *retry.Policy
	recovered := 0
	for i := range recs {
		rec := &recs[i]
		dead := rec.StoppedAt == nil && !s.alive(rec)
		if rec.StoppedAt == nil && !dead {
			continue
		}
		jobs, err := s.store.ListOwnedBy(ctx, rec.ID)
		if err != nil {
			return recovered, err
		}
		for _, j := range jobs {
			if policy == nil {
				cur, err := s.settings.Snapshot(ctx)
				if err != nil {
					return recovered, err
				}
				policy = &retry.Policy{Base: cur.BackoffBase}
			}
			now := time.Now().UTC()
			decision := policy.Decide(j.Attempts, j.MaxRetries, now)
			state, err := s.store.MarkFailed(ctx, j.ID, "worker exited during execution", decision.NextRunAt)
			if err != nil {
				if errors.Is(err, job.ErrInvalidState) || errors.Is(err, job.ErrNotFound) {
					continue
				}
				return recovered, err
			}
			s.log.Warn("recovered orphaned job", "job_id", j.ID, "worker_id", rec.ID, "state", state)
			recovered++
		}
		if !dead {
			continue
		}
		if err := s.store.MarkWorkerStopped(ctx, rec.ID); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}
