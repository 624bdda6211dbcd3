// Package queue is the entry point the CLI and the dashboard use to enqueue,
// inspect and delete jobs.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/logger"
	"github.com/udaykr117/queuectl/internal/settings"
	"github.com/udaykr117/queuectl/internal/storage"
	"github.com/udaykr117/queuectl/internal/telemetry"
	"github.com/udaykr117/queuectl/internal/worker"
)

type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter *job.State) ([]job.Job, error)
	Delete(ctx context.Context, id string) error
	CountByState(ctx context.Context) (map[job.State]int, error)
	IncrementMetric(ctx context.Context, key string) error
	ExecutionStats(ctx context.Context) (storage.ExecutionStats, error)
	RecentExecutions(ctx context.Context, limit int) ([]job.Execution, error)
	JobExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error)
}

type SettingsSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

// WorkerDirectory lists registered workers with their liveness.
type WorkerDirectory interface {
	Workers(ctx context.Context) ([]worker.Status, error)
}

// Detail is a job with its most recent executions, newest first.
type Detail struct {
	job.Job    `yaml:",inline"`
	Executions []job.Execution `json:"executions" yaml:"executions"`
}

type Status struct {
	Jobs          map[job.State]int `json:"jobs" yaml:"jobs"`
	Total         int               `json:"total" yaml:"total"`
	ActiveWorkers int               `json:"active_workers" yaml:"active_workers"`
	Workers       []worker.Status   `json:"workers" yaml:"workers"`
}

const (
	DefaultHistory = 5
	MaxRecent      = 500
)

type Service struct {
	store    Store
	settings SettingsSource
	workers  WorkerDirectory
	log      logger.Logger
	now      func() time.Time
}

// NewService builds the queue service. workers may be nil, in which case
// Status reports no workers.
func NewService(store Store, src SettingsSource, workers WorkerDirectory, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		store:    store,
		settings: src,
		workers:  workers,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue resolves the request against the current max_retries default and
// stores the job as pending.
func (s *Service) Enqueue(ctx context.Context, req job.EnqueueRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	j, err := req.Resolve(snap.MaxRetriesDefault, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}

	telemetry.JobsEnqueued.Inc()
	if err := s.store.IncrementMetric(ctx, storage.MetricJobsEnqueued); err != nil {
		s.log.Warn("failed to count enqueued job", "job_id", j.ID, "error", err)
	}
	s.log.Info("job enqueued", "job_id", j.ID, "max_retries", j.MaxRetries)
	return j, nil
}

// List returns jobs ordered by creation time, optionally filtered by state.
// "failed" is accepted as a filter and always yields an empty list since
// failed jobs are stored as pending.
func (s *Service) List(ctx context.Context, filter *job.State) ([]job.Job, error) {
	if filter != nil && *filter == job.StateFailed {
		return []job.Job{}, nil
	}
	return s.store.List(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// Show returns a job with up to history executions.
func (s *Service) Show(ctx context.Context, id string, history int) (*Detail, error) {
	if history <= 0 {
		history = DefaultHistory
	}
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	execs, err := s.store.JobExecutions(ctx, id, history)
	if err != nil {
		return nil, err
	}
	return &Detail{Job: *j, Executions: execs}, nil
}

// Delete removes a job regardless of its state. A job deleted while a worker
// runs it finishes, but its result is discarded.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("job deleted", "job_id", id)
	return nil
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Jobs: counts, Workers: []worker.Status{}}
	depth := make(map[string]int, len(counts))
	for state, n := range counts {
		st.Total += n
		depth[string(state)] = n
	}
	telemetry.RecordQueueDepth(depth)

	if s.workers == nil {
		return st, nil
	}
	workers, err := s.workers.Workers(ctx)
	if err != nil {
		return nil, err
	}
	st.Workers = workers
	for _, w := range workers {
		if w.Alive {
			st.ActiveWorkers++
		}
	}
	return st, nil
}

func (s *Service) Stats(ctx context.Context) (storage.ExecutionStats, error) {
	return s.store.ExecutionStats(ctx)
}

// RecentExecutions returns the latest executions across all jobs, newest
// first. limit is clamped to [1, MaxRecent].
func (s *Service) RecentExecutions(ctx context.Context, limit int) ([]job.Execution, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > MaxRecent:
		limit = MaxRecent
	}
	return s.store.RecentExecutions(ctx, limit)
}
