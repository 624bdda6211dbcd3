// Package worker runs the polling loops that execute queued jobs and the
// supervisor that starts, tracks and stops them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/logger"
	"github.com/udaykr117/queuectl/internal/retry"
	"github.com/udaykr117/queuectl/internal/runner"
	"github.com/udaykr117/queuectl/internal/settings"
	"github.com/udaykr117/queuectl/internal/telemetry"
)

// Store is the part of the job store a worker loop uses.
type Store interface {
	Acquire(ctx context.Context, workerID string) (*job.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextRunAt time.Time) (job.State, error)
	RecordExecution(ctx context.Context, e *job.Execution) error
	Heartbeat(ctx context.Context, workerID string) (bool, error)
}

// SettingsSource yields the runtime settings at the moment of the call.
type SettingsSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) runner.Outcome
}

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

type Options struct {
	ID string
	// JobTimeout applies to jobs without their own timeout.
	JobTimeout time.Duration
	Logger     logger.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Worker is one polling loop bound to a worker identity.
type Worker struct {
	id         string
	store      Store
	settings   SettingsSource
	runner     Runner
	log        logger.Logger
	tracer     trace.Tracer
	jobTimeout time.Duration
	now        func() time.Time

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(store Store, src SettingsSource, r Runner, opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = NewID()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = runner.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		id:         opts.ID,
		store:      store,
		settings:   src,
		runner:     r,
		log:        opts.Logger.With("worker_id", opts.ID),
		tracer:     opts.Tracer,
		jobTimeout: opts.JobTimeout,
		now:        opts.Now,
		stopCh:     make(chan struct{}),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() State { return State(w.state.Load()) }

// Stop asks the loop to exit at the top of its next cycle. A job already
// running is allowed to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(w.stopCh)
	})
}

// Run polls for jobs until ctx is cancelled, Stop is called or the registry
// asks this worker to stop. Store failures end the loop with an error.
func (w *Worker) Run(ctx context.Context) error {
	defer w.state.Store(int32(StateStopped))
	telemetry.WorkersRunning.Inc()
	defer telemetry.WorkersRunning.Dec()

	w.log.Info("worker started")
	for {
		if w.stopping(ctx) {
			w.log.Info("worker stopping")
			return nil
		}

		stopRequested, err := w.store.Heartbeat(ctx, w.id)
		if err != nil && !errors.Is(err, job.ErrWorkerNotFound) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("heartbeat: %w", err)
		}
		if stopRequested {
			w.log.Info("stop requested through registry")
			w.Stop()
			continue
		}

		snap, err := w.settings.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load settings: %w", err)
		}

		processed, err := w.RunOnce(ctx, snap)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			w.log.Error("worker exiting on store failure", "error", err)
			return err
		}
		if !processed {
			w.sleep(ctx, snap.PollInterval)
		}
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		return true
	}
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-timer.C:
	}
}

// RunOnce acquires and executes at most one job. It reports whether a job
// was processed.
func (w *Worker) RunOnce(ctx context.Context, snap settings.Snapshot) (bool, error) {
	j, err := w.store.Acquire(ctx, w.id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	// The job runs to completion even if the worker is told to stop.
	return true, w.execute(context.WithoutCancel(ctx), j, snap)
}

func (w *Worker) execute(ctx context.Context, j *job.Job, snap settings.Snapshot) error {
	log := w.log.With("job_id", j.ID, "attempt", j.Attempts)
	ctx, span := w.tracer.Start(ctx, "queuectl.job.execute", trace.WithAttributes(
		attribute.String("queuectl.job.id", j.ID),
		attribute.String("queuectl.worker.id", w.id),
		attribute.Int("queuectl.job.attempt", j.Attempts),
		attribute.Int("queuectl.job.max_retries", j.MaxRetries),
	))
	defer span.End()

	log.Info("processing job", "command", j.Command, "max_retries", j.MaxRetries)
	telemetry.JobsInFlight.Inc()
	started := w.now()
	out := w.runner.Run(ctx, j.Command, j.Timeout(w.jobTimeout))
	finished := w.now()
	telemetry.JobsInFlight.Dec()

	exec := &job.Execution{
		JobID:      j.ID,
		WorkerID:   w.id,
		Attempt:    j.Attempts,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: out.Duration.Milliseconds(),
		ExitCode:   out.ExitCode,
		Success:    out.Success,
		TimedOut:   out.TimedOut,
		Output:     out.Output,
	}

	var result job.State
	if out.Success {
		telemetry.ObserveJobDuration("success", out.Duration.Seconds())
		if err := w.store.MarkCompleted(ctx, j.ID); err != nil {
			return w.transitionFailed(log, span, err)
		}
		result = job.StateCompleted
		span.SetStatus(codes.Ok, "")
		log.Info("job completed", "duration", out.Duration)
	} else {
		if out.TimedOut {
			telemetry.ObserveJobDuration("timeout", out.Duration.Seconds())
		} else {
			telemetry.ObserveJobDuration("failure", out.Duration.Seconds())
		}
		exec.Error = out.Err.Error()
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())

		decision := retry.Policy{Base: snap.BackoffBase}.Decide(j.Attempts, j.MaxRetries, finished)
		state, err := w.store.MarkFailed(ctx, j.ID, out.Err.Error(), decision.NextRunAt)
		if err != nil {
			return w.transitionFailed(log, span, err)
		}
		result = state
		if state == job.StateDead {
			log.Warn("job moved to dead letter queue", "error", out.Err, "max_retries", j.MaxRetries)
		} else {
			log.Warn("job failed, retry scheduled", "error", out.Err, "retry_in", decision.Delay, "next_run_at", decision.NextRunAt)
		}
	}
	telemetry.RecordJobResult(string(result))
	span.SetAttributes(attribute.String("queuectl.job.result", string(result)))

	if err := w.store.RecordExecution(ctx, exec); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			log.Warn("job deleted while running, execution not recorded")
			return nil
		}
		return err
	}
	return nil
}

// transitionFailed handles an error from MarkCompleted or MarkFailed. A job
// deleted or requeued by an operator mid-run is logged and skipped. Only
// store failures stop the worker.
func (w *Worker) transitionFailed(log logger.Logger, span trace.Span, err error) error {
	span.RecordError(err)
	if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrInvalidState) {
		log.Warn("job changed while running, result discarded", "error", err)
		return nil
	}
	return err
}
