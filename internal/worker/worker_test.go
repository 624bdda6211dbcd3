package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/runner"
	"github.com/udaykr117/queuectl/internal/settings"
	"github.com/udaykr117/queuectl/internal/storage"
)

type staticSettings struct {
	snap settings.Snapshot
}

func (s staticSettings) Snapshot(context.Context) (settings.Snapshot, error) { return s.snap, nil }

func fastSettings() staticSettings {
	return staticSettings{snap: settings.Snapshot{MaxRetriesDefault: 3, BackoffBase: 2, PollInterval: 10 * time.Millisecond}}
}

type scriptedRunner struct {
	mu       sync.Mutex
	outcomes []runner.Outcome
	commands []string
}

func (r *scriptedRunner) Run(_ context.Context, command string, _ time.Duration) runner.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if len(r.outcomes) == 0 {
		return runner.Outcome{Success: true, Duration: time.Millisecond}
	}
	out := r.outcomes[0]
	r.outcomes = r.outcomes[1:]
	return out
}

func failure(code int) runner.Outcome {
	return runner.Outcome{ExitCode: code, Duration: time.Millisecond, Err: errors.Join(job.ErrCommandExecution, errors.New("command exited with code 1"))}
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), storage.DBFileName))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *storage.Store, id string, maxRetries int) {
	t.Helper()
	if err := s.Create(context.Background(), &job.Job{ID: id, Command: "run " + id, MaxRetries: maxRetries}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

// pastClock makes retry times land before the store's clock, so retried
// jobs are immediately eligible again.
func pastClock() time.Time { return time.Now().UTC().Add(-time.Hour) }

func TestRunOnceCompletesJob(t *testing.T) {
	store := openStore(t)
	enqueue(t, store, "job1", 3)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	w := New(store, fastSettings(), &scriptedRunner{}, Options{ID: "worker-test", Tracer: tp.Tracer("test")})

	processed, err := w.RunOnce(context.Background(), fastSettings().snap)
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}

	j, err := store.Get(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateCompleted || j.Attempts != 1 || j.OwnerWorkerID != "" {
		t.Fatalf("job = %+v", j)
	}
	execs, err := store.JobExecutions(context.Background(), "job1", 10)
	if err != nil || len(execs) != 1 || !execs[0].Success || execs[0].WorkerID != "worker-test" {
		t.Fatalf("executions = %+v, %v", execs, err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "queuectl.job.execute" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("span = %s %v", spans[0].Name(), spans[0].Status())
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "queuectl.job.id" && attr.Value.AsString() == "job1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("span missing job id attribute: %v", spans[0].Attributes())
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	store := openStore(t)
	w := New(store, fastSettings(), &scriptedRunner{}, Options{})
	processed, err := w.RunOnce(context.Background(), fastSettings().snap)
	if err != nil || processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}
}

func TestFailingJobRetriesThenDies(t *testing.T) {
	store := openStore(t)
	enqueue(t, store, "job1", 3)
	r := &scriptedRunner{outcomes: []runner.Outcome{failure(1), failure(1), failure(1)}}
	w := New(store, fastSettings(), r, Options{Now: pastClock})
	ctx := context.Background()

	want := []job.State{job.StatePending, job.StatePending, job.StateDead}
	for i, state := range want {
		processed, err := w.RunOnce(ctx, fastSettings().snap)
		if err != nil || !processed {
			t.Fatalf("cycle %d: RunOnce = %v, %v", i+1, processed, err)
		}
		j, err := store.Get(ctx, "job1")
		if err != nil {
			t.Fatal(err)
		}
		if j.State != state || j.Attempts != i+1 {
			t.Fatalf("cycle %d: state=%s attempts=%d, want %s/%d", i+1, j.State, j.Attempts, state, i+1)
		}
		if j.LastError == "" {
			t.Fatalf("cycle %d: last_error not recorded", i+1)
		}
	}

	processed, err := w.RunOnce(ctx, fastSettings().snap)
	if err != nil || processed {
		t.Fatalf("dead job was processed again: %v, %v", processed, err)
	}
	stats, err := store.ExecutionStats(ctx)
	if err != nil || stats.TotalFailed != 3 || stats.TotalProcessed != 3 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
}

func TestMaxRetriesOneDiesAfterFirstCycle(t *testing.T) {
	store := openStore(t)
	enqueue(t, store, "jobA", 1)
	w := New(store, fastSettings(), &scriptedRunner{outcomes: []runner.Outcome{failure(1)}}, Options{})

	if _, err := w.RunOnce(context.Background(), fastSettings().snap); err != nil {
		t.Fatal(err)
	}
	j, err := store.Get(context.Background(), "jobA")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateDead || j.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d, want dead/1", j.State, j.Attempts)
	}
}

func TestRetryDelayUsesBackoff(t *testing.T) {
	store := openStore(t)
	enqueue(t, store, "job1", 5)
	fixed := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	w := New(store, fastSettings(), &scriptedRunner{outcomes: []runner.Outcome{failure(1)}}, Options{
		Now: func() time.Time { return fixed },
	})

	snap := settings.Snapshot{BackoffBase: 3, PollInterval: time.Millisecond}
	if _, err := w.RunOnce(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	j, err := store.Get(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if got := j.NextRunAt.Sub(fixed); got != 3*time.Second {
		t.Fatalf("retry delay = %v, want 3s", got)
	}
}

type blockingRunner struct {
	started  chan struct{}
	release  chan struct{}
	ctxAlive chan bool
}

func (r *blockingRunner) Run(ctx context.Context, _ string, _ time.Duration) runner.Outcome {
	close(r.started)
	<-r.release
	r.ctxAlive <- ctx.Err() == nil
	return runner.Outcome{Success: true}
}

func TestStopWaitsForRunningJob(t *testing.T) {
	store := openStore(t)
	enqueue(t, store, "job1", 3)
	r := &blockingRunner{started: make(chan struct{}), release: make(chan struct{}), ctxAlive: make(chan bool, 1)}
	w := New(store, fastSettings(), r, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-r.started
	cancel()
	w.Stop()
	if w.State() == StateStopped {
		t.Fatalf("worker stopped with a job in flight")
	}
	close(r.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	if alive := <-r.ctxAlive; !alive {
		t.Fatalf("job context was cancelled by the stop")
	}
	if w.State() != StateStopped {
		t.Fatalf("state = %s", w.State())
	}
	j, err := store.Get(context.Background(), "job1")
	if err != nil || j.State != job.StateCompleted {
		t.Fatalf("job = %+v, %v", j, err)
	}
}

type brokenStore struct {
	Store
}

func (brokenStore) Heartbeat(context.Context, string) (bool, error) { return false, nil }

func (brokenStore) Acquire(context.Context, string) (*job.Job, error) {
	return nil, job.WrapError(job.ErrStoreUnavailable, "", "begin acquire", errors.New("disk I/O error"))
}

func TestRunSurfacesStoreUnavailable(t *testing.T) {
	w := New(brokenStore{}, fastSettings(), &scriptedRunner{}, Options{})
	err := w.Run(context.Background())
	if !errors.Is(err, job.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRunHonoursRegistryStop(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.RegisterWorker(ctx, storage.WorkerRecord{ID: "worker-reg", PID: 1}); err != nil {
		t.Fatal(err)
	}
	w := New(store, fastSettings(), &scriptedRunner{}, Options{ID: "worker-reg"})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	if _, err := store.RequestStop(ctx, "worker-reg"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("registry stop not honoured")
	}
}
