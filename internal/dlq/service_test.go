package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/storage"
)

func newDeadJob(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, &job.Job{ID: id, Command: "false", MaxRetries: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Acquire(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	state, err := store.MarkFailed(ctx, id, "command exited with code 1", time.Now().UTC())
	if err != nil || state != job.StateDead {
		t.Fatalf("mark failed = %s, %v", state, err)
	}
}

func setup(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), storage.DBFileName))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, nil), store
}

func TestListOnlyDead(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	newDeadJob(t, store, "dead1")
	if err := store.Create(ctx, &job.Job{ID: "live", Command: "true", MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}

	jobs, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "dead1" || jobs[0].LastError == "" {
		t.Fatalf("dlq = %+v", jobs)
	}
}

func TestRetryResetsJob(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	newDeadJob(t, store, "dead1")

	j, err := svc.Retry(ctx, "dead1")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StatePending || j.Attempts != 0 || j.OwnerWorkerID != "" {
		t.Fatalf("requeued = %+v", j)
	}
	jobs, err := svc.List(ctx)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("dlq after retry = %v, %v", jobs, err)
	}

	if _, err := svc.Retry(ctx, "dead1"); !errors.Is(err, job.ErrInvalidState) {
		t.Fatalf("retry of pending job: %v", err)
	}
	if _, err := svc.Retry(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("retry of missing job: %v", err)
	}
}

func TestDeleteOnlyDead(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	newDeadJob(t, store, "dead1")
	if err := store.Create(ctx, &job.Job{ID: "live", Command: "true", MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, "live"); !errors.Is(err, job.ErrInvalidState) {
		t.Fatalf("delete of pending job: %v", err)
	}
	if err := svc.Delete(ctx, "dead1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "dead1"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Fatalf("pending job removed: %v", err)
	}
}
