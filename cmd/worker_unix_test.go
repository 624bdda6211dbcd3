//go:build unix

package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/storage"
)

func TestWorkerStartProcessesJobs(t *testing.T) {
	home := newHome(t)
	mustRun(t, home, "config", "set", "poll_interval", "0.05")
	mustRun(t, home, "config", "set", "backoff_base", "1.01")
	mustRun(t, home, "enqueue", `{"id":"ok","command":"echo hello"}`)
	mustRun(t, home, "enqueue", `{"id":"bad","command":"exit 3","max_retries":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCLI(ctx, t, home, "worker", "start", "--count", "2")
		done <- result{out, err}
	}()

	store, err := storage.Open(context.Background(), filepath.Join(home, storage.DBFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	deadline := time.Now().Add(15 * time.Second)
	for {
		counts, err := store.CountByState(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if counts[job.StateCompleted] == 1 && counts[job.StateDead] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs not settled: %v", counts)
		}
		time.Sleep(50 * time.Millisecond)
	}

	out := mustRun(t, home, "show", "ok")
	if !strings.Contains(out, "hello") || !strings.Contains(out, "completed") {
		t.Fatalf("show ok:\n%s", out)
	}
	bad, err := store.Get(context.Background(), "bad")
	if err != nil || bad.Attempts != 2 || !strings.Contains(bad.LastError, "code 3") {
		t.Fatalf("bad = %+v, %v", bad, err)
	}

	out = mustRun(t, home, "worker", "list")
	if strings.Count(out, "running") != 2 {
		t.Fatalf("worker list:\n%s", out)
	}

	out = mustRun(t, home, "worker", "stop", "--wait", "--timeout", "10s")
	if !strings.Contains(out, "Workers stopped successfully") {
		t.Fatalf("worker stop:\n%s", out)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("worker start: %v", res.err)
		}
		if !strings.Contains(res.out, "Started 2 worker(s)") {
			t.Fatalf("worker start output:\n%s", res.out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker start did not return after stop")
	}
}
