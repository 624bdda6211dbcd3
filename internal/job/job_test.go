package job

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseEnqueueJSON(t *testing.T) {
	req, err := ParseEnqueueJSON(`{"id":"job1","command":"echo hi","max_retries":5}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.ID != "job1" || req.Command != "echo hi" || req.MaxRetries == nil || *req.MaxRetries != 5 {
		t.Fatalf("unexpected request: %+v", req)
	}

	for _, raw := range []string{`{`, `{"command":"x","priority":1}`, `[]`} {
		if _, err := ParseEnqueueJSON(raw); !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseEnqueueJSON(%q) error = %v, want ErrValidation", raw, err)
		}
	}
}

func TestEnqueueRequestResolve(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	zero := 0
	huge := 1 << 40

	tests := []struct {
		name        string
		req         EnqueueRequest
		wantRetries int
		wantErr     bool
	}{
		{name: "defaults", req: EnqueueRequest{Command: "true"}, wantRetries: 3},
		{name: "explicit zero retries", req: EnqueueRequest{ID: "a", Command: "true", MaxRetries: &zero}, wantRetries: 0},
		{name: "missing command", req: EnqueueRequest{ID: "a"}, wantErr: true},
		{name: "blank command", req: EnqueueRequest{Command: "   "}, wantErr: true},
		{name: "timeout beyond cap", req: EnqueueRequest{Command: "true", TimeoutSeconds: &huge}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := tt.req.Resolve(3, now)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if j.MaxRetries != tt.wantRetries {
				t.Fatalf("max_retries = %d, want %d", j.MaxRetries, tt.wantRetries)
			}
			if j.State != StatePending || j.Attempts != 0 || !j.NextRunAt.Equal(now) {
				t.Fatalf("unexpected job: %+v", j)
			}
			if tt.req.ID == "" && !strings.HasPrefix(j.ID, "job-") {
				t.Fatalf("generated id %q", j.ID)
			}
		})
	}
}

func TestErrorUnwrapsToKind(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := WrapError(ErrStoreUnavailable, "job1", "acquire", cause)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected match for ErrNotFound")
	}
	if JobIDOf(err) != "job1" {
		t.Fatalf("JobIDOf = %q", JobIDOf(err))
	}
	if got := err.Error(); got != "store unavailable: job1: acquire: disk I/O error" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("é", MaxErrorLen)
	got := TruncateError(long)
	if len(got) > MaxErrorLen {
		t.Fatalf("len = %d", len(got))
	}
	if !strings.HasPrefix(long, got) || strings.ContainsRune(got, '�') {
		t.Fatalf("truncation split a rune")
	}
	if TruncateError("short") != "short" {
		t.Fatalf("short message changed")
	}
}

func TestTimeoutIsCapped(t *testing.T) {
	j := &Job{TimeoutSeconds: 1 << 40}
	if got := j.Timeout(time.Hour); got != MaxTimeoutSeconds*time.Second {
		t.Fatalf("Timeout = %v", got)
	}
	j.TimeoutSeconds = 0
	if got := j.Timeout(time.Hour); got != time.Hour {
		t.Fatalf("fallback = %v", got)
	}
}

func TestParseState(t *testing.T) {
	if st, err := ParseState(" Dead "); err != nil || st != StateDead {
		t.Fatalf("ParseState = %q, %v", st, err)
	}
	if _, err := ParseState("running"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
