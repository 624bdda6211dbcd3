package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	// StateFailed is never stored. A failed attempt resolves to pending or dead.
	StateFailed State = "failed"
	StateDead   State = "dead"
)

// States lists every state in display order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// ParseState validates s as a job state.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range States {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrValidation, s)
}

// MaxErrorLen bounds the stored last_error.
const MaxErrorLen = 512

type Job struct {
	ID             string     `json:"id" yaml:"id"`
	Command        string     `json:"command" yaml:"command"`
	State          State      `json:"state" yaml:"state"`
	Attempts       int        `json:"attempts" yaml:"attempts"`
	MaxRetries     int        `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at" yaml:"next_run_at"`
	OwnerWorkerID  string     `json:"owner_worker_id,omitempty" yaml:"owner_worker_id,omitempty"`
	LastError      string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// MaxTimeoutSeconds caps a per-job timeout at 30 days.
const MaxTimeoutSeconds = 30 * 24 * 60 * 60

// Timeout returns the job's own timeout, or fallback when none is set.
func (j *Job) Timeout(fallback time.Duration) time.Duration {
	if j.TimeoutSeconds > 0 {
		return time.Duration(min(j.TimeoutSeconds, MaxTimeoutSeconds)) * time.Second
	}
	return fallback
}

// NewID generates a job id of the form job-xxxxxxxx.
func NewID() string {
	return "job-" + uuid.NewString()[:8]
}

// TruncateError trims msg to MaxErrorLen bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Execution is one recorded run of a job command.
type Execution struct {
	ID         int64     `json:"id" yaml:"id"`
	JobID      string    `json:"job_id" yaml:"job_id"`
	WorkerID   string    `json:"worker_id" yaml:"worker_id"`
	Command    string    `json:"command,omitempty" yaml:"command,omitempty"`
	JobState   State     `json:"state,omitempty" yaml:"state,omitempty"`
	Attempt    int       `json:"attempt" yaml:"attempt"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"completed_at" yaml:"completed_at"`
	DurationMs int64     `json:"duration_ms" yaml:"duration_ms"`
	ExitCode   int       `json:"exit_code" yaml:"exit_code"`
	Success    bool      `json:"success" yaml:"success"`
	TimedOut   bool      `json:"timeout" yaml:"timeout"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	Output     string    `json:"output,omitempty" yaml:"output,omitempty"`
}
