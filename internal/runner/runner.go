// Package runner executes job commands in a shell with a hard timeout.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
)

const (
	DefaultTimeout   = time.Hour
	DefaultMaxOutput = 64 * 1024
	// waitDelay bounds how long Run waits for output pipes after the
	// process group has been killed.
	waitDelay = 5 * time.Second
)

// Outcome is the result of one command execution. Err is nil on success and
// otherwise wraps job.ErrTimeout or job.ErrCommandExecution.
type Outcome struct {
	Success  bool
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
	Err      error
}

type Runner struct {
	Shell          string
	DefaultTimeout time.Duration
	MaxOutput      int
}

func New(defaultTimeout time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Runner{Shell: "sh", DefaultTimeout: defaultTimeout, MaxOutput: DefaultMaxOutput}
}

// Run executes command with `sh -c`. A non-positive timeout uses the
// runner's default. On timeout the command's whole process group is killed.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := newTailBuffer(r.MaxOutput)
	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	outcome := Outcome{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		outcome.Success = true
		return outcome
	}

	outcome.ExitCode = -1
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome.TimedOut = true
		outcome.Err = fmt.Errorf("%w after %v", job.ErrTimeout, timeout)
		return outcome
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		outcome.Err = fmt.Errorf("%w: %s%s", job.ErrCommandExecution, describeExit(outcome.ExitCode, exitErr), lastLine(outcome.Output))
		return outcome
	}
	outcome.Err = fmt.Errorf("%w: %v", job.ErrCommandExecution, err)
	return outcome
}

func describeExit(code int, exitErr *exec.ExitError) string {
	switch code {
	case 127:
		return "command not found (exit code 127)"
	case 126:
		return "permission denied (exit code 126)"
	case -1:
		return exitErr.String()
	default:
		return fmt.Sprintf("command exited with code %d", code)
	}
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		output = output[i+1:]
	}
	const max = 200
	if len(output) > max {
		output = output[len(output)-max:]
	}
	return ": " + output
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultMaxOutput
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		b.truncated = true
		return n, nil
	}
	if overflow := len(b.buf) + len(p) - b.max; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "...[truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
