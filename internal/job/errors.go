package job

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID classifies a create against an id that already exists.
	ErrDuplicateID = errors.New("duplicate job id")
	// ErrNotFound classifies operations on a job id that does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState classifies illegal state transitions.
	ErrInvalidState = errors.New("invalid job state")
	// ErrValidation classifies malformed enqueue requests and settings values.
	ErrValidation = errors.New("validation error")
	// ErrStoreUnavailable classifies failures of the underlying store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCommandExecution classifies a job command that ran and failed.
	ErrCommandExecution = errors.New("command execution failed")
	// ErrTimeout classifies a job command killed after its deadline.
	ErrTimeout = errors.New("job timed out")
	// ErrWorkerNotFound classifies stop requests for unknown worker ids.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Error is returned by store and service operations. It unwraps to Kind, so
// callers match with errors.Is(err, job.ErrNotFound).
type Error struct {
	Kind    error
	JobID   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.JobID != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.JobID)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error of the given kind.
func NewError(kind error, jobID, message string) *Error {
	return &Error{Kind: kind, JobID: jobID, Message: message}
}

// WrapError builds an *Error of the given kind around a cause.
func WrapError(kind error, jobID, message string, cause error) *Error {
	return &Error{Kind: kind, JobID: jobID, Message: message, Err: cause}
}

// JobIDOf returns the job id carried by err, if any.
func JobIDOf(err error) string {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.JobID
	}
	return ""
}
