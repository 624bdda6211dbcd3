package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EnqueueRequest is the single entry point for new jobs. Optional fields are
// resolved against runtime defaults by Resolve.
type EnqueueRequest struct {
	ID             string `json:"id,omitempty"`
	Command        string `json:"command"`
	MaxRetries     *int   `json:"max_retries,omitempty"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
	// RunAt delays the first attempt. Zero means now.
	RunAt time.Time `json:"run_at,omitempty"`
}

// ParseEnqueueJSON decodes a JSON job document. Unknown fields are rejected.
func ParseEnqueueJSON(raw string) (EnqueueRequest, error) {
	var req EnqueueRequest
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return EnqueueRequest{}, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	return req, nil
}

// Validate rejects malformed requests before they reach the store.
func (r EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.Command) == "" {
		return NewError(ErrValidation, r.ID, "command is required")
	}
	if r.ID != "" && strings.TrimSpace(r.ID) != r.ID {
		return NewError(ErrValidation, r.ID, "id must not have surrounding whitespace")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return NewError(ErrValidation, r.ID, "max_retries must be >= 0")
	}
	if r.TimeoutSeconds != nil && *r.TimeoutSeconds < 0 {
		return NewError(ErrValidation, r.ID, "timeout_seconds must be >= 0")
	}
	if r.TimeoutSeconds != nil && *r.TimeoutSeconds > MaxTimeoutSeconds {
		return NewError(ErrValidation, r.ID, fmt.Sprintf("timeout_seconds must be <= %d", MaxTimeoutSeconds))
	}
	return nil
}

// Resolve validates the request and builds a pending Job, filling the id and
// max_retries when the caller left them out.
func (r EnqueueRequest) Resolve(defaultMaxRetries int, now time.Time) (*Job, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	j := &Job{
		ID:         r.ID,
		Command:    r.Command,
		State:      StatePending,
		MaxRetries: defaultMaxRetries,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if j.ID == "" {
		j.ID = NewID()
	}
	if r.MaxRetries != nil {
		j.MaxRetries = *r.MaxRetries
	}
	if r.TimeoutSeconds != nil {
		j.TimeoutSeconds = *r.TimeoutSeconds
	}
	if r.RunAt.After(now) {
		j.NextRunAt = r.RunAt
	}
	return j, nil
}
