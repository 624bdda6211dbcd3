// Package dlq is the dead letter queue view: jobs that exhausted their
// retries, which an operator can inspect, requeue or drop.
package dlq

import (
	"context"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/logger"
)

type Store interface {
	List(ctx context.Context, filter *job.State) ([]job.Job, error)
	RequeueFromDead(ctx context.Context, id string) (*job.Job, error)
	DeleteInState(ctx context.Context, id string, state job.State) error
}

type Service struct {
	store Store
	log   logger.Logger
}

func NewService(store Store, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{store: store, log: log}
}

// List returns dead jobs ordered by creation time.
func (s *Service) List(ctx context.Context) ([]job.Job, error) {
	dead := job.StateDead
	return s.store.List(ctx, &dead)
}

// Retry moves a dead job back to pending with its attempts reset. The last
// error is kept until the next attempt overwrites it.
func (s *Service) Retry(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.RequeueFromDead(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("dead job requeued", "job_id", id)
	return j, nil
}

// Delete removes a job only while it is dead.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteInState(ctx, id, job.StateDead); err != nil {
		return err
	}
	s.log.Info("dead job deleted", "job_id", id)
	return nil
}
