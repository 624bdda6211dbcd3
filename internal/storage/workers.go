package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
)

// WorkerRecord is one row of the worker registry.
type WorkerRecord struct {
	ID            string     `json:"id" yaml:"id"`
	PID           int        `json:"pid" yaml:"pid"`
	Hostname      string     `json:"hostname" yaml:"hostname"`
	StartedAt     time.Time  `json:"started_at" yaml:"started_at"`
	HeartbeatAt   time.Time  `json:"heartbeat_at" yaml:"heartbeat_at"`
	StopRequested bool       `json:"stop_requested" yaml:"stop_requested"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty" yaml:"stopped_at,omitempty"`
	CurrentJobID  string     `json:"current_job_id,omitempty" yaml:"current_job_id,omitempty"`
}

const workerColumns = `id, pid, hostname, started_at, heartbeat_at, stop_requested, stopped_at, current_job_id`

func scanWorker(r rowScanner) (*WorkerRecord, error) {
	var (
		w                  WorkerRecord
		started, heartbeat int64
		stopRequested      int
		stoppedAt          sql.NullInt64
		current            sql.NullString
	)
	if err := r.Scan(&w.ID, &w.PID, &w.Hostname, &started, &heartbeat, &stopRequested, &stoppedAt, &current); err != nil {
		return nil, err
	}
	w.StartedAt = fromNanos(started)
	w.HeartbeatAt = fromNanos(heartbeat)
	w.StopRequested = stopRequested != 0
	w.StoppedAt = nullableTime(stoppedAt)
	w.CurrentJobID = current.String
	return &w, nil
}

func (s *Store) RegisterWorker(ctx context.Context, w WorkerRecord) error {
	now := s.now()
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, pid, hostname, started_at, heartbeat_at, stop_requested)
		VALUES (?, ?, ?, ?, ?, 0)`,
		w.ID, w.PID, w.Hostname, toNanos(w.StartedAt), toNanos(now))
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("worker %s already registered", w.ID)
		}
		return unavailable("", "register worker", err)
	}
	return nil
}

// Heartbeat refreshes heartbeat_at and reports whether a stop was requested.
func (s *Store) Heartbeat(ctx context.Context, id string) (bool, error) {
	var stop int
	err := s.db.QueryRowContext(ctx, `
		UPDATE workers SET heartbeat_at = ? WHERE id = ?
		RETURNING stop_requested`, toNanos(s.now()), id).Scan(&stop)
	if errors.Is(err, sql.ErrNoRows) {
		return false, workerNotFound(id)
	}
	if err != nil {
		return false, unavailable("", "worker heartbeat", err)
	}
	return stop != 0, nil
}

// RequestStop flags the worker for shutdown. An empty id targets every
// worker that has not stopped. The ids that were flagged are returned.
func (s *Store) RequestStop(ctx context.Context, id string) ([]string, error) {
	query := `UPDATE workers SET stop_requested = 1 WHERE stopped_at IS NULL`
	var args []any
	if id != "" {
		query += ` AND id = ?`
		args = append(args, id)
	}
	query += ` RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("", "request worker stop", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var wid string
		if err := rows.Scan(&wid); err != nil {
			return nil, unavailable("", "request worker stop", err)
		}
		ids = append(ids, wid)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("", "request worker stop", err)
	}
	return ids, nil
}

func (s *Store) MarkWorkerStopped(ctx context.Context, id string) error {
	now := toNanos(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET stopped_at = COALESCE(stopped_at, ?), current_job_id = NULL, heartbeat_at = ?
		WHERE id = ?`, now, now, id)
	if err != nil {
		return unavailable("", "mark worker stopped", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workerNotFound(id)
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*WorkerRecord, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workerNotFound(id)
	}
	if err != nil {
		return nil, unavailable("", "get worker", err)
	}
	return w, nil
}

// ListWorkers returns the registry ordered by start time.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY started_at, id`)
	if err != nil {
		return nil, unavailable("", "list workers", err)
	}
	defer rows.Close()

	workers := []WorkerRecord{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, unavailable("", "list workers", err)
		}
		workers = append(workers, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("", "list workers", err)
	}
	return workers, nil
}

// PruneStoppedWorkers deletes registry rows stopped before cutoff.
func (s *Store) PruneStoppedWorkers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE stopped_at IS NOT NULL AND stopped_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, unavailable("", "prune workers", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func workerNotFound(id string) error {
	return &job.Error{Kind: job.ErrWorkerNotFound, Message: id}
}
