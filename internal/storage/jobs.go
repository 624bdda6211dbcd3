package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/retry"
)

const jobColumns = `id, command, state, attempts, max_retries, timeout_seconds, next_run_at,
	owner_worker_id, last_error, created_at, updated_at, started_at, completed_at`

// acquireQuery claims the oldest eligible job in one statement. Run inside a
// BEGIN IMMEDIATE transaction, so the write lock is held before the
// eligibility subquery reads.
const acquireQuery = `
	UPDATE jobs
	SET state = 'processing', owner_worker_id = ?, attempts = attempts + 1,
		updated_at = MAX(updated_at, ?), started_at = ?
	WHERE id = (
		SELECT id FROM jobs
		WHERE state = 'pending' AND next_run_at <= ?
		ORDER BY next_run_at, created_at, id
		LIMIT 1
	)
	RETURNING ` + jobColumns

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                      job.Job
		state                  string
		owner, lastErr         sql.NullString
		nextRun, created, upd  int64
		startedAt, completedAt sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries, &j.TimeoutSeconds, &nextRun,
		&owner, &lastErr, &created, &upd, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.NextRunAt = fromNanos(nextRun)
	j.OwnerWorkerID = owner.String
	j.LastError = lastErr.String
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(upd)
	j.StartedAt = nullableTime(startedAt)
	j.CompletedAt = nullableTime(completedAt)
	return &j, nil
}

// Create inserts a new pending job.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = j.CreatedAt
	}
	if j.State == "" {
		j.State = job.StatePending
	}
	if j.State != job.StatePending {
		return job.NewError(job.ErrInvalidState, j.ID, fmt.Sprintf("new jobs must be pending, got %s", j.State))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, timeout_seconds, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Command, string(j.State), j.Attempts, j.MaxRetries, j.TimeoutSeconds,
		toNanos(j.NextRunAt), toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return job.NewError(job.ErrDuplicateID, j.ID, "a job with this id already exists")
		}
		return unavailable(j.ID, "create job", err)
	}
	return nil
}

// Acquire claims the next eligible job for workerID. It returns nil, nil
// when no job is eligible.
func (s *Store) Acquire(ctx context.Context, workerID string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("", "begin acquire", err)
	}
	defer tx.Rollback()

	now := toNanos(s.now())
	j, err := scanJob(tx.QueryRowContext(ctx, acquireQuery, workerID, now, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("", "acquire job", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workers SET current_job_id = ?, heartbeat_at = ? WHERE id = ?`, j.ID, now, workerID); err != nil {
		return nil, unavailable(j.ID, "record worker job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(j.ID, "commit acquire", err)
	}
	return j, nil
}

func (s *Store) lockedJob(ctx context.Context, tx *sql.Tx, id string) (*job.Job, error) {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.NewError(job.ErrNotFound, id, "")
	}
	if err != nil {
		return nil, unavailable(id, "load job", err)
	}
	return j, nil
}

func requireState(j *job.Job, want job.State) error {
	if j.State != want {
		return job.NewError(job.ErrInvalidState, j.ID, fmt.Sprintf("expected %s, job is %s", want, j.State))
	}
	return nil
}

// MarkCompleted moves a processing job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(id, "begin mark completed", err)
	}
	defer tx.Rollback()

	j, err := s.lockedJob(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := requireState(j, job.StateProcessing); err != nil {
		return err
	}

	now := toNanos(s.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'completed', owner_worker_id = NULL, last_error = NULL, updated_at = MAX(updated_at, ?), completed_at = ?
		WHERE id = ?`, now, now, id); err != nil {
		return unavailable(id, "mark completed", err)
	}
	if err := clearWorkerJob(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(id, "commit mark completed", err)
	}
	return nil
}

// MarkFailed records a failed attempt. The job goes back to pending at
// nextRunAt while attempts < max_retries, otherwise to dead. The resulting
// state is returned.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, nextRunAt time.Time) (job.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable(id, "begin mark failed", err)
	}
	defer tx.Rollback()

	j, err := s.lockedJob(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if err := requireState(j, job.StateProcessing); err != nil {
		return "", err
	}

	now := s.now()
	next := job.StatePending
	if retry.IsTerminal(j.Attempts, j.MaxRetries) {
		next = job.StateDead
		nextRunAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, owner_worker_id = NULL, last_error = ?, next_run_at = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		string(next), job.TruncateError(errMsg), toNanos(nextRunAt), toNanos(now), id); err != nil {
		return "", unavailable(id, "mark failed", err)
	}
	if err := clearWorkerJob(ctx, tx, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", unavailable(id, "commit mark failed", err)
	}
	return next, nil
}

func clearWorkerJob(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE workers SET current_job_id = NULL WHERE current_job_id = ?`, id); err != nil {
		return unavailable(id, "clear worker job", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.NewError(job.ErrNotFound, id, "")
	}
	if err != nil {
		return nil, unavailable(id, "get job", err)
	}
	return j, nil
}

// List returns a snapshot ordered by created_at. A nil filter lists every
// job.
func (s *Store) List(ctx context.Context, filter *job.State) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*filter))
	}
	query += ` ORDER BY created_at, id`
	return s.queryJobs(ctx, "list jobs", query, args...)
}

// ListOwnedBy returns processing jobs claimed by workerID.
func (s *Store) ListOwnedBy(ctx context.Context, workerID string) ([]job.Job, error) {
	return s.queryJobs(ctx, "list owned jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE state = 'processing' AND owner_worker_id = ? ORDER BY created_at, id`, workerID)
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("", op, err)
	}
	defer rows.Close()

	jobs := []job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, unavailable("", op, err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("", op, err)
	}
	return jobs, nil
}

// CountByState returns the number of jobs in each stored state. States with
// no jobs are present with a zero count.
func (s *Store) CountByState(ctx context.Context) (map[job.State]int, error) {
	counts := map[job.State]int{
		job.StatePending:    0,
		job.StateProcessing: 0,
		job.StateCompleted:  0,
		job.StateDead:       0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, unavailable("", "count jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, unavailable("", "count jobs", err)
		}
		counts[job.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("", "count jobs", err)
	}
	return counts, nil
}

// Delete removes a job in any state along with its execution history.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(id, "begin delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return unavailable(id, "delete job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(id, "delete job", err)
	}
	if n == 0 {
		return job.NewError(job.ErrNotFound, id, "")
	}
	if err := clearWorkerJob(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(id, "commit delete", err)
	}
	return nil
}

// DeleteInState removes a job only if it is currently in state.
func (s *Store) DeleteInState(ctx context.Context, id string, state job.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(id, "begin delete", err)
	}
	defer tx.Rollback()

	j, err := s.lockedJob(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := requireState(j, state); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return unavailable(id, "delete job", err)
	}
	if err := clearWorkerJob(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(id, "commit delete", err)
	}
	return nil
}

// RequeueFromDead resets a dead job to pending with zero attempts.
func (s *Store) RequeueFromDead(ctx context.Context, id string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(id, "begin requeue", err)
	}
	defer tx.Rollback()

	j, err := s.lockedJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(j, job.StateDead); err != nil {
		return nil, err
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'pending', attempts = 0, owner_worker_id = NULL, next_run_at = ?, updated_at = MAX(updated_at, ?),
			started_at = NULL, completed_at = NULL
		WHERE id = ?`, toNanos(now), toNanos(now), id); err != nil {
		return nil, unavailable(id, "requeue job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(id, "commit requeue", err)
	}

	j.State = job.StatePending
	j.Attempts = 0
	j.OwnerWorkerID = ""
	j.NextRunAt = now
	j.UpdatedAt = now
	j.StartedAt = nil
	j.CompletedAt = nil
	return j, nil
}
