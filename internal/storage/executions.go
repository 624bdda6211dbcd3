package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
)

// Counter keys kept in the metrics table.
const (
	MetricJobsProcessed = "jobs_processed"
	MetricJobsSucceeded = "jobs_succeeded"
	MetricJobsFailed    = "jobs_failed"
	MetricJobsTimeout   = "jobs_timeout"
	MetricJobsEnqueued  = "jobs_enqueued"
)

// ExecutionStats summarizes execution history.
type ExecutionStats struct {
	TotalEnqueued  int64   `json:"total_enqueued" yaml:"total_enqueued"`
	TotalProcessed int64   `json:"total_processed" yaml:"total_processed"`
	TotalSucceeded int64   `json:"total_succeeded" yaml:"total_succeeded"`
	TotalFailed    int64   `json:"total_failed" yaml:"total_failed"`
	TotalTimeout   int64   `json:"total_timeout" yaml:"total_timeout"`
	SuccessRate    float64 `json:"success_rate" yaml:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms" yaml:"avg_duration_ms"`
	Recent24hCount int64   `json:"recent_24h_count" yaml:"recent_24h_count"`
}

func (s *Store) IncrementMetric(ctx context.Context, key string) error {
	return incrementMetric(ctx, s.db, key, toNanos(s.now()))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementMetric(ctx context.Context, db execer, key string, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO metrics (key, value, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = value + 1, updated_at = excluded.updated_at`,
		key, now)
	if err != nil {
		return unavailable("", "increment metric", err)
	}
	return nil
}

func (s *Store) GetMetric(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metrics WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("", "get metric", err)
	}
	return value, nil
}

// RecordExecution stores one attempt and bumps the processed/succeeded/
// failed/timeout counters in the same transaction.
func (s *Store) RecordExecution(ctx context.Context, e *job.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(e.JobID, "begin record execution", err)
	}
	defer tx.Rollback()

	if e.DurationMs == 0 && !e.FinishedAt.IsZero() {
		e.DurationMs = e.FinishedAt.Sub(e.StartedAt).Milliseconds()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO job_executions (job_id, worker_id, attempt, started_at, completed_at, duration_ms, exit_code, success, timeout, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.WorkerID, e.Attempt, toNanos(e.StartedAt), toNanos(e.FinishedAt), e.DurationMs, e.ExitCode,
		boolToInt(e.Success), boolToInt(e.TimedOut), job.TruncateError(e.Error), e.Output)
	if err != nil {
		if isForeignKey(err) {
			return job.NewError(job.ErrNotFound, e.JobID, "job deleted before its execution was recorded")
		}
		return unavailable(e.JobID, "record execution", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}

	now := toNanos(s.now())
	keys := []string{MetricJobsProcessed}
	switch {
	case e.Success:
		keys = append(keys, MetricJobsSucceeded)
	case e.TimedOut:
		keys = append(keys, MetricJobsFailed, MetricJobsTimeout)
	default:
		keys = append(keys, MetricJobsFailed)
	}
	for _, key := range keys {
		if err := incrementMetric(ctx, tx, key, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(e.JobID, "commit record execution", err)
	}
	return nil
}

func (s *Store) ExecutionStats(ctx context.Context) (ExecutionStats, error) {
	var stats ExecutionStats
	counters := []struct {
		key string
		dst *int64
	}{
		{MetricJobsEnqueued, &stats.TotalEnqueued},
		{MetricJobsProcessed, &stats.TotalProcessed},
		{MetricJobsSucceeded, &stats.TotalSucceeded},
		{MetricJobsFailed, &stats.TotalFailed},
		{MetricJobsTimeout, &stats.TotalTimeout},
	}
	for _, c := range counters {
		v, err := s.GetMetric(ctx, c.key)
		if err != nil {
			return ExecutionStats{}, err
		}
		*c.dst = v
	}
	if stats.TotalProcessed > 0 {
		stats.SuccessRate = float64(stats.TotalSucceeded) / float64(stats.TotalProcessed) * 100
	}

	since := toNanos(s.now().Add(-24 * time.Hour))
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms), COUNT(*) FROM job_executions WHERE started_at > ?`, since).
		Scan(&avg, &stats.Recent24hCount); err != nil {
		return ExecutionStats{}, unavailable("", "execution stats", err)
	}
	if avg.Valid {
		stats.AvgDurationMs = avg.Float64
	}
	return stats, nil
}

const executionQuery = `
	SELECT e.id, e.job_id, e.worker_id, j.command, j.state, e.attempt, e.started_at, e.completed_at,
		e.duration_ms, e.exit_code, e.success, e.timeout, e.error, e.output
	FROM job_executions e
	JOIN jobs j ON e.job_id = j.id`

// RecentExecutions returns the latest attempts across all jobs.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]job.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryExecutions(ctx, executionQuery+` ORDER BY e.started_at DESC, e.id DESC LIMIT ?`, limit)
}

// JobExecutions returns the latest attempts of one job, newest first.
func (s *Store) JobExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryExecutions(ctx, executionQuery+` WHERE e.job_id = ? ORDER BY e.started_at DESC, e.id DESC LIMIT ?`, jobID, limit)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]job.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("", "query executions", err)
	}
	defer rows.Close()

	executions := []job.Execution{}
	for rows.Next() {
		var (
			e                 job.Execution
			state             string
			started, finished int64
			success, timedOut int
			errMsg, output    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.WorkerID, &e.Command, &state, &e.Attempt, &started, &finished,
			&e.DurationMs, &e.ExitCode, &success, &timedOut, &errMsg, &output); err != nil {
			return nil, unavailable("", "scan execution", err)
		}
		e.JobState = job.State(state)
		e.StartedAt = fromNanos(started)
		e.FinishedAt = fromNanos(finished)
		e.Success = success == 1
		e.TimedOut = timedOut == 1
		e.Error = errMsg.String
		e.Output = output.String
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("", "query executions", err)
	}
	return executions, nil
}
