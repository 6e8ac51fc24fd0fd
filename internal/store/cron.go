package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// CronJob is a persisted schedule. Schedule and Payload are opaque JSON
// documents owned by the cron package.
type CronJob struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Enabled     bool            `json:"enabled"`
	Schedule    json.RawMessage `json:"schedule"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAtMs int64           `json:"createdAtMs"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
	LastRunMs   int64           `json:"lastRunMs,omitempty"`
	NextRunMs   int64           `json:"nextRunMs,omitempty"`
}

// CronRun records one firing of a job.
type CronRun struct {
	ID           string `json:"runId"`
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	Manual       bool   `json:"manual,omitempty"`
	StartedAtMs  int64  `json:"startedAtMs"`
	FinishedAtMs int64  `json:"finishedAtMs,omitempty"`
}

const cronJobColumns = `job_id, name, enabled, schedule_json, payload_json, metadata_json,
	created_at_ms, updated_at_ms, last_run_ms, next_run_ms`

func scanCronJob(row interface{ Scan(...any) error }) (CronJob, error) {
	var job CronJob
	var enabled int
	var schedule, payload, metadata string
	var lastRun, nextRun sql.NullInt64
	if err := row.Scan(&job.ID, &job.Name, &enabled, &schedule, &payload, &metadata,
		&job.CreatedAtMs, &job.UpdatedAtMs, &lastRun, &nextRun); err != nil {
		return CronJob{}, err
	}
	job.Enabled = enabled != 0
	job.Schedule = json.RawMessage(schedule)
	job.Payload = json.RawMessage(payload)
	job.Metadata = unmarshalMap(metadata)
	job.LastRunMs = nullableMs(lastRun)
	job.NextRunMs = nullableMs(nextRun)
	return job, nil
}

// InsertCronJob persists a new job.
func (s *Store) InsertCronJob(ctx context.Context, job CronJob) (CronJob, error) {
	if job.ID == "" {
		return CronJob{}, fmt.Errorf("insert cron job: id required")
	}
	now := nowMs()
	job.CreatedAtMs = now
	job.UpdatedAtMs = now
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_jobs (job_id, name, enabled, schedule_json, payload_json, metadata_json,
				created_at_ms, updated_at_ms, last_run_ms, next_run_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, job.ID, job.Name, boolInt(job.Enabled), string(job.Schedule), string(job.Payload),
			marshalJSON(job.Metadata, "{}"), job.CreatedAtMs, job.UpdatedAtMs,
			msOrNull(job.LastRunMs), msOrNull(job.NextRunMs))
		return err
	})
	if isUniqueViolation(err) {
		return CronJob{}, ErrConflict
	}
	if err != nil {
		return CronJob{}, fmt.Errorf("insert cron job %q: %w", job.ID, err)
	}
	return job, nil
}

// UpdateCronJob replaces a job's mutable fields.
func (s *Store) UpdateCronJob(ctx context.Context, job CronJob) (CronJob, error) {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cron_jobs SET name = ?, enabled = ?, schedule_json = ?, payload_json = ?,
				metadata_json = ?, updated_at_ms = ?, next_run_ms = ?
			WHERE job_id = ?;
		`, job.Name, boolInt(job.Enabled), string(job.Schedule), string(job.Payload),
			marshalJSON(job.Metadata, "{}"), nowMs(), msOrNull(job.NextRunMs), job.ID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CronJob{}, ErrNotFound
		}
		return CronJob{}, fmt.Errorf("update cron job %q: %w", job.ID, err)
	}
	return s.GetCronJob(ctx, job.ID)
}

// MarkCronJobRun records a firing: last run, recomputed next run (nil
// disables one-shots), and optionally flips enabled off.
func (s *Store) MarkCronJobRun(ctx context.Context, id string, lastRunMs int64, nextRunMs int64, stillEnabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cron_jobs SET last_run_ms = ?, next_run_ms = ?, enabled = ?, updated_at_ms = ?
			WHERE job_id = ?;
		`, lastRunMs, msOrNull(nextRunMs), boolInt(stillEnabled), nowMs(), id)
		if err != nil {
			return fmt.Errorf("mark cron job run %q: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetCronJob fetches a job by id.
func (s *Store) GetCronJob(ctx context.Context, id string) (CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE job_id = ?;`, id)
	job, err := scanCronJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CronJob{}, ErrNotFound
	}
	if err != nil {
		return CronJob{}, fmt.Errorf("get cron job %q: %w", id, err)
	}
	return job, nil
}

// DeleteCronJob removes a job and its run history.
func (s *Store) DeleteCronJob(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM cron_runs WHERE job_id = ?;`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cron_jobs WHERE job_id = ?;`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("delete cron job %q: %w", id, err)
	}
	return removed, nil
}

// ListCronJobs returns jobs in creation order.
func (s *Store) ListCronJobs(ctx context.Context, includeDisabled bool, limit int) ([]CronJob, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + cronJobColumns + ` FROM cron_jobs`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at_ms ASC, job_id ASC LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DueCronJobs returns enabled jobs whose next run is at or before nowMs.
func (s *Store) DueCronJobs(ctx context.Context, nowMs int64) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cronJobColumns+` FROM cron_jobs
		WHERE enabled = 1 AND next_run_ms IS NOT NULL AND next_run_ms <= ?
		ORDER BY next_run_ms ASC, job_id ASC;
	`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("due cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountCronJobs returns the total number of jobs.
func (s *Store) CountCronJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_jobs;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cron jobs: %w", err)
	}
	return n, nil
}

// RecordCronRun persists one firing and prunes history beyond keep (per
// job) when keep > 0.
func (s *Store) RecordCronRun(ctx context.Context, run CronRun, keep int) error {
	if run.ID == "" || run.JobID == "" {
		return fmt.Errorf("record cron run: id and job id required")
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cron_runs (run_id, job_id, status, output, error, manual, started_at_ms, finished_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.JobID, run.Status, run.Output, run.Error, boolInt(run.Manual),
			run.StartedAtMs, msOrNull(run.FinishedAtMs)); err != nil {
			return fmt.Errorf("insert cron run: %w", err)
		}
		if keep > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM cron_runs WHERE job_id = ? AND run_id IN (
					SELECT run_id FROM cron_runs WHERE job_id = ?
					ORDER BY started_at_ms DESC, run_id ASC
					LIMIT -1 OFFSET ?
				);
			`, run.JobID, run.JobID, keep); err != nil {
				return fmt.Errorf("prune cron runs: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListCronRuns returns run history, most recent first. An empty jobID
// spans all jobs.
func (s *Store) ListCronRuns(ctx context.Context, jobID string, limit int) ([]CronRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id, job_id, status, output, error, manual, started_at_ms, finished_at_ms FROM cron_runs`
	args := []any{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at_ms DESC, run_id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron runs: %w", err)
	}
	defer rows.Close()

	var runs []CronRun
	for rows.Next() {
		var run CronRun
		var manual int
		var finished sql.NullInt64
		if err := rows.Scan(&run.ID, &run.JobID, &run.Status, &run.Output, &run.Error, &manual, &run.StartedAtMs, &finished); err != nil {
			return nil, fmt.Errorf("scan cron run: %w", err)
		}
		run.Manual = manual != 0
		run.FinishedAtMs = nullableMs(finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func msOrNull(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
