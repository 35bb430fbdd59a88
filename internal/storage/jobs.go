package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, incident_id, job_type, status, attempt_count, max_attempts, run_after, leased_until, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(&job.ID, &job.IncidentID, &job.JobType, &job.Status, &job.AttemptCount, &job.MaxAttempts,
		&job.RunAfter, &job.LeasedUntil, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	return job, err
}

func (r *Repository) InsertJob(ctx context.Context, job Job) (Job, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO ai_jobs (id, incident_id, job_type, status, attempt_count, max_attempts, run_after, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING `+jobColumns,
		job.ID, job.IncidentID, job.JobType, job.Status, job.AttemptCount, job.MaxAttempts, job.RunAfter, job.CreatedAt)
	return scanJob(row)
}

// AcquireJob moves one eligible job to running in a single statement.
func (r *Repository) AcquireJob(ctx context.Context, now, leaseUntil time.Time) (Job, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		UPDATE ai_jobs SET status='running', leased_until=$2, attempt_count=attempt_count+1, updated_at=$1
		WHERE id = (
			SELECT id FROM ai_jobs
			WHERE attempt_count < max_attempts AND (
				(status='queued' AND run_after <= $1 AND (leased_until IS NULL OR leased_until <= $1))
				OR (status='running' AND leased_until <= $1)
			)
			ORDER BY run_after, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, now, leaseUntil)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, notFound(err, ErrNoJob)
	}
	return job, nil
}

func (r *Repository) CompleteJob(ctx context.Context, id string, now time.Time) error {
	return r.execJob(ctx, `UPDATE ai_jobs SET status='succeeded', leased_until=NULL, updated_at=$2 WHERE id=$1`, id, now)
}

func (r *Repository) FailJob(ctx context.Context, id string, failure JobFailure, now time.Time) error {
	return r.execJob(ctx, `
		UPDATE ai_jobs SET status=$2, last_error=$3, leased_until=NULL,
			run_after=COALESCE($4, run_after), updated_at=$5
		WHERE id=$1`, id, failure.Status, failure.LastError, failure.RunAfter, now)
}

func (r *Repository) RenewJob(ctx context.Context, id string, leaseUntil, now time.Time) error {
	return r.execJob(ctx, `UPDATE ai_jobs SET leased_until=$2, updated_at=$3 WHERE id=$1 AND status='running'`, id, leaseUntil, now)
}

func (r *Repository) execJob(ctx context.Context, sql string, args ...any) error {
	tag, err := r.Store.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (Job, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, notFound(err, ErrNotFound)
	}
	return job, nil
}

func (r *Repository) JobStats(ctx context.Context) (map[string]int, error) {
	rows, err := r.Store.Pool.Query(ctx, `SELECT status, COUNT(*) FROM ai_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := map[string]int{JobQueued: 0, JobRunning: 0, JobSucceeded: 0, JobFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
