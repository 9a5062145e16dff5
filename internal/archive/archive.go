// Package archive persists terminal jobs to Postgres for audit and
// reporting. The archive is optional and write-behind: the coordinator's
// own store stays authoritative, and a failed archive write never fails
// the report that triggered it.
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenix-sh/agenix/internal/archive/migrations"
	"github.com/agenix-sh/agenix/internal/domain"
)

// Archiver records terminal jobs.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error)
	Close()
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the Archiver interface.
func NewRepository(pool *pgxpool.Pool) Archiver {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return nil
}

// ArchiveJob writes the job and its task results in one transaction.
// Re-archiving the same job is a no-op, so crash-redo stays safe.
func (r *repository) ArchiveJob(ctx context.Context, job *domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive of %s: %w", job.JobID, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO archived_jobs
			(job_id, plan_id, action_id, queue, worker_id, status, requeues,
			 input, error, created_at, started_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING
	`,
		job.JobID, job.PlanID, job.ActionID, job.Queue, job.WorkerID,
		string(job.Status), job.Requeues, job.Input, job.Error,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already archived; the results went in with it.
		return tx.Commit(ctx)
	}

	for _, res := range job.Results {
		_, err := tx.Exec(ctx, `
			INSERT INTO archived_task_results
				(id, job_id, task_number, exit_code, stdout, stderr,
				 duration_ms, timed_out, truncated, error)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			uuid.New().String(), job.JobID, res.TaskNumber, res.ExitCode,
			res.Stdout, res.Stderr, res.DurationMs, res.TimedOut,
			res.Truncated, res.Error,
		)
		if err != nil {
			return fmt.Errorf("archive result %s/%d: %w", job.JobID, res.TaskNumber, err)
		}
	}
	return tx.Commit(ctx)
}

// GetJob reads one archived job with its task results.
func (r *repository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT job_id, plan_id, action_id, queue, worker_id, status, requeues,
		       input, error, created_at, started_at, completed_at
		FROM archived_jobs
		WHERE job_id = $1
	`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT task_number, exit_code, stdout, stderr, duration_ms,
		       timed_out, truncated, error
		FROM archived_task_results
		WHERE job_id = $1
		ORDER BY task_number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load results for %s: %w", jobID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var res domain.TaskResult
		err := rows.Scan(
			&res.TaskNumber, &res.ExitCode, &res.Stdout, &res.Stderr,
			&res.DurationMs, &res.TimedOut, &res.Truncated, &res.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		job.Results = append(job.Results, res)
	}
	return job, rows.Err()
}

// ListByStatus reads archived jobs with the given status, newest first,
// without their task results.
func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, plan_id, action_id, queue, worker_id, status, requeues,
		       input, error, created_at, started_at, completed_at
		FROM archived_jobs
		WHERE status = $1
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *repository) Close() {
	r.pool.Close()
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var (
		job       domain.Job
		statusStr string
	)
	err := row.Scan(
		&job.JobID, &job.PlanID, &job.ActionID, &job.Queue, &job.WorkerID,
		&statusStr, &job.Requeues, &job.Input, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan archived job: %w", err)
	}
	job.Status = domain.Status(statusStr)
	return &job, nil
}

type nopArchiver struct{}

// NewNopArchiver returns an archiver that drops every job, for deployments
// without an archive database.
func NewNopArchiver() Archiver {
	return nopArchiver{}
}

func (nopArchiver) ArchiveJob(context.Context, *domain.Job) error { return nil }

func (nopArchiver) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	return nil, &domain.JobNotFoundError{JobID: jobID}
}

func (nopArchiver) ListByStatus(context.Context, domain.Status, int) ([]*domain.Job, error) {
	return nil, nil
}

func (nopArchiver) Close() {}
