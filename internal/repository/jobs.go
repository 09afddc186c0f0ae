package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/entity"
)

// JobStore is the mutation surface shared by the repository and its
// transactions. All mutations stamp updated_at.
type JobStore interface {
	Create(ctx context.Context, sourceFile string) (*entity.Job, error)
	Get(ctx context.Context, jobID string) (*entity.Job, error)
	// UpdateStatus fails with common.ErrNotFound if the job does not exist
	// and succeeds idempotently if the status is unchanged.
	UpdateStatus(ctx context.Context, jobID string, status entity.JobStatus) error
}

// JobRepository is the authoritative transactional record of jobs.
type JobRepository interface {
	JobStore
	// WithTx runs fn inside one atomic unit. Every write fn performs
	// through the passed store commits together on success; any error
	// from fn rolls the whole unit back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx JobStore) error) error
}

type jobRepo struct {
	db  *sql.DB
	log *slog.Logger
}

// NewJobRepository returns a JobRepository backed by db.
func NewJobRepository(db *sql.DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

// querier is the subset of *sql.DB and *sql.Tx the job queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func createJob(ctx context.Context, q querier, log *slog.Logger, sourceFile string) (*entity.Job, error) {
	now := time.Now().UTC()
	job := &entity.Job{
		ID:         entity.NewJobID(),
		SourceFile: sourceFile,
		Status:     entity.JobStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs (job_id, source_file, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.SourceFile, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		log.Error("jobs.create_failed", "source_file", sourceFile, "error", err)
		return nil, fmt.Errorf("%w: insert job: %v", common.ErrStorage, err)
	}
	log.Info("jobs.created", "job_id", job.ID, "source_file", sourceFile)
	return job, nil
}

func getJob(ctx context.Context, q querier, jobID string) (*entity.Job, error) {
	var job entity.Job
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT job_id, source_file, status, created_at, updated_at FROM jobs WHERE job_id = $1`,
		jobID,
	).Scan(&job.ID, &job.SourceFile, &status, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", common.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select job %s: %v", common.ErrStorage, jobID, err)
	}
	job.Status = entity.JobStatus(status)
	return &job, nil
}

func updateStatus(ctx context.Context, q querier, log *slog.Logger, jobID string, status entity.JobStatus) error {
	if !entity.ValidStatus(status) {
		return fmt.Errorf("%w: unknown job status %q", common.ErrFatal, status)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE job_id = $3`,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		log.Error("jobs.update_status_failed", "job_id", jobID, "status", status, "error", err)
		return fmt.Errorf("%w: update job %s: %v", common.ErrStorage, jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected for job %s: %v", common.ErrStorage, jobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s", common.ErrNotFound, jobID)
	}
	log.Info("jobs.status_updated", "job_id", jobID, "status", status)
	return nil
}

func (r *jobRepo) Create(ctx context.Context, sourceFile string) (*entity.Job, error) {
	return createJob(ctx, r.db, r.log, sourceFile)
}

func (r *jobRepo) Get(ctx context.Context, jobID string) (*entity.Job, error) {
	return getJob(ctx, r.db, jobID)
}

func (r *jobRepo) UpdateStatus(ctx context.Context, jobID string, status entity.JobStatus) error {
	return updateStatus(ctx, r.db, r.log, jobID, status)
}

type jobTx struct {
	tx  *sql.Tx
	log *slog.Logger
}

func (t *jobTx) Create(ctx context.Context, sourceFile string) (*entity.Job, error) {
	return createJob(ctx, t.tx, t.log, sourceFile)
}

func (t *jobTx) Get(ctx context.Context, jobID string) (*entity.Job, error) {
	return getJob(ctx, t.tx, jobID)
}

func (t *jobTx) UpdateStatus(ctx context.Context, jobID string, status entity.JobStatus) error {
	return updateStatus(ctx, t.tx, t.log, jobID, status)
}

func (r *jobRepo) WithTx(ctx context.Context, fn func(tx JobStore) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", common.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&jobTx{tx: tx, log: r.log}); err != nil {
		r.log.Warn("jobs.tx_rolled_back", "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", common.ErrStorage, err)
	}
	return nil
}
