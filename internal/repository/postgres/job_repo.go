package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// JobRepo implements JobRepository using PostgreSQL.
type JobRepo struct{ db *DB }

// NewJobRepo constructs a sync job repository.
func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

// Insert persists a new pending job.
func (r *JobRepo) Insert(ctx context.Context, j *model.SyncJob) error {
	const q = `
INSERT INTO sync_jobs (id, owner_id, type, status, progress, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,'',$6,$7)`
	_, err := r.db.Pool.Exec(ctx, q,
		j.ID, j.OwnerID, string(j.Type), string(j.Status), j.Progress, j.CreatedAt, j.UpdatedAt)
	return err
}

// Get returns a job by id.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncJob, error) {
	const q = `
SELECT id, owner_id, type, status, progress, error, started_at, finished_at, created_at, updated_at
FROM sync_jobs WHERE id=$1`
	var (
		j          model.SyncJob
		typ        string
		status     string
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&j.ID, &j.OwnerID, &typ, &status,
		&j.Progress, &j.Error, &startedAt, &finishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	j.Type = model.JobType(typ)
	j.Status = model.JobStatus(status)
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	if finishedAt != nil {
		j.FinishedAt = *finishedAt
	}
	return &j, nil
}

// MarkRunning transitions pending -> running.
func (r *JobRepo) MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error {
	const q = `
UPDATE sync_jobs SET status='running', started_at=$2, updated_at=$2
WHERE id=$1 AND status='pending'`
	return r.execExpectingRow(ctx, q, id, now)
}

// SetProgress raises progress monotonically.
func (r *JobRepo) SetProgress(ctx context.Context, id uuid.UUID, progress int, now time.Time) error {
	const q = `
UPDATE sync_jobs SET progress=GREATEST(progress,$2), updated_at=$3
WHERE id=$1 AND status='running'`
	return r.execExpectingRow(ctx, q, id, progress, now)
}

// MarkCompleted finishes a job successfully.
func (r *JobRepo) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error {
	const q = `
UPDATE sync_jobs SET status='completed', progress=100, finished_at=$2, updated_at=$2
WHERE id=$1 AND status='running'`
	return r.execExpectingRow(ctx, q, id, now)
}

// MarkFailed finishes a job with an error, keeping partial progress.
func (r *JobRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	const q = `
UPDATE sync_jobs SET status='failed', error=$2, finished_at=$3, updated_at=$3
WHERE id=$1 AND status IN ('pending','running')`
	return r.execExpectingRow(ctx, q, id, errMsg, now)
}

func (r *JobRepo) execExpectingRow(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
