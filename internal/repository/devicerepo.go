package repository

import (
	"context"
	"time"

	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DeviceRepository stores per-device sync status.
type DeviceRepository interface {
	// Upsert inserts or updates the (owner, device) record and returns the
	// stored state.
	Upsert(ctx context.Context, d *model.DeviceStatus) (*model.DeviceStatus, error)

	// Get returns one device record.
	Get(ctx context.Context, ownerID uuid.UUID, deviceID string) (*model.DeviceStatus, error)

	// ListNeedingSync returns online, sync-enabled devices with at least
	// minPending outstanding items, stalest successful sync first.
	ListNeedingSync(ctx context.Context, minPending, limit int) ([]model.DeviceStatus, error)

	// DeleteOfflineBefore purges devices last seen before the cutoff while
	// offline.
	DeleteOfflineBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobRepository stores on-demand sync job state.
type JobRepository interface {
	// Insert persists a new pending job.
	Insert(ctx context.Context, j *model.SyncJob) error

	// Get returns a job by id.
	Get(ctx context.Context, id uuid.UUID) (*model.SyncJob, error)

	// MarkRunning transitions a pending job to running.
	MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error

	// SetProgress raises the job's progress; it never decreases.
	SetProgress(ctx context.Context, id uuid.UUID, progress int, now time.Time) error

	// MarkCompleted finishes a job successfully at 100 percent.
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkFailed finishes a job with an error, keeping progress so far.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
}
