package repository

import (
	"context"
	"time"

	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// QueueRepository provides durable storage for deferred remote operations.
type QueueRepository interface {
	// Insert persists a new pending item.
	Insert(ctx context.Context, item *model.QueueItem) error

	// Get returns a single item by id.
	Get(ctx context.Context, id uuid.UUID) (*model.QueueItem, error)

	// SelectEligible returns up to limit pending items for the owner whose
	// scheduled time has passed and whose dependencies are all completed,
	// ordered by (priority desc, scheduled_at asc, insertion order asc).
	SelectEligible(ctx context.Context, ownerID uuid.UUID, now time.Time, limit int) ([]model.QueueItem, error)

	// MarkProcessing transitions a pending item to processing.
	MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkCompleted transitions a processing item to completed.
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error

	// Reschedule returns a processing item to pending with an updated retry
	// count, next eligible time and last error.
	Reschedule(ctx context.Context, id uuid.UUID, retryCount int, scheduledAt time.Time, lastError string, now time.Time) error

	// MarkFailed transitions a processing item to terminal failed.
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string, now time.Time) error

	// Stats returns per-status counts for the owner.
	Stats(ctx context.Context, ownerID uuid.UUID) (model.QueueStats, error)

	// OwnersWithPending returns owners that currently have pending items.
	OwnersWithPending(ctx context.Context, limit int) ([]uuid.UUID, error)

	// DeleteFinishedBefore purges completed/failed items updated before the
	// cutoff and returns the number of rows removed.
	DeleteFinishedBefore(ctx context.Context, ownerID uuid.UUID, cutoff time.Time) (int64, error)

	// ResetFailed returns failed items that still have retry budget to
	// pending and reports how many were reset.
	ResetFailed(ctx context.Context, ownerID uuid.UUID, now time.Time) (int64, error)

	// RequeueStale returns processing items not touched since cutoff to
	// pending. Recovers items claimed by a drain that died before
	// recording their outcome.
	RequeueStale(ctx context.Context, ownerID uuid.UUID, cutoff, now time.Time) (int64, error)

	// FailUnmetDependents terminally fails pending items that depend on a
	// request id whose item failed with its retry budget exhausted.
	FailUnmetDependents(ctx context.Context, ownerID uuid.UUID, now time.Time) (int64, error)
}

// DrainLocker serializes queue drains per owner with a TTL lease. Holders
// are one-per-drain tokens. An expired lease may be taken over by another
// holder without explicit release.
type DrainLocker interface {
	// Acquire attempts to take the owner's drain lease for ttl. It returns
	// false while a live lease exists, whoever holds it.
	Acquire(ctx context.Context, ownerID uuid.UUID, holder string, ttl time.Duration) (bool, error)

	// Release frees the lease if this holder still owns it.
	Release(ctx context.Context, ownerID uuid.UUID, holder string) error
}
