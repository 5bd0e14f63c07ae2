package repository

import (
	"context"
	"time"

	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConflictRepository stores detected version divergences.
type ConflictRepository interface {
	// Insert persists a new unresolved conflict.
	Insert(ctx context.Context, c *model.Conflict) error

	// Get returns a conflict by id.
	Get(ctx context.Context, id uuid.UUID) (*model.Conflict, error)

	// GetUnresolved returns the owner's unresolved conflict for an entity,
	// or errs.ErrNotFound when none exists.
	GetUnresolved(ctx context.Context, ownerID uuid.UUID, entityType, entityID string) (*model.Conflict, error)

	// UpdateSnapshots refreshes an unresolved conflict in place with the
	// latest local/server versions and payloads.
	UpdateSnapshots(ctx context.Context, c *model.Conflict, now time.Time) error

	// MarkResolved records the applied strategy and resolver exactly once.
	MarkResolved(ctx context.Context, id uuid.UUID, strategy model.StrategyKind, resolvedBy uuid.UUID, now time.Time) error

	// ListUnresolved returns unresolved conflicts, optionally filtered by
	// owner (uuid.Nil matches all) and entity type ("" matches all).
	ListUnresolved(ctx context.Context, ownerID uuid.UUID, entityType string, limit int) ([]model.Conflict, error)

	// DeleteResolvedBefore purges resolved conflicts older than the cutoff.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
