// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/dmaksimov/driftsync/internal/model"
)

// VersionRepository provides append-only access to entity version history.
type VersionRepository interface {
	// InsertNext persists v with the next version number for its entity,
	// assigned atomically, and returns the assigned number.
	InsertNext(ctx context.Context, v *model.Version) (int64, error)

	// GetLatest returns the latest version number, 0 if none exists.
	GetLatest(ctx context.Context, entityType, entityID string) (int64, error)

	// Get returns a single version record.
	Get(ctx context.Context, entityType, entityID string, version int64) (*model.Version, error)

	// GetHistory returns versions in descending order, paged by limit/offset.
	GetHistory(ctx context.Context, entityType, entityID string, limit, offset int) ([]model.Version, error)

	// GetAll returns every version for an entity in ascending order.
	GetAll(ctx context.Context, entityType, entityID string) ([]model.Version, error)

	// Prune deletes all but the newest keepLast versions of an entity and
	// returns the number of rows removed.
	Prune(ctx context.Context, entityType, entityID string, keepLast int) (int64, error)
}
