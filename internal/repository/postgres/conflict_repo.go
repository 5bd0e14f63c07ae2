package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ConflictRepo implements ConflictRepository using PostgreSQL. A partial
// unique index on (owner_id, entity_type, entity_id) WHERE NOT resolved
// enforces the at-most-one-unresolved invariant at the storage level.
type ConflictRepo struct{ db *DB }

// NewConflictRepo constructs a conflict repository.
func NewConflictRepo(db *DB) *ConflictRepo { return &ConflictRepo{db: db} }

const selectConflictCols = `id, owner_id, entity_type, entity_id, local_version, server_version,
local_payload, server_payload, kind, strategy, resolved, resolved_at, resolved_by, created_at, updated_at`

// Insert persists a new unresolved conflict.
func (r *ConflictRepo) Insert(ctx context.Context, c *model.Conflict) error {
	local, server, err := marshalSnapshots(c)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO conflicts (id, owner_id, entity_type, entity_id, local_version, server_version,
local_payload, server_payload, kind, strategy, resolved, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,'',false,$10,$11)`
	_, err = r.db.Pool.Exec(ctx, q,
		c.ID, c.OwnerID, c.EntityType, c.EntityID, c.LocalVersion, c.ServerVersion,
		string(local), string(server), string(c.Kind), c.CreatedAt, c.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		// a concurrent detection already created the unresolved record
		return errs.ErrVersionConflict
	}
	return err
}

// Get returns a conflict by id.
func (r *ConflictRepo) Get(ctx context.Context, id uuid.UUID) (*model.Conflict, error) {
	q := `SELECT ` + selectConflictCols + ` FROM conflicts WHERE id=$1`
	c, err := scanConflict(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// GetUnresolved returns the single unresolved conflict for an entity.
func (r *ConflictRepo) GetUnresolved(ctx context.Context, ownerID uuid.UUID, entityType, entityID string) (*model.Conflict, error) {
	q := `SELECT ` + selectConflictCols + `
FROM conflicts WHERE owner_id=$1 AND entity_type=$2 AND entity_id=$3 AND NOT resolved`
	c, err := scanConflict(r.db.Pool.QueryRow(ctx, q, ownerID, entityType, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// UpdateSnapshots refreshes an unresolved conflict with the latest state.
func (r *ConflictRepo) UpdateSnapshots(ctx context.Context, c *model.Conflict, now time.Time) error {
	local, server, err := marshalSnapshots(c)
	if err != nil {
		return err
	}
	const q = `
UPDATE conflicts
SET local_version=$2, server_version=$3, local_payload=$4::jsonb, server_payload=$5::jsonb, kind=$6, updated_at=$7
WHERE id=$1 AND NOT resolved`
	tag, err := r.db.Pool.Exec(ctx, q,
		c.ID, c.LocalVersion, c.ServerVersion, string(local), string(server), string(c.Kind), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkResolved flips the resolved flag exactly once.
func (r *ConflictRepo) MarkResolved(ctx context.Context, id uuid.UUID, strategy model.StrategyKind, resolvedBy uuid.UUID, now time.Time) error {
	const q = `
UPDATE conflicts
SET resolved=true, strategy=$2, resolved_by=$3, resolved_at=$4, updated_at=$4
WHERE id=$1 AND NOT resolved`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(strategy), resolvedBy, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyResolved
	}
	return nil
}

// ListUnresolved returns unresolved conflicts oldest first. ownerID uuid.Nil
// and entityType "" disable the respective filter.
func (r *ConflictRepo) ListUnresolved(ctx context.Context, ownerID uuid.UUID, entityType string, limit int) ([]model.Conflict, error) {
	q := `SELECT ` + selectConflictCols + `
FROM conflicts
WHERE NOT resolved
  AND ($1::uuid = '00000000-0000-0000-0000-000000000000'::uuid OR owner_id=$1)
  AND ($2 = '' OR entity_type=$2)
ORDER BY created_at ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, ownerID, entityType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteResolvedBefore purges resolved conflicts past retention.
func (r *ConflictRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM conflicts WHERE resolved AND resolved_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func marshalSnapshots(c *model.Conflict) (local, server []byte, err error) {
	if local, err = json.Marshal(c.LocalPayload); err != nil {
		return nil, nil, fmt.Errorf("marshal local payload: %w", err)
	}
	if server, err = json.Marshal(c.ServerPayload); err != nil {
		return nil, nil, fmt.Errorf("marshal server payload: %w", err)
	}
	return local, server, nil
}

func scanConflict(row pgx.Row) (*model.Conflict, error) {
	var (
		c          model.Conflict
		kind       string
		strategy   string
		local      []byte
		server     []byte
		resolvedAt *time.Time
		resolvedBy *uuid.UUID
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.EntityType, &c.EntityID,
		&c.LocalVersion, &c.ServerVersion, &local, &server, &kind, &strategy,
		&c.Resolved, &resolvedAt, &resolvedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = model.ConflictKind(kind)
	c.Strategy = model.StrategyKind(strategy)
	if resolvedAt != nil {
		c.ResolvedAt = *resolvedAt
	}
	if resolvedBy != nil {
		c.ResolvedBy = *resolvedBy
	}
	if len(local) > 0 {
		if err := json.Unmarshal(local, &c.LocalPayload); err != nil {
			return nil, fmt.Errorf("unmarshal local payload: %w", err)
		}
	}
	if len(server) > 0 {
		if err := json.Unmarshal(server, &c.ServerPayload); err != nil {
			return nil, fmt.Errorf("unmarshal server payload: %w", err)
		}
	}
	return &c, nil
}
