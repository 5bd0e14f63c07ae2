package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/jackc/pgx/v5"
)

// insertAttempts bounds the optimistic retry loop for version assignment.
// A retry only happens when a concurrent writer takes the same slot.
const insertAttempts = 5

// VersionRepo implements VersionRepository using PostgreSQL.
type VersionRepo struct{ db *DB }

// NewVersionRepo constructs a version repository.
func NewVersionRepo(db *DB) *VersionRepo { return &VersionRepo{db: db} }

const insertVersionSQL = `
INSERT INTO versions (id, entity_type, entity_id, version, operation, payload, checksum, actor_id, metadata, created_at)
VALUES ($1,$2,$3,(SELECT COALESCE(MAX(version),0)+1 FROM versions WHERE entity_type=$2 AND entity_id=$3),$4,$5::jsonb,$6,$7,$8::jsonb,$9)
RETURNING version`

// InsertNext assigns the next version number atomically. The subselect and
// the unique index on (entity_type, entity_id, version) make concurrent
// inserts race to a slot; the loser hits a unique violation and retries.
func (r *VersionRepo) InsertNext(ctx context.Context, v *model.Version) (int64, error) {
	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	for attempt := 0; attempt < insertAttempts; attempt++ {
		var assigned int64
		err = r.db.Pool.QueryRow(ctx, insertVersionSQL,
			v.ID, v.EntityType, v.EntityID, string(v.Operation),
			string(payload), v.Checksum, v.ActorID, string(meta), v.CreatedAt,
		).Scan(&assigned)
		if err == nil {
			return assigned, nil
		}
		if !isUniqueViolation(err) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("insert version after %d attempts: %w", insertAttempts, errs.ErrVersionConflict)
}

// GetLatest returns the current maximum version for an entity, 0 if none.
func (r *VersionRepo) GetLatest(ctx context.Context, entityType, entityID string) (int64, error) {
	const q = `SELECT COALESCE(MAX(version),0) FROM versions WHERE entity_type=$1 AND entity_id=$2`
	var v int64
	if err := r.db.Pool.QueryRow(ctx, q, entityType, entityID).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

const selectVersionCols = `id, entity_type, entity_id, version, operation, payload, checksum, actor_id, metadata, created_at`

// Get returns a single version record.
func (r *VersionRepo) Get(ctx context.Context, entityType, entityID string, version int64) (*model.Version, error) {
	q := `SELECT ` + selectVersionCols + ` FROM versions WHERE entity_type=$1 AND entity_id=$2 AND version=$3`
	row := r.db.Pool.QueryRow(ctx, q, entityType, entityID, version)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// GetHistory returns versions in descending order with limit/offset paging.
func (r *VersionRepo) GetHistory(ctx context.Context, entityType, entityID string, limit, offset int) ([]model.Version, error) {
	q := `SELECT ` + selectVersionCols + `
FROM versions WHERE entity_type=$1 AND entity_id=$2
ORDER BY version DESC LIMIT $3 OFFSET $4`
	return r.queryVersions(ctx, q, entityType, entityID, limit, offset)
}

// GetAll returns every version of an entity ascending.
func (r *VersionRepo) GetAll(ctx context.Context, entityType, entityID string) ([]model.Version, error) {
	q := `SELECT ` + selectVersionCols + `
FROM versions WHERE entity_type=$1 AND entity_id=$2
ORDER BY version ASC`
	return r.queryVersions(ctx, q, entityType, entityID)
}

// Prune removes all but the newest keepLast versions for an entity.
func (r *VersionRepo) Prune(ctx context.Context, entityType, entityID string, keepLast int) (int64, error) {
	const q = `
DELETE FROM versions
WHERE entity_type=$1 AND entity_id=$2
  AND version <= (SELECT COALESCE(MAX(version),0) FROM versions WHERE entity_type=$1 AND entity_id=$2) - $3`
	tag, err := r.db.Pool.Exec(ctx, q, entityType, entityID, keepLast)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *VersionRepo) queryVersions(ctx context.Context, q string, args ...any) ([]model.Version, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (*model.Version, error) {
	var (
		v       model.Version
		op      string
		payload []byte
		meta    []byte
	)
	if err := row.Scan(&v.ID, &v.EntityType, &v.EntityID, &v.Version, &op,
		&payload, &v.Checksum, &v.ActorID, &meta, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Operation = model.Operation(op)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &v.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &v, nil
}
