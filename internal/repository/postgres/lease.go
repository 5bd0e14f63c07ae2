package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// LeaseRepo implements DrainLocker with a TTL lease row per owner. A lease
// that is not released within its TTL expires on its own, so a crashed
// drain never needs manual unlocking.
type LeaseRepo struct{ db *DB }

// NewLeaseRepo constructs a drain lease repository.
func NewLeaseRepo(db *DB) *LeaseRepo { return &LeaseRepo{db: db} }

// Acquire takes the owner's lease when it is free or expired. Holders are
// one-per-drain tokens, so a live lease blocks every other caller,
// including other drains in the same process.
func (r *LeaseRepo) Acquire(ctx context.Context, ownerID uuid.UUID, holder string, ttl time.Duration) (bool, error) {
	const q = `
INSERT INTO drain_leases (owner_id, holder, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (owner_id) DO UPDATE
SET holder=EXCLUDED.holder, expires_at=EXCLUDED.expires_at
WHERE drain_leases.expires_at <= $4`
	now := time.Now()
	tag, err := r.db.Pool.Exec(ctx, q, ownerID, holder, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Release frees the lease if this holder still owns it.
func (r *LeaseRepo) Release(ctx context.Context, ownerID uuid.UUID, holder string) error {
	const q = `DELETE FROM drain_leases WHERE owner_id=$1 AND holder=$2`
	_, err := r.db.Pool.Exec(ctx, q, ownerID, holder)
	return err
}
