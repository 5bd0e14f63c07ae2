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

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

const selectDeviceCols = `owner_id, device_id, is_online, last_seen, connection_type, network_quality,
sync_enabled, last_sync_attempt, last_successful_sync, pending_sync_items, platform, app_version`

// Upsert inserts or updates the (owner, device) record and returns the row.
func (r *DeviceRepo) Upsert(ctx context.Context, d *model.DeviceStatus) (*model.DeviceStatus, error) {
	q := `
INSERT INTO devices (owner_id, device_id, is_online, last_seen, connection_type, network_quality,
sync_enabled, last_sync_attempt, last_successful_sync, pending_sync_items, platform, app_version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (owner_id, device_id) DO UPDATE SET
  is_online=EXCLUDED.is_online,
  last_seen=EXCLUDED.last_seen,
  connection_type=EXCLUDED.connection_type,
  network_quality=EXCLUDED.network_quality,
  sync_enabled=EXCLUDED.sync_enabled,
  last_sync_attempt=GREATEST(devices.last_sync_attempt, EXCLUDED.last_sync_attempt),
  last_successful_sync=GREATEST(devices.last_successful_sync, EXCLUDED.last_successful_sync),
  pending_sync_items=EXCLUDED.pending_sync_items,
  platform=EXCLUDED.platform,
  app_version=EXCLUDED.app_version
RETURNING ` + selectDeviceCols
	out, err := scanDevice(r.db.Pool.QueryRow(ctx, q,
		d.OwnerID, d.DeviceID, d.IsOnline, d.LastSeen, d.ConnectionType, d.NetworkQuality,
		d.SyncEnabled, d.LastSyncAttempt, d.LastSuccessfulSync, d.PendingSyncItems,
		d.Platform, d.AppVersion))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one device record.
func (r *DeviceRepo) Get(ctx context.Context, ownerID uuid.UUID, deviceID string) (*model.DeviceStatus, error) {
	q := `SELECT ` + selectDeviceCols + ` FROM devices WHERE owner_id=$1 AND device_id=$2`
	d, err := scanDevice(r.db.Pool.QueryRow(ctx, q, ownerID, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListNeedingSync returns online, sync-enabled devices with a backlog,
// stalest successful sync first.
func (r *DeviceRepo) ListNeedingSync(ctx context.Context, minPending, limit int) ([]model.DeviceStatus, error) {
	q := `SELECT ` + selectDeviceCols + `
FROM devices
WHERE is_online AND sync_enabled AND pending_sync_items >= $1
ORDER BY last_successful_sync ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, minPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceStatus
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeleteOfflineBefore purges devices offline since before the cutoff.
func (r *DeviceRepo) DeleteOfflineBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM devices WHERE NOT is_online AND last_seen < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanDevice(row pgx.Row) (*model.DeviceStatus, error) {
	var d model.DeviceStatus
	if err := row.Scan(&d.OwnerID, &d.DeviceID, &d.IsOnline, &d.LastSeen,
		&d.ConnectionType, &d.NetworkQuality, &d.SyncEnabled, &d.LastSyncAttempt,
		&d.LastSuccessfulSync, &d.PendingSyncItems, &d.Platform, &d.AppVersion); err != nil {
		return nil, err
	}
	return &d, nil
}
