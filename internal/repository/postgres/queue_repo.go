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

// QueueRepo implements QueueRepository using PostgreSQL.
type QueueRepo struct{ db *DB }

// NewQueueRepo constructs a queue repository.
func NewQueueRepo(db *DB) *QueueRepo { return &QueueRepo{db: db} }

const selectQueueCols = `id, owner_id, request_id, verb, target, headers, body, priority,
retry_count, max_retries, status, last_error, scheduled_at, dependencies, tags, created_at, updated_at`

// Insert persists a new pending item.
func (r *QueueRepo) Insert(ctx context.Context, item *model.QueueItem) error {
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	deps, err := json.Marshal(item.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	const q = `
INSERT INTO sync_queue (id, owner_id, request_id, verb, target, headers, body, priority,
retry_count, max_retries, status, last_error, scheduled_at, dependencies, tags, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15::jsonb,$16,$17)`
	_, err = r.db.Pool.Exec(ctx, q,
		item.ID, item.OwnerID, item.RequestID, item.Verb, item.Target, string(headers), item.Body,
		item.Priority, item.RetryCount, item.MaxRetries, string(item.Status), item.LastError,
		item.ScheduledAt, string(deps), string(tags), item.CreatedAt, item.UpdatedAt)
	return err
}

// Get returns a single item by id.
func (r *QueueRepo) Get(ctx context.Context, id uuid.UUID) (*model.QueueItem, error) {
	q := `SELECT ` + selectQueueCols + ` FROM sync_queue WHERE id=$1`
	item, err := scanQueueItem(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// SelectEligible returns up to limit eligible pending items for the owner.
// An item is eligible when its scheduled time has passed and every request
// id in its dependency list belongs to a completed item. Ordering is
// priority desc, scheduled_at asc, then insertion order.
func (r *QueueRepo) SelectEligible(ctx context.Context, ownerID uuid.UUID, now time.Time, limit int) ([]model.QueueItem, error) {
	q := `
SELECT ` + selectQueueCols + `
FROM sync_queue q
WHERE q.owner_id=$1 AND q.status='pending' AND q.scheduled_at<=$2
  AND NOT EXISTS (
    SELECT 1 FROM jsonb_array_elements_text(q.dependencies) AS dep(request_id)
    WHERE NOT EXISTS (
      SELECT 1 FROM sync_queue d
      WHERE d.request_id = dep.request_id::uuid AND d.status='completed'))
ORDER BY q.priority DESC, q.scheduled_at ASC, q.seq ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, ownerID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// MarkProcessing transitions pending -> processing.
func (r *QueueRepo) MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) error {
	const q = `UPDATE sync_queue SET status='processing', updated_at=$2 WHERE id=$1 AND status='pending'`
	return r.execExpectingRow(ctx, q, id, now)
}

// MarkCompleted transitions processing -> completed.
func (r *QueueRepo) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error {
	const q = `UPDATE sync_queue SET status='completed', last_error='', updated_at=$2 WHERE id=$1 AND status='processing'`
	return r.execExpectingRow(ctx, q, id, now)
}

// Reschedule returns a processing item to pending for a later retry.
func (r *QueueRepo) Reschedule(ctx context.Context, id uuid.UUID, retryCount int, scheduledAt time.Time, lastError string, now time.Time) error {
	const q = `
UPDATE sync_queue SET status='pending', retry_count=$2, scheduled_at=$3, last_error=$4, updated_at=$5
WHERE id=$1 AND status='processing'`
	return r.execExpectingRow(ctx, q, id, retryCount, scheduledAt, lastError, now)
}

// MarkFailed transitions processing -> failed (terminal).
func (r *QueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string, now time.Time) error {
	const q = `
UPDATE sync_queue SET status='failed', retry_count=$2, last_error=$3, updated_at=$4
WHERE id=$1 AND status='processing'`
	return r.execExpectingRow(ctx, q, id, retryCount, lastError, now)
}

// Stats returns per-status counts and the oldest pending item's age anchor.
func (r *QueueRepo) Stats(ctx context.Context, ownerID uuid.UUID) (model.QueueStats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status='pending'),
  COUNT(*) FILTER (WHERE status='processing'),
  COUNT(*) FILTER (WHERE status='completed'),
  COUNT(*) FILTER (WHERE status='failed'),
  MIN(created_at) FILTER (WHERE status='pending')
FROM sync_queue WHERE owner_id=$1`
	var (
		st     model.QueueStats
		oldest *time.Time
	)
	if err := r.db.Pool.QueryRow(ctx, q, ownerID).Scan(
		&st.Pending, &st.Processing, &st.Completed, &st.Failed, &oldest); err != nil {
		return model.QueueStats{}, err
	}
	if oldest != nil {
		st.OldestPending = *oldest
	}
	return st, nil
}

// OwnersWithPending returns distinct owners that have pending items.
func (r *QueueRepo) OwnersWithPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	const q = `SELECT DISTINCT owner_id FROM sync_queue WHERE status='pending' LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteFinishedBefore purges completed/failed items past retention.
// ownerID uuid.Nil matches all owners.
func (r *QueueRepo) DeleteFinishedBefore(ctx context.Context, ownerID uuid.UUID, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM sync_queue
WHERE ($1::uuid = '00000000-0000-0000-0000-000000000000'::uuid OR owner_id=$1)
  AND status IN ('completed','failed') AND updated_at < $2`
	tag, err := r.db.Pool.Exec(ctx, q, ownerID, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetFailed returns failed items that still have retry budget to pending.
func (r *QueueRepo) ResetFailed(ctx context.Context, ownerID uuid.UUID, now time.Time) (int64, error) {
	const q = `
UPDATE sync_queue SET status='pending', scheduled_at=$2, updated_at=$2
WHERE owner_id=$1 AND status='failed' AND retry_count < max_retries`
	tag, err := r.db.Pool.Exec(ctx, q, ownerID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueStale returns processing items not touched since cutoff to pending.
// An item is claimed under a drain lease, so once the lease TTL has passed a
// still-processing item belongs to a drain that died mid-item.
func (r *QueueRepo) RequeueStale(ctx context.Context, ownerID uuid.UUID, cutoff, now time.Time) (int64, error) {
	const q = `
UPDATE sync_queue SET status='pending', updated_at=$3
WHERE owner_id=$1 AND status='processing' AND updated_at < $2`
	tag, err := r.db.Pool.Exec(ctx, q, ownerID, cutoff, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailUnmetDependents terminally fails pending items that depend on a
// request id whose item failed with no retry budget left. Such dependents
// can never become eligible and would otherwise sit pending forever.
func (r *QueueRepo) FailUnmetDependents(ctx context.Context, ownerID uuid.UUID, now time.Time) (int64, error) {
	const q = `
UPDATE sync_queue q SET status='failed', last_error=$3, updated_at=$2
WHERE q.owner_id=$1 AND q.status='pending'
  AND EXISTS (
    SELECT 1 FROM jsonb_array_elements_text(q.dependencies) AS dep(request_id)
    WHERE EXISTS (
      SELECT 1 FROM sync_queue d
      WHERE d.request_id = dep.request_id::uuid AND d.status='failed'
        AND d.retry_count >= d.max_retries))`
	tag, err := r.db.Pool.Exec(ctx, q, ownerID, now, errs.ErrDependencyUnmet.Error())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *QueueRepo) execExpectingRow(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanQueueItem(row pgx.Row) (*model.QueueItem, error) {
	var (
		item    model.QueueItem
		status  string
		headers []byte
		deps    []byte
		tags    []byte
	)
	if err := row.Scan(&item.ID, &item.OwnerID, &item.RequestID, &item.Verb, &item.Target,
		&headers, &item.Body, &item.Priority, &item.RetryCount, &item.MaxRetries,
		&status, &item.LastError, &item.ScheduledAt, &deps, &tags,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Status = model.QueueStatus(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &item.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &item.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &item, nil
}
