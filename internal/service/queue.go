package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/clock"
	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/executor"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/repository"
)

// EnqueueInput describes one deferred remote operation to queue.
type EnqueueInput struct {
	Verb         string
	Target       string
	Headers      map[string]string
	Body         []byte
	Priority     int // 0-100
	MaxRetries   int // 0 means default
	ScheduledAt  time.Time
	Dependencies []uuid.UUID
	Tags         []string
}

// DrainResult summarizes one pass over an owner's eligible items.
type DrainResult struct {
	Selected  int
	Completed int
	Retried   int
	Failed    int
}

// QueueConfig tunes drain batching, retry backoff and lease behavior.
type QueueConfig struct {
	BatchSize   int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxRetries  int
	ItemTimeout time.Duration
	LeaseTTL    time.Duration
}

// DefaultQueueConfig returns the tuning used in production.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchSize:   10,
		BaseDelay:   10 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxRetries:  3,
		ItemTimeout: 30 * time.Second,
		LeaseTTL:    time.Minute,
	}
}

// QueueService manages the durable per-owner operation queue.
type QueueService interface {
	// Enqueue persists a new pending item with an assigned request id.
	Enqueue(ctx context.Context, ownerID uuid.UUID, in EnqueueInput) (*model.QueueItem, error)
	// ProcessQueue drains one bounded batch of eligible items for the
	// owner. At most one drain runs per owner at a time; a concurrent call
	// returns errs.ErrLeaseHeld.
	ProcessQueue(ctx context.Context, ownerID uuid.UUID) (DrainResult, error)
	// Stats returns per-status counts for the owner.
	Stats(ctx context.Context, ownerID uuid.UUID) (model.QueueStats, error)
	// CleanupOldItems purges completed/failed items older than daysOld.
	CleanupOldItems(ctx context.Context, ownerID uuid.UUID, daysOld int) (int64, error)
	// RetryFailedItems resets failed items that still have retry budget.
	RetryFailedItems(ctx context.Context, ownerID uuid.UUID) (int64, error)
	// OwnersWithPending returns owners whose queues need draining.
	OwnersWithPending(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type QueueServiceImpl struct {
	repo   repository.QueueRepository
	locker repository.DrainLocker
	exec   executor.Executor
	clk    clock.Clock
	log    *zap.Logger
	cfg    QueueConfig
	holder string
}

// NewQueueService constructs QueueService. holder identifies this process
// instance; each drain extends it with its own token when taking the lease.
func NewQueueService(repo repository.QueueRepository, locker repository.DrainLocker, exec executor.Executor, clk clock.Clock, log *zap.Logger, cfg QueueConfig, holder string) *QueueServiceImpl {
	def := DefaultQueueConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	return &QueueServiceImpl{repo: repo, locker: locker, exec: exec, clk: clk, log: log, cfg: cfg, holder: holder}
}

// Enqueue validates and persists a new pending item.
func (s *QueueServiceImpl) Enqueue(ctx context.Context, ownerID uuid.UUID, in EnqueueInput) (*model.QueueItem, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}
	if in.Verb == "" || in.Target == "" {
		return nil, fmt.Errorf("%w: empty verb/target", errs.ErrInvalidArgument)
	}
	if in.Priority < 0 || in.Priority > 100 {
		return nil, fmt.Errorf("%w: priority out of range [0,100]", errs.ErrInvalidArgument)
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = s.cfg.MaxRetries
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	requestID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	scheduledAt := in.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	item := &model.QueueItem{
		ID:           id,
		OwnerID:      ownerID,
		RequestID:    requestID,
		Verb:         in.Verb,
		Target:       in.Target,
		Headers:      in.Headers,
		Body:         in.Body,
		Priority:     in.Priority,
		MaxRetries:   in.MaxRetries,
		Status:       model.QueuePending,
		ScheduledAt:  scheduledAt,
		Dependencies: in.Dependencies,
		Tags:         in.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, item); err != nil {
		return nil, err
	}
	s.log.Debug("queue item enqueued",
		zap.String("owner", ownerID.String()),
		zap.String("requestId", requestID.String()),
		zap.Int("priority", in.Priority),
	)
	return item, nil
}

// ProcessQueue drains one bounded batch under the owner's lease. Item
// execution observes cancellation between items; an item that started
// always reaches completed, pending or failed, even when the drain's
// context is cancelled while it is in flight.
func (s *QueueServiceImpl) ProcessQueue(ctx context.Context, ownerID uuid.UUID) (DrainResult, error) {
	if ownerID == uuid.Nil {
		return DrainResult{}, fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}

	token, err := uuid.NewV4()
	if err != nil {
		return DrainResult{}, err
	}
	// every drain holds the lease under its own token; two drains in the
	// same process cannot share a lease
	holder := s.holder + "/" + token.String()

	ok, err := s.locker.Acquire(ctx, ownerID, holder, s.cfg.LeaseTTL)
	if err != nil {
		return DrainResult{}, fmt.Errorf("acquire drain lease: %w", err)
	}
	if !ok {
		return DrainResult{}, errs.ErrLeaseHeld
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), ownerID, holder); err != nil {
			s.log.Warn("release drain lease", zap.String("owner", ownerID.String()), zap.Error(err))
		}
	}()

	now := s.clk.Now()
	// a drain that died mid-item left it in processing; once its lease TTL
	// has passed the item is safe to hand out again
	if n, err := s.repo.RequeueStale(ctx, ownerID, now.Add(-s.cfg.LeaseTTL), now); err != nil {
		return DrainResult{}, err
	} else if n > 0 {
		s.log.Warn("requeued stale processing items",
			zap.String("owner", ownerID.String()), zap.Int64("count", n))
	}
	// dependents of terminally failed items can never become eligible
	if n, err := s.repo.FailUnmetDependents(ctx, ownerID, now); err != nil {
		return DrainResult{}, err
	} else if n > 0 {
		s.log.Warn("failed items with unmet dependencies",
			zap.String("owner", ownerID.String()), zap.Int64("count", n),
			zap.Error(errs.ErrDependencyUnmet))
	}

	items, err := s.repo.SelectEligible(ctx, ownerID, now, s.cfg.BatchSize)
	if err != nil {
		return DrainResult{}, err
	}

	var res DrainResult
	res.Selected = len(items)
	for i := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := s.processOne(ctx, &items[i], &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// processOne runs a single item through processing -> completed/pending/failed.
func (s *QueueServiceImpl) processOne(ctx context.Context, item *model.QueueItem, res *DrainResult) error {
	now := s.clk.Now()
	if err := s.repo.MarkProcessing(ctx, item.ID, now); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// someone else transitioned it; skip
			return nil
		}
		return err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	execErr := s.exec.Execute(execCtx, item)
	cancel()

	// the outcome must be recorded even when the drain was cancelled
	// mid-item, or the item would sit in processing until the stale sweep
	opCtx := context.WithoutCancel(ctx)
	now = s.clk.Now()
	if execErr == nil {
		if err := s.repo.MarkCompleted(opCtx, item.ID, now); err != nil {
			return err
		}
		res.Completed++
		return nil
	}

	item.RetryCount++
	if item.RetryCount < item.MaxRetries {
		delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, item.RetryCount)
		if err := s.repo.Reschedule(opCtx, item.ID, item.RetryCount, now.Add(delay), execErr.Error(), now); err != nil {
			return err
		}
		res.Retried++
		s.log.Info("queue item rescheduled",
			zap.String("requestId", item.RequestID.String()),
			zap.Int("retryCount", item.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(execErr),
		)
		return nil
	}

	if err := s.repo.MarkFailed(opCtx, item.ID, item.RetryCount, execErr.Error(), now); err != nil {
		return err
	}
	res.Failed++
	s.log.Warn("queue item failed permanently",
		zap.String("requestId", item.RequestID.String()),
		zap.Int("retryCount", item.RetryCount),
		zap.Error(fmt.Errorf("%w: %v", errs.ErrRetriesExhausted, execErr)),
	)
	return nil
}

// Backoff computes the capped exponential retry delay
// min(base * 2^retryCount, max).
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 62 {
		return max
	}
	d := base << uint(retryCount)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Stats returns per-status counts.
func (s *QueueServiceImpl) Stats(ctx context.Context, ownerID uuid.UUID) (model.QueueStats, error) {
	if ownerID == uuid.Nil {
		return model.QueueStats{}, fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}
	return s.repo.Stats(ctx, ownerID)
}

// CleanupOldItems purges finished items older than daysOld. ownerID
// uuid.Nil purges across all owners (retention sweep).
func (s *QueueServiceImpl) CleanupOldItems(ctx context.Context, ownerID uuid.UUID, daysOld int) (int64, error) {
	if daysOld < 1 {
		return 0, fmt.Errorf("%w: daysOld must be >= 1", errs.ErrInvalidArgument)
	}
	cutoff := s.clk.Now().AddDate(0, 0, -daysOld)
	return s.repo.DeleteFinishedBefore(ctx, ownerID, cutoff)
}

// RetryFailedItems resets failed-with-budget items back to pending.
func (s *QueueServiceImpl) RetryFailedItems(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	if ownerID == uuid.Nil {
		return 0, fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}
	return s.repo.ResetFailed(ctx, ownerID, s.clk.Now())
}

// OwnersWithPending lists owners that currently need a drain.
func (s *QueueServiceImpl) OwnersWithPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.OwnersWithPending(ctx, limit)
}
