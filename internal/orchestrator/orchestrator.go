// Package orchestrator runs the background sweeps that drain queues,
// auto-resolve conflicts, nudge stale devices and enforce retention, and
// tracks on-demand sync jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/clock"
	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/repository"
	"github.com/dmaksimov/driftsync/internal/service"
)

// Config tunes sweep intervals and retention.
type Config struct {
	QueueSweepInterval    time.Duration
	ConflictSweepInterval time.Duration
	DeviceSweepInterval   time.Duration
	RetentionInterval     time.Duration

	QueueRetentionDays    int
	ConflictRetentionDays int
	DeviceRetentionDays   int
	MinPendingForSync     int
	AutoResolveStrategy   model.StrategyKind
	OwnerSweepLimit       int
}

// DefaultConfig returns the production sweep cadence.
func DefaultConfig() Config {
	return Config{
		QueueSweepInterval:    30 * time.Second,
		ConflictSweepInterval: 5 * time.Minute,
		DeviceSweepInterval:   2 * time.Minute,
		RetentionInterval:     time.Hour,
		QueueRetentionDays:    7,
		ConflictRetentionDays: 30,
		DeviceRetentionDays:   30,
		MinPendingForSync:     5,
		AutoResolveStrategy:   model.StrategyServerWins,
		OwnerSweepLimit:       100,
	}
}

// Orchestrator coordinates the sync core's background work.
type Orchestrator struct {
	queue     service.QueueService
	conflicts service.ConflictService
	devices   service.DeviceService
	jobs      repository.JobRepository
	clk       clock.Clock
	log       *zap.Logger
	cfg       Config

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an Orchestrator.
func New(queue service.QueueService, conflicts service.ConflictService, devices service.DeviceService, jobs repository.JobRepository, clk clock.Clock, log *zap.Logger, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.QueueSweepInterval <= 0 {
		cfg.QueueSweepInterval = def.QueueSweepInterval
	}
	if cfg.ConflictSweepInterval <= 0 {
		cfg.ConflictSweepInterval = def.ConflictSweepInterval
	}
	if cfg.DeviceSweepInterval <= 0 {
		cfg.DeviceSweepInterval = def.DeviceSweepInterval
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.QueueRetentionDays <= 0 {
		cfg.QueueRetentionDays = def.QueueRetentionDays
	}
	if cfg.ConflictRetentionDays <= 0 {
		cfg.ConflictRetentionDays = def.ConflictRetentionDays
	}
	if cfg.DeviceRetentionDays <= 0 {
		cfg.DeviceRetentionDays = def.DeviceRetentionDays
	}
	if cfg.MinPendingForSync <= 0 {
		cfg.MinPendingForSync = def.MinPendingForSync
	}
	if cfg.AutoResolveStrategy == "" {
		cfg.AutoResolveStrategy = def.AutoResolveStrategy
	}
	if cfg.OwnerSweepLimit <= 0 {
		cfg.OwnerSweepLimit = def.OwnerSweepLimit
	}
	return &Orchestrator{
		queue:     queue,
		conflicts: conflicts,
		devices:   devices,
		jobs:      jobs,
		clk:       clk,
		log:       log,
		cfg:       cfg,
	}
}

// Start launches the sweep loop. It is a no-op when already running.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(o.ctx)
	o.log.Info("orchestrator started")
}

// Stop cancels all sweeps and in-flight jobs and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	queueTick := o.clk.NewTicker(o.cfg.QueueSweepInterval)
	conflictTick := o.clk.NewTicker(o.cfg.ConflictSweepInterval)
	deviceTick := o.clk.NewTicker(o.cfg.DeviceSweepInterval)
	retentionTick := o.clk.NewTicker(o.cfg.RetentionInterval)
	defer queueTick.Stop()
	defer conflictTick.Stop()
	defer deviceTick.Stop()
	defer retentionTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTick.C():
			o.sweepQueues(ctx)
		case <-conflictTick.C():
			o.sweepConflicts(ctx)
		case <-deviceTick.C():
			o.sweepDevices(ctx)
		case <-retentionTick.C():
			o.sweepRetention(ctx)
		}
	}
}

// sweepQueues drains every owner with pending work. A lease held elsewhere
// is not an error; that owner is simply skipped this round.
func (o *Orchestrator) sweepQueues(ctx context.Context) {
	owners, err := o.queue.OwnersWithPending(ctx, o.cfg.OwnerSweepLimit)
	if err != nil {
		o.log.Error("queue sweep: list owners", zap.Error(err))
		return
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		res, err := o.queue.ProcessQueue(ctx, owner)
		if err != nil {
			if errors.Is(err, errs.ErrLeaseHeld) {
				continue
			}
			o.log.Error("queue sweep: drain", zap.String("owner", owner.String()), zap.Error(err))
			continue
		}
		if res.Selected > 0 {
			o.log.Info("queue drained",
				zap.String("owner", owner.String()),
				zap.Int("selected", res.Selected),
				zap.Int("completed", res.Completed),
				zap.Int("retried", res.Retried),
				zap.Int("failed", res.Failed),
			)
		}
	}
}

func (o *Orchestrator) sweepConflicts(ctx context.Context) {
	rules := model.AutoResolveRules{DefaultStrategy: o.cfg.AutoResolveStrategy}
	n, err := o.conflicts.AutoResolve(ctx, uuid.Nil, "", rules)
	if err != nil {
		o.log.Error("conflict sweep", zap.Error(err))
		return
	}
	if n > 0 {
		o.log.Info("conflicts auto-resolved", zap.Int("count", n))
	}
}

func (o *Orchestrator) sweepDevices(ctx context.Context) {
	stale, err := o.devices.GetDevicesNeedingSync(ctx, o.cfg.MinPendingForSync)
	if err != nil {
		o.log.Error("device sweep", zap.Error(err))
		return
	}
	for i := range stale {
		if ctx.Err() != nil {
			return
		}
		if _, err := o.devices.RequestDeviceSync(ctx, stale[i].OwnerID, stale[i].DeviceID); err != nil {
			o.log.Warn("device sweep: request sync",
				zap.String("owner", stale[i].OwnerID.String()),
				zap.String("device", stale[i].DeviceID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) sweepRetention(ctx context.Context) {
	if n, err := o.queue.CleanupOldItems(ctx, uuid.Nil, o.cfg.QueueRetentionDays); err != nil {
		o.log.Error("retention: queue", zap.Error(err))
	} else if n > 0 {
		o.log.Info("retention: queue items purged", zap.Int64("count", n))
	}
	if n, err := o.conflicts.PruneResolved(ctx, o.cfg.ConflictRetentionDays); err != nil {
		o.log.Error("retention: conflicts", zap.Error(err))
	} else if n > 0 {
		o.log.Info("retention: resolved conflicts purged", zap.Int64("count", n))
	}
	if n, err := o.devices.CleanupOfflineDevices(ctx, o.cfg.DeviceRetentionDays); err != nil {
		o.log.Error("retention: devices", zap.Error(err))
	} else if n > 0 {
		o.log.Info("retention: offline devices purged", zap.Int64("count", n))
	}
}

// StartSyncJob creates a tracked job and executes it asynchronously. The
// returned job is in pending state; poll GetSyncJob for progress.
func (o *Orchestrator) StartSyncJob(ctx context.Context, ownerID uuid.UUID, typ model.JobType) (*model.SyncJob, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}
	switch typ {
	case model.JobFullSync, model.JobIncrementalSync, model.JobConflictResolution, model.JobQueueProcessing:
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", errs.ErrInvalidArgument, typ)
	}

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: orchestrator not running", errs.ErrInvalidArgument)
	}
	jobCtx := o.ctx
	o.mu.Unlock()

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := o.clk.Now()
	job := &model.SyncJob{
		ID:        id,
		OwnerID:   ownerID,
		Type:      typ,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go o.runJob(jobCtx, job.ID, ownerID, typ)
	return job, nil
}

// GetSyncJob returns current job state.
func (o *Orchestrator) GetSyncJob(ctx context.Context, id uuid.UUID) (*model.SyncJob, error) {
	return o.jobs.Get(ctx, id)
}

// runJob executes one job. A failure records the error and progress so far;
// sub-operations that already completed are left as they are.
func (o *Orchestrator) runJob(ctx context.Context, jobID, ownerID uuid.UUID, typ model.JobType) {
	defer o.wg.Done()

	if err := o.jobs.MarkRunning(ctx, jobID, o.clk.Now()); err != nil {
		o.log.Error("job: mark running", zap.String("job", jobID.String()), zap.Error(err))
		return
	}

	err := o.executeJob(ctx, jobID, ownerID, typ)
	now := o.clk.Now()
	if err != nil {
		if ferr := o.jobs.MarkFailed(ctx, jobID, err.Error(), now); ferr != nil {
			o.log.Error("job: mark failed", zap.String("job", jobID.String()), zap.Error(ferr))
		}
		o.log.Warn("sync job failed",
			zap.String("job", jobID.String()),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return
	}
	if cerr := o.jobs.MarkCompleted(ctx, jobID, now); cerr != nil {
		o.log.Error("job: mark completed", zap.String("job", jobID.String()), zap.Error(cerr))
		return
	}
	o.log.Info("sync job completed",
		zap.String("job", jobID.String()),
		zap.String("type", string(typ)),
		zap.String("owner", ownerID.String()),
	)
}

func (o *Orchestrator) executeJob(ctx context.Context, jobID, ownerID uuid.UUID, typ model.JobType) error {
	rules := model.AutoResolveRules{DefaultStrategy: o.cfg.AutoResolveStrategy}
	switch typ {
	case model.JobQueueProcessing:
		_, err := o.queue.ProcessQueue(ctx, ownerID)
		return err

	case model.JobConflictResolution:
		_, err := o.conflicts.AutoResolve(ctx, ownerID, "", rules)
		return err

	case model.JobIncrementalSync:
		if _, err := o.queue.ProcessQueue(ctx, ownerID); err != nil && !errors.Is(err, errs.ErrLeaseHeld) {
			return err
		}
		o.progress(ctx, jobID, 50)
		_, err := o.conflicts.AutoResolve(ctx, ownerID, "", rules)
		return err

	case model.JobFullSync:
		// drain until the owner's eligible backlog is empty
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := o.queue.ProcessQueue(ctx, ownerID)
			if err != nil {
				if errors.Is(err, errs.ErrLeaseHeld) {
					break
				}
				return err
			}
			if res.Selected == 0 {
				break
			}
		}
		o.progress(ctx, jobID, 60)
		if _, err := o.conflicts.AutoResolve(ctx, ownerID, "", rules); err != nil {
			return err
		}
		o.progress(ctx, jobID, 90)
		_, err := o.queue.Stats(ctx, ownerID)
		return err

	default:
		return fmt.Errorf("%w: unknown job type %q", errs.ErrInvalidArgument, typ)
	}
}

func (o *Orchestrator) progress(ctx context.Context, jobID uuid.UUID, p int) {
	if err := o.jobs.SetProgress(ctx, jobID, p, o.clk.Now()); err != nil {
		o.log.Warn("job: set progress", zap.String("job", jobID.String()), zap.Error(err))
	}
}
