package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/clock"
	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/repository"
	"github.com/dmaksimov/driftsync/internal/service"
)

// manualClock hands out one controllable ticker per NewTicker call, in order,
// so a test can fire exactly the sweep it wants.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func newManualClock() *manualClock { return &manualClock{now: time.Unix(1700000000, 0)} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTicker(time.Duration) clock.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// tick fires the i-th ticker created so far (creation order matches the
// orchestrator: queue, conflict, device, retention).
func (c *manualClock) tick(i int) {
	c.mu.Lock()
	t := c.tickers[i]
	now := c.now
	c.mu.Unlock()
	t.ch <- now
}

func (c *manualClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type manualTicker struct{ ch chan time.Time }

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

const (
	queueTicker = iota
	conflictTicker
	deviceTicker
	retentionTicker
)

type fakeQueue struct {
	mu       sync.Mutex
	owners   []uuid.UUID
	drains   map[uuid.UUID]int
	results  map[uuid.UUID][]service.DrainResult // scripted per-call results
	err      error
	cleanups int
}

var _ service.QueueService = (*fakeQueue)(nil)

func newFakeQueue() *fakeQueue {
	return &fakeQueue{drains: make(map[uuid.UUID]int), results: make(map[uuid.UUID][]service.DrainResult)}
}

func (f *fakeQueue) Enqueue(context.Context, uuid.UUID, service.EnqueueInput) (*model.QueueItem, error) {
	return nil, errors.New("not used")
}

func (f *fakeQueue) ProcessQueue(_ context.Context, ownerID uuid.UUID) (service.DrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return service.DrainResult{}, f.err
	}
	n := f.drains[ownerID]
	f.drains[ownerID] = n + 1
	script := f.results[ownerID]
	if n < len(script) {
		return script[n], nil
	}
	return service.DrainResult{}, nil
}

func (f *fakeQueue) Stats(context.Context, uuid.UUID) (model.QueueStats, error) {
	return model.QueueStats{}, nil
}

func (f *fakeQueue) CleanupOldItems(_ context.Context, ownerID uuid.UUID, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ownerID != uuid.Nil {
		return 0, errors.New("retention sweep must span all owners")
	}
	f.cleanups++
	return 2, nil
}

func (f *fakeQueue) RetryFailedItems(context.Context, uuid.UUID) (int64, error) { return 0, nil }

func (f *fakeQueue) OwnersWithPending(context.Context, int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.owners...), nil
}

func (f *fakeQueue) drainCount(owner uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains[owner]
}

type fakeConflicts struct {
	mu     sync.Mutex
	sweeps int
	prunes int
}

var _ service.ConflictService = (*fakeConflicts)(nil)

func (f *fakeConflicts) Detect(context.Context, service.DetectInput) (*model.Conflict, error) {
	return nil, nil
}

func (f *fakeConflicts) Resolve(context.Context, uuid.UUID, model.Strategy, uuid.UUID) (*model.Conflict, error) {
	return nil, errors.New("not used")
}

func (f *fakeConflicts) AutoResolve(_ context.Context, _ uuid.UUID, _ string, rules model.AutoResolveRules) (int, error) {
	if rules.DefaultStrategy == model.StrategyManual || rules.DefaultStrategy == "" {
		return 0, errs.ErrInvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 1, nil
}

func (f *fakeConflicts) GetUnresolved(context.Context, uuid.UUID, string, int) ([]model.Conflict, error) {
	return nil, nil
}

func (f *fakeConflicts) PruneResolved(context.Context, int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return 1, nil
}

func (f *fakeConflicts) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

type fakeDevices struct {
	mu       sync.Mutex
	stale    []model.DeviceStatus
	requests []string
	cleanups int
}

var _ service.DeviceService = (*fakeDevices)(nil)

func (f *fakeDevices) UpdateDeviceStatus(context.Context, model.DeviceStatus) (*model.DeviceStatus, error) {
	return nil, errors.New("not used")
}

func (f *fakeDevices) GetDevicesNeedingSync(context.Context, int) ([]model.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DeviceStatus(nil), f.stale...), nil
}

func (f *fakeDevices) RequestDeviceSync(_ context.Context, _ uuid.UUID, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, deviceID)
	return true, nil
}

func (f *fakeDevices) CleanupOfflineDevices(context.Context, int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return 1, nil
}

func (f *fakeDevices) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.SyncJob
}

var _ repository.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo { return &memJobRepo{jobs: make(map[uuid.UUID]*model.SyncJob)} }

func (m *memJobRepo) Insert(_ context.Context, j *model.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobRepo) Get(_ context.Context, id uuid.UUID) (*model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobRepo) MarkRunning(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobPending {
		return errs.ErrNotFound
	}
	j.Status = model.JobRunning
	j.StartedAt = now
	j.UpdatedAt = now
	return nil
}

func (m *memJobRepo) SetProgress(_ context.Context, id uuid.UUID, progress int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = now
	return nil
}

func (m *memJobRepo) MarkCompleted(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	j.Status = model.JobCompleted
	j.Progress = 100
	j.FinishedAt = now
	j.UpdatedAt = now
	return nil
}

func (m *memJobRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errs.ErrNotFound
	}
	j.Status = model.JobFailed
	j.Error = errMsg
	j.FinishedAt = now
	j.UpdatedAt = now
	return nil
}

type fixture struct {
	orch      *Orchestrator
	queue     *fakeQueue
	conflicts *fakeConflicts
	devices   *fakeDevices
	jobs      *memJobRepo
	clk       *manualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:     newFakeQueue(),
		conflicts: &fakeConflicts{},
		devices:   &fakeDevices{},
		jobs:      newMemJobRepo(),
		clk:       newManualClock(),
	}
	f.orch = New(f.queue, f.conflicts, f.devices, f.jobs, f.clk, zap.NewNop(), Config{})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.orch.Start(context.Background())
	t.Cleanup(f.orch.Stop)
	// wait for the run loop to create its four tickers
	require.Eventually(t, func() bool { return f.clk.tickerCount() == 4 }, time.Second, time.Millisecond)
}

func TestOrchestrator_QueueSweepDrainsPendingOwners(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := uuid.Must(uuid.NewV4())
	b := uuid.Must(uuid.NewV4())
	f.queue.owners = []uuid.UUID{a, b}
	f.start(t)

	f.clk.tick(queueTicker)
	require.Eventually(t, func() bool {
		return f.queue.drainCount(a) == 1 && f.queue.drainCount(b) == 1
	}, time.Second, time.Millisecond)
}

func TestOrchestrator_QueueSweepSkipsHeldLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.owners = []uuid.UUID{uuid.Must(uuid.NewV4())}
	f.queue.err = errs.ErrLeaseHeld
	f.start(t)

	f.clk.tick(queueTicker)
	// the sweep must survive the held lease and keep responding to ticks
	f.clk.tick(conflictTicker)
	require.Eventually(t, func() bool { return f.conflicts.sweepCount() == 1 }, time.Second, time.Millisecond)
}

func TestOrchestrator_DeviceSweepRequestsStaleDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	owner := uuid.Must(uuid.NewV4())
	f.devices.stale = []model.DeviceStatus{
		{OwnerID: owner, DeviceID: "tablet"},
		{OwnerID: owner, DeviceID: "laptop"},
	}
	f.start(t)

	f.clk.tick(deviceTicker)
	require.Eventually(t, func() bool {
		return len(f.devices.requested()) == 2
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"tablet", "laptop"}, f.devices.requested())
}

func TestOrchestrator_RetentionSweepSpansAllStores(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	f.clk.tick(retentionTicker)
	require.Eventually(t, func() bool {
		f.queue.mu.Lock()
		q := f.queue.cleanups
		f.queue.mu.Unlock()
		f.conflicts.mu.Lock()
		c := f.conflicts.prunes
		f.conflicts.mu.Unlock()
		f.devices.mu.Lock()
		d := f.devices.cleanups
		f.devices.mu.Unlock()
		return q == 1 && c == 1 && d == 1
	}, time.Second, time.Millisecond)
}

func TestOrchestrator_StartSyncJob_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())

	// jobs require a running orchestrator
	_, err := f.orch.StartSyncJob(ctx, owner, model.JobFullSync)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	f.start(t)
	_, err = f.orch.StartSyncJob(ctx, uuid.Nil, model.JobFullSync)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = f.orch.StartSyncJob(ctx, owner, model.JobType("defrag"))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestOrchestrator_FullSyncJob_DrainsToEmptyAndCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	// two busy batches, then an empty one
	f.queue.results[owner] = []service.DrainResult{
		{Selected: 10, Completed: 10},
		{Selected: 4, Completed: 3, Retried: 1},
	}
	f.start(t)

	job, err := f.orch.StartSyncJob(ctx, owner, model.JobFullSync)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, job.Status)

	require.Eventually(t, func() bool {
		got, err := f.orch.GetSyncJob(ctx, job.ID)
		return err == nil && got.Status == model.JobCompleted
	}, time.Second, time.Millisecond)

	got, err := f.orch.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, 3, f.queue.drainCount(owner)) // drained until empty
	require.Equal(t, 1, f.conflicts.sweepCount())
}

func TestOrchestrator_JobFailureKeepsProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	f.queue.err = errors.New("database gone")
	f.start(t)

	job, err := f.orch.StartSyncJob(ctx, owner, model.JobQueueProcessing)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.orch.GetSyncJob(ctx, job.ID)
		return err == nil && got.Status == model.JobFailed
	}, time.Second, time.Millisecond)

	got, err := f.orch.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	require.Contains(t, got.Error, "database gone")
}

func TestOrchestrator_StartStopIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.orch.Start(ctx)
	f.orch.Start(ctx) // second start is a no-op
	require.Eventually(t, func() bool { return f.clk.tickerCount() == 4 }, time.Second, time.Millisecond)

	f.orch.Stop()
	f.orch.Stop()

	_, err := f.orch.StartSyncJob(ctx, uuid.Must(uuid.NewV4()), model.JobFullSync)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}
