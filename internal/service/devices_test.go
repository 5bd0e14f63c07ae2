package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/notify"
	"github.com/dmaksimov/driftsync/internal/repository"
)

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*model.DeviceStatus // owner/device
}

var _ repository.DeviceRepository = (*fakeDeviceRepo)(nil)

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[string]*model.DeviceStatus)}
}

func deviceKey(owner uuid.UUID, device string) string { return owner.String() + "/" + device }

func (f *fakeDeviceRepo) Upsert(_ context.Context, d *model.DeviceStatus) (*model.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := deviceKey(d.OwnerID, d.DeviceID)
	cp := *d
	if prev, ok := f.devices[k]; ok {
		// sync timestamps only move forward
		if prev.LastSyncAttempt.After(cp.LastSyncAttempt) {
			cp.LastSyncAttempt = prev.LastSyncAttempt
		}
		if prev.LastSuccessfulSync.After(cp.LastSuccessfulSync) {
			cp.LastSuccessfulSync = prev.LastSuccessfulSync
		}
	}
	f.devices[k] = &cp
	out := cp
	return &out, nil
}

func (f *fakeDeviceRepo) Get(_ context.Context, ownerID uuid.UUID, deviceID string) (*model.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceKey(ownerID, deviceID)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeviceRepo) ListNeedingSync(_ context.Context, minPending, limit int) ([]model.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceStatus
	for _, d := range f.devices {
		if d.IsOnline && d.SyncEnabled && d.PendingSyncItems >= minPending {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSuccessfulSync.Before(out[j].LastSuccessfulSync)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDeviceRepo) DeleteOfflineBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, d := range f.devices {
		if !d.IsOnline && d.LastSeen.Before(cutoff) {
			delete(f.devices, k)
			n++
		}
	}
	return n, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingEmitter) Emit(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func newDeviceFixture(t *testing.T) (*DeviceServiceImpl, *fakeDeviceRepo, *recordingEmitter, *testClock) {
	t.Helper()
	repo := newFakeDeviceRepo()
	emitter := &recordingEmitter{}
	clk := newTestClock(time.Unix(1700000000, 0))
	svc := NewDeviceService(repo, emitter, clk, zap.NewNop())
	return svc, repo, emitter, clk
}

func TestDeviceService_UpdateDeviceStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, emitter, clk := newDeviceFixture(t)
	owner := uuid.Must(uuid.NewV4())

	_, err := svc.UpdateDeviceStatus(ctx, model.DeviceStatus{OwnerID: uuid.Nil, DeviceID: "phone"})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = svc.UpdateDeviceStatus(ctx, model.DeviceStatus{OwnerID: owner, DeviceID: "phone", PendingSyncItems: -1})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	stored, err := svc.UpdateDeviceStatus(ctx, model.DeviceStatus{
		OwnerID:          owner,
		DeviceID:         "phone",
		IsOnline:         true,
		SyncEnabled:      true,
		PendingSyncItems: 3,
		ConnectionType:   "wifi",
	})
	require.NoError(t, err)
	require.Equal(t, clk.Now(), stored.LastSeen)

	events := emitter.all()
	require.Len(t, events, 1)
	require.Equal(t, notify.EventDeviceStatusChanged, events[0].Type)
	require.Equal(t, owner, events[0].OwnerID)
}

func TestDeviceService_Upsert_SyncTimestampsNeverRegress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _, clk := newDeviceFixture(t)
	owner := uuid.Must(uuid.NewV4())

	synced := clk.Now()
	_, err := svc.UpdateDeviceStatus(ctx, model.DeviceStatus{
		OwnerID:            owner,
		DeviceID:           "phone",
		IsOnline:           true,
		LastSuccessfulSync: synced,
	})
	require.NoError(t, err)

	// a later report carrying a zero sync time must not erase history
	stored, err := svc.UpdateDeviceStatus(ctx, model.DeviceStatus{
		OwnerID:  owner,
		DeviceID: "phone",
		IsOnline: true,
	})
	require.NoError(t, err)
	require.Equal(t, synced, stored.LastSuccessfulSync)
}

func TestDeviceService_GetDevicesNeedingSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _, clk := newDeviceFixture(t)
	owner := uuid.Must(uuid.NewV4())

	base := clk.Now()
	for _, d := range []model.DeviceStatus{
		{OwnerID: owner, DeviceID: "stale", IsOnline: true, SyncEnabled: true, PendingSyncItems: 9, LastSuccessfulSync: base.Add(-2 * time.Hour)},
		{OwnerID: owner, DeviceID: "fresh", IsOnline: true, SyncEnabled: true, PendingSyncItems: 7, LastSuccessfulSync: base.Add(-time.Minute)},
		{OwnerID: owner, DeviceID: "offline", IsOnline: false, SyncEnabled: true, PendingSyncItems: 20},
		{OwnerID: owner, DeviceID: "disabled", IsOnline: true, SyncEnabled: false, PendingSyncItems: 20},
		{OwnerID: owner, DeviceID: "idle", IsOnline: true, SyncEnabled: true, PendingSyncItems: 1},
	} {
		_, err := svc.UpdateDeviceStatus(ctx, d)
		require.NoError(t, err)
	}

	devices, err := svc.GetDevicesNeedingSync(ctx, 5)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Equal(t, "stale", devices[0].DeviceID)
	require.Equal(t, "fresh", devices[1].DeviceID)
}

func TestDeviceService_RequestDeviceSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, emitter, _ := newDeviceFixture(t)
	owner := uuid.Must(uuid.NewV4())

	_, err := svc.RequestDeviceSync(ctx, owner, "ghost")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = svc.UpdateDeviceStatus(ctx, model.DeviceStatus{OwnerID: owner, DeviceID: "phone", IsOnline: false, SyncEnabled: true})
	require.NoError(t, err)
	ok, err := svc.RequestDeviceSync(ctx, owner, "phone")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.UpdateDeviceStatus(ctx, model.DeviceStatus{OwnerID: owner, DeviceID: "phone", IsOnline: true, SyncEnabled: true, PendingSyncItems: 4})
	require.NoError(t, err)
	before := len(emitter.all())
	ok, err = svc.RequestDeviceSync(ctx, owner, "phone")
	require.NoError(t, err)
	require.True(t, ok)

	events := emitter.all()
	require.Len(t, events, before+1)
	last := events[len(events)-1]
	require.Equal(t, notify.EventSyncRequested, last.Type)
	require.Equal(t, "phone", last.DeviceID)
}

func TestDeviceService_CleanupOfflineDevices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _, clk := newDeviceFixture(t)
	owner := uuid.Must(uuid.NewV4())

	_, err := svc.UpdateDeviceStatus(ctx, model.DeviceStatus{OwnerID: owner, DeviceID: "gone", IsOnline: false})
	require.NoError(t, err)
	_, err = svc.UpdateDeviceStatus(ctx, model.DeviceStatus{OwnerID: owner, DeviceID: "alive", IsOnline: true})
	require.NoError(t, err)

	_, err = svc.CleanupOfflineDevices(ctx, 0)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	clk.Advance(31 * 24 * time.Hour)
	n, err := svc.CleanupOfflineDevices(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = svc.RequestDeviceSync(ctx, owner, "gone")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
