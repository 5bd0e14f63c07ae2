package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/clock"
	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/notify"
	"github.com/dmaksimov/driftsync/internal/repository"
)

// Emitter enqueues an outbound event without blocking the write path.
type Emitter interface {
	Emit(ev notify.Event)
}

// DeviceService tracks per-device sync status.
type DeviceService interface {
	// UpdateDeviceStatus upserts a device report. The owner's other
	// devices are notified best-effort; a notify failure never fails the
	// update.
	UpdateDeviceStatus(ctx context.Context, update model.DeviceStatus) (*model.DeviceStatus, error)
	// GetDevicesNeedingSync returns online, sync-enabled devices with a
	// backlog of at least minPending, stalest first.
	GetDevicesNeedingSync(ctx context.Context, minPending int) ([]model.DeviceStatus, error)
	// RequestDeviceSync signals one device to sync now. Returns false
	// without emitting when the device is offline or sync-disabled.
	RequestDeviceSync(ctx context.Context, ownerID uuid.UUID, deviceID string) (bool, error)
	// CleanupOfflineDevices purges devices offline longer than daysOffline.
	CleanupOfflineDevices(ctx context.Context, daysOffline int) (int64, error)
}

type DeviceServiceImpl struct {
	repo    repository.DeviceRepository
	emitter Emitter
	clk     clock.Clock
	log     *zap.Logger
	limit   int
}

// NewDeviceService constructs DeviceService.
func NewDeviceService(repo repository.DeviceRepository, emitter Emitter, clk clock.Clock, log *zap.Logger) *DeviceServiceImpl {
	return &DeviceServiceImpl{repo: repo, emitter: emitter, clk: clk, log: log, limit: 100}
}

// UpdateDeviceStatus upserts by (owner, device) and always refreshes LastSeen.
func (s *DeviceServiceImpl) UpdateDeviceStatus(ctx context.Context, update model.DeviceStatus) (*model.DeviceStatus, error) {
	if update.OwnerID == uuid.Nil || update.DeviceID == "" {
		return nil, fmt.Errorf("%w: empty owner/device id", errs.ErrInvalidArgument)
	}
	if update.PendingSyncItems < 0 {
		return nil, fmt.Errorf("%w: negative pending item count", errs.ErrInvalidArgument)
	}

	update.LastSeen = s.clk.Now()
	stored, err := s.repo.Upsert(ctx, &update)
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(notify.Event{
		Type:    notify.EventDeviceStatusChanged,
		OwnerID: stored.OwnerID,
		Data: map[string]any{
			"deviceId": stored.DeviceID,
			"isOnline": stored.IsOnline,
			"pending":  stored.PendingSyncItems,
		},
	})
	return stored, nil
}

// GetDevicesNeedingSync orders by oldest successful sync first.
func (s *DeviceServiceImpl) GetDevicesNeedingSync(ctx context.Context, minPending int) ([]model.DeviceStatus, error) {
	if minPending < 0 {
		return nil, fmt.Errorf("%w: negative pending threshold", errs.ErrInvalidArgument)
	}
	return s.repo.ListNeedingSync(ctx, minPending, s.limit)
}

// RequestDeviceSync emits a directed sync request to one eligible device.
func (s *DeviceServiceImpl) RequestDeviceSync(ctx context.Context, ownerID uuid.UUID, deviceID string) (bool, error) {
	if ownerID == uuid.Nil || deviceID == "" {
		return false, fmt.Errorf("%w: empty owner/device id", errs.ErrInvalidArgument)
	}
	d, err := s.repo.Get(ctx, ownerID, deviceID)
	if err != nil {
		return false, err
	}
	if !d.IsOnline || !d.SyncEnabled {
		return false, nil
	}

	s.emitter.Emit(notify.Event{
		Type:     notify.EventSyncRequested,
		OwnerID:  ownerID,
		DeviceID: deviceID,
		Data:     map[string]any{"pending": d.PendingSyncItems},
	})
	s.log.Debug("device sync requested",
		zap.String("owner", ownerID.String()),
		zap.String("device", deviceID),
	)
	return true, nil
}

// CleanupOfflineDevices purges long-offline devices.
func (s *DeviceServiceImpl) CleanupOfflineDevices(ctx context.Context, daysOffline int) (int64, error) {
	if daysOffline < 1 {
		return 0, fmt.Errorf("%w: daysOffline must be >= 1", errs.ErrInvalidArgument)
	}
	cutoff := s.clk.Now().AddDate(0, 0, -daysOffline)
	return s.repo.DeleteOfflineBefore(ctx, cutoff)
}
