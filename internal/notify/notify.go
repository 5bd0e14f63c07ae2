// Package notify delivers best-effort realtime signals to an owner's
// connected devices. Delivery is decoupled from write paths through an
// outbound event queue so a notification failure can never be confused
// with a persistence failure.
package notify

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Event types pushed to devices.
const (
	EventDeviceStatusChanged = "device_status_changed"
	EventSyncRequested       = "sync_requested"
)

// Event is one outbound signal for an owner's devices.
type Event struct {
	Type     string         `json:"type"`
	OwnerID  uuid.UUID      `json:"owner_id"`
	DeviceID string         `json:"device_id,omitempty"` // directed events only
	Data     map[string]any `json:"data,omitempty"`
}

// Notifier delivers one event. Implementations must not block the caller
// beyond the passed context and must treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Noop discards all events.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Event) error { return nil }

// Dispatcher buffers events and delivers them asynchronously through the
// wrapped Notifier. Enqueueing never fails; a full buffer drops the event
// with a warning.
type Dispatcher struct {
	sink   Notifier
	events chan Event
	done   chan struct{}
	log    *zap.Logger
}

// NewDispatcher constructs a dispatcher with the given buffer size.
func NewDispatcher(sink Notifier, buffer int, log *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sink:   sink,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		log:    log,
	}
}

// Start launches the delivery loop; it exits when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-d.events:
				if err := d.sink.Notify(ctx, ev); err != nil {
					d.log.Warn("notify delivery failed",
						zap.String("type", ev.Type),
						zap.String("owner", ev.OwnerID.String()),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// Wait blocks until the delivery loop has stopped.
func (d *Dispatcher) Wait() { <-d.done }

// Emit enqueues an event, dropping it when the buffer is full.
func (d *Dispatcher) Emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("notify buffer full, dropping event",
			zap.String("type", ev.Type),
			zap.String("owner", ev.OwnerID.String()),
		)
	}
}
