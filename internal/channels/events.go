// Package channels provides typed Go channels for lifecycle events,
// giving observers compile-time type safety instead of a generic event bus.
package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies the outcome of one cycle attempt. Exactly one event
// is published per completed attempt.
type EventKind string

const (
	EventOK      EventKind = "ok"
	EventAlert   EventKind = "alert"
	EventError   EventKind = "error"
	EventSkipped EventKind = "skipped"
)

// CycleEvent is published when a heartbeat cycle attempt completes.
// Listeners are observability only; the runner never depends on delivery.
type CycleEvent struct {
	Kind        EventKind
	CycleID     uuid.UUID
	Message     string // alert text or error detail
	Reason      string // skip reason, only for EventSkipped
	Tools       int    // number of tools gathered from
	ToolsFailed int    // gather attempts that came back failed
	Duration    time.Duration
	Timestamp   time.Time
}

// EventChannels provides typed channels for all runner events.
type EventChannels struct {
	Cycle chan CycleEvent

	logger *slog.Logger
	done   chan struct{}
}

// EventChannelsConfig configures buffer sizes for event channels.
type EventChannelsConfig struct {
	CycleBufferSize int
}

// NewEventChannels creates a new hub with configured buffer sizes.
func NewEventChannels(cfg EventChannelsConfig, logger *slog.Logger) *EventChannels {
	size := cfg.CycleBufferSize
	if size <= 0 {
		size = 50
	}
	return &EventChannels{
		Cycle:  make(chan CycleEvent, size),
		logger: logger.With("component", "events"),
		done:   make(chan struct{}),
	}
}

// PublishCycle emits a cycle event without blocking. When no listener keeps
// up the event is dropped with a warning; publication failures never affect
// cycle outcome.
func (ec *EventChannels) PublishCycle(ev CycleEvent) {
	select {
	case ec.Cycle <- ev:
	default:
		ec.logger.Warn("cycle event dropped: channel full",
			"kind", ev.Kind,
			"cycle_id", ev.CycleID,
		)
	}
}

// Close shuts down all channels.
func (ec *EventChannels) Close() error {
	close(ec.done)
	close(ec.Cycle)
	return nil
}

// Done returns a channel closed when the hub is shutting down.
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}

// StartCycleEventLogger consumes cycle events and logs them until the
// context is cancelled or the hub closes.
func StartCycleEventLogger(ctx context.Context, ec *EventChannels, logger *slog.Logger) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ec.Cycle:
				if !ok {
					return
				}
				switch ev.Kind {
				case EventAlert:
					logger.Warn("heartbeat alert",
						"cycle_id", ev.CycleID,
						"message", ev.Message,
						"tools", ev.Tools,
						"duration", ev.Duration,
					)
				case EventError:
					logger.Error("heartbeat cycle error",
						"cycle_id", ev.CycleID,
						"detail", ev.Message,
					)
				case EventSkipped:
					logger.Info("heartbeat cycle skipped",
						"cycle_id", ev.CycleID,
						"reason", ev.Reason,
					)
				default:
					logger.Info("heartbeat ok",
						"cycle_id", ev.CycleID,
						"tools", ev.Tools,
						"duration", ev.Duration,
					)
				}
			}
		}
	}()
}
