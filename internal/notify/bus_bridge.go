package notify

import (
	"log/slog"

	"github.com/s3bba/pm3/internal/events"
)

// BusBridge subscribes a Notifier to an events.EventBus so the supervision
// engine never has to import package notify directly — it only ever
// publishes to the bus (spec.md §6 expansion). Grounded on the teacher's
// internal/webhook/bus_bridge.go: subscribe-all, translate, best-effort
// dispatch, unsubscribe on Close.
type BusBridge struct {
	notifier    *Notifier
	unsubscribe events.UnsubscribeFunc
}

// StartBusBridge subscribes notifier to every process.* event bus publishes
// and forwards the ones notifier's config enables. Delivery failures are
// logged and never propagate back to the bus (spec.md §7: "webhook/
// notification failures are logged and never block a supervisor
// transition").
func StartBusBridge(bus *events.EventBus, notifier *Notifier, logger *slog.Logger) *BusBridge {
	if bus == nil {
		bus = events.DefaultBus
	}
	if logger == nil {
		logger = slog.Default()
	}

	unsub := bus.SubscribeAll(func(e events.BusEvent) {
		ev, ok := toNotifyEvent(e)
		if !ok {
			return
		}
		notifier.BestEffort(ev, func(err error) {
			logger.Warn("notification delivery failed", "event", ev.Type, "process", ev.Process, "error", err)
		})
	})

	return &BusBridge{notifier: notifier, unsubscribe: unsub}
}

// Close unsubscribes the bridge from its event bus.
func (b *BusBridge) Close() {
	if b == nil || b.unsubscribe == nil {
		return
	}
	b.unsubscribe()
}

var busEventToNotifyType = map[string]EventType{
	events.TypeProcessErrored:    EventProcessErrored,
	events.TypeProcessExited:     EventProcessCrashed,
	events.TypeProcessRestarted: EventProcessRestarted,
	events.TypeProcessUnhealthy:  EventProcessUnhealthy,
	events.TypeRestartExhausted:  EventRestartExhausted,
	events.TypeMemoryCapExceeded: EventMemoryCapHit,
	events.TypeReloadPromoted:    EventReloadPromoted,
}

func toNotifyEvent(e events.BusEvent) (Event, bool) {
	pe, ok := e.(events.ProcessEvent)
	if !ok {
		return Event{}, false
	}
	typ, ok := busEventToNotifyType[pe.EventType()]
	if !ok {
		return Event{}, false
	}
	return Event{
		Type:      typ,
		Timestamp: pe.Timestamp,
		Process:   pe.Session,
		Message:   pe.Message,
		Details:   pe.Details,
	}, true
}
