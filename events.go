package proq

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates client lifecycle events for the Observer pattern.
type EventType string

const (
	SendStart     EventType = "send_start"
	SendDone      EventType = "send_done"
	ReceiveStart  EventType = "receive_start"
	ReceiveDone   EventType = "receive_done"
	Committed     EventType = "committed"
	RolledBack    EventType = "rolled_back"
	ListenerFault EventType = "listener_fault"
	ErrorEvent    EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Destination string
	MessageID   string
	Count       int
	Duration    time.Duration
	Err         error

	// attached for async dispatch
	observers []Observer
}

// Observer receives client lifecycle events. Implementations should be
// non-blocking; slow observers are isolated behind the ObserverPool.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver emits events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("destination", e.Destination),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case ErrorEvent, RolledBack, ListenerFault:
		ev.Warn().Err(e.Err).Msg("proq event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("proq event")
	}
}

// PoolStats reports observer pool telemetry.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}
