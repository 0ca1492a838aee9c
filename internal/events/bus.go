// Package events defines the typed event stream every component publishes to.
// The bus is in-process: subscribers receive events on buffered channels and
// a slow subscriber drops events rather than blocking the publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies an event kind.
type Type string

// Event types emitted by the engine.
const (
	CycleStarted       Type = "cycle_started"
	CycleCompleted     Type = "cycle_completed"
	SignalProposed     Type = "signal_proposed"
	SignalRejected     Type = "signal_rejected"
	OrderSubmitted     Type = "order_submitted"
	OrderFilled        Type = "order_filled"
	OrderFailed        Type = "order_failed"
	StopTriggered      Type = "stop_triggered"
	TargetReached      Type = "target_reached"
	PhantomDetected    Type = "phantom_detected"
	RiskLimitViolation Type = "risk_limit_violation"
	DailyLossBreach    Type = "daily_loss_breach"
	SessionStarted     Type = "session_started"
	SessionEnded       Type = "session_ended"
	CalendarDegraded   Type = "calendar_degraded"
)

// Event is one structured occurrence on the bus.
type Event struct {
	Type   Type               `json:"type"`
	Symbol string             `json:"symbol,omitempty"`
	At     time.Time          `json:"at"`
	Reason string             `json:"reason,omitempty"`
	Fields map[string]float64 `json:"fields,omitempty"`
}

type subscription struct {
	ch    chan Event
	types map[Type]struct{} // empty means all types
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers and mirrors each event into the
// structured log.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	logger  zerolog.Logger
	closed  bool
	dropped uint64
}

// NewBus creates a bus that logs published events through the given logger.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber for the given types (all types when none
// are named). The returned channel is closed when the bus closes.
func (b *Bus) Subscribe(buffer int, types ...Type) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish stamps, logs, and fans out an event. It never blocks: a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.log(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// Dropped returns how many events were dropped due to full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Close closes all subscriber channels. Publish becomes a log-only no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// log mirrors an event into the structured log at a level matching its
// severity.
func (b *Bus) log(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case OrderFailed, PhantomDetected, DailyLossBreach, CalendarDegraded:
		ev = b.logger.Warn()
	case SignalRejected, RiskLimitViolation:
		ev = b.logger.Info()
	case CycleStarted, CycleCompleted:
		ev = b.logger.Debug()
	default:
		ev = b.logger.Info()
	}
	ev = ev.Str("event", string(e.Type))
	if e.Symbol != "" {
		ev = ev.Str("symbol", e.Symbol)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	for k, v := range e.Fields {
		ev = ev.Float64(k, v)
	}
	ev.Msg("event")
}
