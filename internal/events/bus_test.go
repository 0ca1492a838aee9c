package events

import (
	"reflect"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/logging"
)

// Publish delivers to subscriber buffers before returning, so buffered
// receives here are deterministic.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	default:
		t.Fatal("no event buffered")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(logging.Nop())
	defer bus.Close()
	ch := bus.Subscribe(4)

	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	bus.Publish(Event{
		Type:   OrderFilled,
		Symbol: "SOFI",
		At:     at,
		Fields: map[string]float64{"qty": 11574, "price": 24.02},
	})

	got := recv(t, ch)
	if got.Type != OrderFilled || got.Symbol != "SOFI" || !got.At.Equal(at) {
		t.Errorf("event = %+v", got)
	}
	if !reflect.DeepEqual(got.Fields, map[string]float64{"qty": 11574, "price": 24.02}) {
		t.Errorf("fields = %v", got.Fields)
	}
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	bus := NewBus(logging.Nop())
	defer bus.Close()
	ch := bus.Subscribe(1)

	bus.Publish(Event{Type: CycleStarted})

	got := recv(t, ch)
	if got.At.IsZero() {
		t.Error("timestamp not stamped")
	}
	if got.At.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", got.At.Location())
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(logging.Nop())
	defer bus.Close()
	rejections := bus.Subscribe(4, SignalRejected)
	everything := bus.Subscribe(4)

	bus.Publish(Event{Type: OrderFilled, Symbol: "SOFI"})
	bus.Publish(Event{Type: SignalRejected, Symbol: "NIO", Reason: "confidence below threshold"})

	got := recv(t, rejections)
	if got.Type != SignalRejected || got.Symbol != "NIO" {
		t.Errorf("filtered event = %+v", got)
	}
	assertEmpty(t, rejections)

	if first := recv(t, everything); first.Type != OrderFilled {
		t.Errorf("first unfiltered event = %+v", first)
	}
	if second := recv(t, everything); second.Type != SignalRejected {
		t.Errorf("second unfiltered event = %+v", second)
	}
}

func TestFullBufferDropsForThatSubscriberOnly(t *testing.T) {
	bus := NewBus(logging.Nop())
	defer bus.Close()
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(8)

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: CycleCompleted})
	}

	if got := bus.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	recv(t, slow)
	assertEmpty(t, slow)
	for i := 0; i < 3; i++ {
		recv(t, fast)
	}
	assertEmpty(t, fast)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(logging.Nop())
	ch := bus.Subscribe(4)
	bus.Publish(Event{Type: SessionEnded})
	bus.Close()

	recv(t, ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open after close")
	}

	// Publishing after close is a log-only no-op and drops nothing.
	before := bus.Dropped()
	bus.Publish(Event{Type: CycleStarted})
	if got := bus.Dropped(); got != before {
		t.Errorf("dropped moved from %d to %d after close", before, got)
	}

	// Closing again is harmless, and late subscribers get a closed channel.
	bus.Close()
	late := bus.Subscribe(4)
	if _, ok := <-late; ok {
		t.Error("late subscription delivered an event")
	}
}
