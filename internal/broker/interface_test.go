package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestOrderStatusTerminalAndFilled(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		terminal bool
		filled   bool
	}{
		{OrderStatusNew, false, false},
		{OrderStatusAccepted, false, false},
		{OrderStatusPendingNew, false, false},
		{OrderStatusPartiallyFilled, false, false},
		{OrderStatusFilled, true, true},
		{OrderStatusCanceled, true, false},
		{OrderStatusExpired, true, false},
		{OrderStatusRejected, true, false},
		{OrderStatusDoneForDay, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.IsFilled(); got != tt.filled {
			t.Errorf("%s: IsFilled() = %v, want %v", tt.status, got, tt.filled)
		}
	}
}

func TestPositionItemIsShort(t *testing.T) {
	if (PositionItem{Qty: 100}).IsShort() {
		t.Error("long position reported as short")
	}
	if !(PositionItem{Qty: -100}).IsShort() {
		t.Error("short position not reported as short")
	}
	if (PositionItem{Qty: 0}).IsShort() {
		t.Error("flat position reported as short")
	}
}

func TestQuoteMid(t *testing.T) {
	tests := []struct {
		name string
		q    Quote
		want float64
	}{
		{"both sides", Quote{BidPrice: 24.90, AskPrice: 24.96}, 24.93},
		{"ask only", Quote{AskPrice: 25.10}, 25.10},
		{"bid only", Quote{BidPrice: 24.80}, 24.80},
		{"empty book", Quote{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Mid(); got != tt.want {
				t.Errorf("Mid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		duplicate bool
		permanent bool
	}{
		{
			name:      "404",
			err:       &APIError{Status: 404, Body: "position does not exist"},
			notFound:  true,
			permanent: true,
		},
		{
			name:      "duplicate client order id",
			err:       &APIError{Status: 422, Body: `{"message": "client_order_id must be unique"}`},
			duplicate: true,
			permanent: true,
		},
		{
			name:      "422 without duplicate marker",
			err:       &APIError{Status: 422, Body: "insufficient buying power"},
			permanent: true,
		},
		{
			name: "429 is retryable",
			err:  &APIError{Status: 429, Body: "rate limit"},
		},
		{
			name: "502 is retryable",
			err:  &APIError{Status: 502, Body: "bad gateway"},
		},
		{
			name:      "wrapped errors unwrap",
			err:       fmt.Errorf("submitting order: %w", &APIError{Status: 403, Body: "forbidden"}),
			permanent: true,
		},
		{
			name: "plain error",
			err:  errors.New("connection refused"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := IsDuplicateClientOrderID(tt.err); got != tt.duplicate {
				t.Errorf("IsDuplicateClientOrderID = %v, want %v", got, tt.duplicate)
			}
			if got := IsPermanentAPIError(tt.err); got != tt.permanent {
				t.Errorf("IsPermanentAPIError = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Status: 422, Body: "qty must be > 0"}
	want := "API error 422: qty must be > 0"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

// stubBroker returns the scripted error, or canned values on success.
type stubBroker struct {
	err   error
	calls int
}

func (s *stubBroker) bump() error {
	s.calls++
	return s.err
}

func (s *stubBroker) GetAccount(context.Context) (*Account, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return &Account{ID: "stub", Equity: 100_000}, nil
}

func (s *stubBroker) GetPositions(context.Context) ([]PositionItem, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return []PositionItem{}, nil
}

func (s *stubBroker) GetBars(context.Context, string, Timeframe, int) ([]Bar, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return []Bar{}, nil
}

func (s *stubBroker) GetSnapshot(context.Context, string) (*Snapshot, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return &Snapshot{}, nil
}

func (s *stubBroker) SubmitOrder(context.Context, OrderRequest) (*Order, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return &Order{ID: "stub-order"}, nil
}

func (s *stubBroker) GetOrder(context.Context, string) (*Order, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return &Order{ID: "stub-order"}, nil
}

func (s *stubBroker) GetOrderByClientID(context.Context, string) (*Order, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return &Order{ID: "stub-order"}, nil
}

func (s *stubBroker) GetOpenOrders(context.Context) ([]Order, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return []Order{}, nil
}

func (s *stubBroker) CancelOrder(context.Context, string) error {
	return s.bump()
}

func (s *stubBroker) GetClock(context.Context) (*MarketClock, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return &MarketClock{IsOpen: true}, nil
}

func (s *stubBroker) GetCalendar(context.Context, time.Time, time.Time) ([]CalendarDay, error) {
	if err := s.bump(); err != nil {
		return nil, err
	}
	return []CalendarDay{}, nil
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub)

	acct, err := cb.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.ID != "stub" || acct.Equity != 100_000 {
		t.Errorf("unexpected account passthrough: %+v", acct)
	}
	if err := cb.CancelOrder(context.Background(), "x"); err != nil {
		t.Errorf("CancelOrder: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("stub calls = %d, want 2", stub.calls)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubBroker{err: errors.New("connection refused")}
	cb := NewCircuitBreakerBroker(stub)

	// Default settings trip after 5 requests at a 60% failure rate.
	for i := 0; i < 5; i++ {
		if _, err := cb.GetAccount(context.Background()); !errors.Is(err, stub.err) {
			t.Fatalf("call %d: err = %v, want stub error", i+1, err)
		}
	}

	_, err := cb.GetAccount(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("after trip: err = %v, want ErrOpenState", err)
	}
	if stub.calls != 5 {
		t.Errorf("open breaker still reached the broker: %d calls", stub.calls)
	}
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	stub := &stubBroker{err: errors.New("gateway timeout")}
	cb := NewCircuitBreakerBrokerWithSettings(stub, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      25 * time.Millisecond,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 2; i++ {
		if _, err := cb.GetClock(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
	}
	if _, err := cb.GetClock(context.Background()); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("breaker should be open, got %v", err)
	}

	// Heal the backend and wait out the open window; the half-open probe
	// should pass and close the breaker.
	stub.err = nil
	time.Sleep(40 * time.Millisecond)

	clk, err := cb.GetClock(context.Background())
	if err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if !clk.IsOpen {
		t.Error("unexpected clock payload after recovery")
	}
	if _, err := cb.GetClock(context.Background()); err != nil {
		t.Errorf("closed breaker: %v", err)
	}
}
