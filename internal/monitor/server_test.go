package monitor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/logging"
	// Registers the engine collectors on the default registry, as the engine
	// does in the real binary.
	_ "github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func openPos(t *testing.T, id, symbol string, side models.Side, qty int, entry float64) *models.Position {
	t.Helper()
	p, err := models.NewPosition(id, symbol, side, qty, entry,
		time.Date(2026, 8, 25, 14, 31, 0, 0, time.UTC), policy.Default())
	if err != nil {
		t.Fatalf("new position: %v", err)
	}
	return p
}

func TestHealthReportsEngineStatus(t *testing.T) {
	started := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	status := func() Status {
		return Status{State: "trading", SessionDate: "2026-08-25", KillSwitch: true, StartedAt: started}
	}
	s := NewServer("127.0.0.1:0", storage.NewMockStorage(), status, logging.Nop())

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var resp struct {
		Status string `json:"status"`
		Engine Status `json:"engine"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q", resp.Status)
	}
	if resp.Engine.State != "trading" || resp.Engine.SessionDate != "2026-08-25" || !resp.Engine.KillSwitch {
		t.Errorf("engine status = %+v", resp.Engine)
	}
	if !resp.Engine.StartedAt.Equal(started) {
		t.Errorf("started at = %v", resp.Engine.StartedAt)
	}
}

func TestHealthWithoutStatusFunc(t *testing.T) {
	s := NewServer("127.0.0.1:0", storage.NewMockStorage(), nil, logging.Nop())

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["engine"]; ok {
		t.Errorf("engine key present without a status func: %v", resp)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	if err := store.SetPosition(openPos(t, "pos-sofi", "SOFI", models.SideShort, 100, 16.45)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPosition(openPos(t, "pos-intc", "INTC", models.SideLong, 10, 24.93)); err != nil {
		t.Fatal(err)
	}
	s := NewServer("127.0.0.1:0", store, nil, logging.Nop())

	rec := get(t, s, "/api/positions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var positions []models.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	if positions[0].Symbol != "INTC" || positions[1].Symbol != "SOFI" {
		t.Errorf("order = %s, %s, want INTC then SOFI", positions[0].Symbol, positions[1].Symbol)
	}
	if positions[1].Side != models.SideShort || positions[1].Quantity != 100 {
		t.Errorf("short leg = %+v", positions[1])
	}
}

func TestStatsEndpoint(t *testing.T) {
	store := storage.NewMockStorage()
	exit := time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC)
	store.AddTrade(models.CompletedTrade{Symbol: "SOFI", RealizedPnL: 5, ExitTime: exit})
	store.AddTrade(models.CompletedTrade{Symbol: "INTC", RealizedPnL: -3, ExitTime: exit})
	if err := store.SetPosition(openPos(t, "pos-intc", "INTC", models.SideLong, 10, 24.93)); err != nil {
		t.Fatal(err)
	}
	s := NewServer("127.0.0.1:0", store, nil, logging.Nop())

	rec := get(t, s, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		storage.Statistics
		OpenPositions int `json:"open_positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalTrades != 2 || resp.WinningTrades != 1 || resp.LosingTrades != 1 {
		t.Errorf("stats = %+v", resp.Statistics)
	}
	if math.Abs(resp.TotalPnL-2) > 1e-9 {
		t.Errorf("total pnl = %.4f, want 2", resp.TotalPnL)
	}
	if resp.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", resp.OpenPositions)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", storage.NewMockStorage(), nil, logging.Nop())

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "scalper_cycles_total") {
		t.Error("engine counters missing from metrics exposition")
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", storage.NewMockStorage(), nil, logging.Nop())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown before start: %v", err)
	}
}
