package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

func openPosition(t *testing.T, symbol string, side models.Side, qty int) *models.Position {
	t.Helper()
	pos, err := models.NewPosition("audit-"+symbol, symbol, side, qty, 24.00,
		time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC), policy.Default())
	if err != nil {
		t.Fatalf("NewPosition(%s): %v", symbol, err)
	}
	return pos
}

func TestClassifyFindsEveryKindOfDrift(t *testing.T) {
	storePositions := []*models.Position{
		openPosition(t, "SOFI", models.SideLong, 100), // matches
		openPosition(t, "INTC", models.SideLong, 10),  // broker holds 12
		openPosition(t, "QBTS", models.SideShort, 50), // not at the broker
	}
	brokerPositions := []broker.PositionItem{
		{Symbol: "SOFI", Qty: 100, AvgEntryPrice: 24.00},
		{Symbol: "INTC", Qty: 12, AvgEntryPrice: 24.93},
		{Symbol: "NIO", Qty: -200, AvgEntryPrice: 4.10}, // untracked short
	}
	openOrders := []broker.Order{
		{Symbol: "SOFI", Type: broker.OrderTypeStop, Status: broker.OrderStatusAccepted},
	}

	report := classify(storePositions, brokerPositions, openOrders, "data/positions.json")

	if report.clean() {
		t.Fatal("report should not be clean")
	}
	if report.StoreCount != 3 || report.BrokerCount != 3 {
		t.Errorf("counts = %d/%d, want 3/3", report.StoreCount, report.BrokerCount)
	}
	if !reflect.DeepEqual(report.Phantoms, []string{"QBTS"}) {
		t.Errorf("phantoms = %v, want [QBTS]", report.Phantoms)
	}
	if !reflect.DeepEqual(report.Orphans, []string{"NIO"}) {
		t.Errorf("orphans = %v, want [NIO]", report.Orphans)
	}
	want := []qtyMismatch{{Symbol: "INTC", Store: 10, Broker: 12}}
	if !reflect.DeepEqual(report.QtyMismatches, want) {
		t.Errorf("qty mismatches = %v, want %v", report.QtyMismatches, want)
	}
	// INTC has no working stop either; SOFI's resting stop covers it.
	if !reflect.DeepEqual(report.MissingStops, []string{"INTC"}) {
		t.Errorf("missing stops = %v, want [INTC]", report.MissingStops)
	}
}

func TestClassifyCleanBook(t *testing.T) {
	storePositions := []*models.Position{openPosition(t, "SOFI", models.SideLong, 100)}
	brokerPositions := []broker.PositionItem{{Symbol: "SOFI", Qty: 100}}
	openOrders := []broker.Order{{Symbol: "SOFI", Type: broker.OrderTypeStop}}

	report := classify(storePositions, brokerPositions, openOrders, "data/positions.json")
	if !report.clean() {
		t.Errorf("expected a clean report, got %+v", report)
	}
}

func TestClassifyShortQuantitiesCompareUnsigned(t *testing.T) {
	storePositions := []*models.Position{openPosition(t, "NIO", models.SideShort, 200)}
	brokerPositions := []broker.PositionItem{{Symbol: "NIO", Qty: -200}}
	openOrders := []broker.Order{{Symbol: "NIO", Type: broker.OrderTypeStop}}

	report := classify(storePositions, brokerPositions, openOrders, "data/positions.json")
	if len(report.QtyMismatches) != 0 {
		t.Errorf("short position flagged as mismatched: %v", report.QtyMismatches)
	}
}

func TestMaskAccountID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"1234567890", "******7890"},
		{"1234", "1234"},
		{"12345", "*2345"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := maskAccountID(tt.input); got != tt.expected {
			t.Errorf("maskAccountID(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
