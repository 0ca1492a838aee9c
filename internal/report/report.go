// Package report builds the end-of-session summary from the day's completed
// trades and rejection stream, and writes it through a pluggable sink.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

// SymbolRow aggregates one symbol's completed trades for the session.
type SymbolRow struct {
	Symbol       string  `json:"symbol"`
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRatePct   float64 `json:"win_rate_pct"`
	NetPnL       float64 `json:"net_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	AvgRMultiple float64 `json:"avg_r_multiple"`
	AvgHoldSec   float64 `json:"avg_hold_sec"`
	MaxDrawdown  float64 `json:"max_drawdown"`
}

// HourRow aggregates one symbol's trades by entry hour of day.
type HourRow struct {
	Symbol string  `json:"symbol"`
	Hour   int     `json:"hour"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
	NetPnL float64 `json:"net_pnl"`
}

// Report is one session's summary. New fields may be added; existing fields
// keep their names and meaning.
type Report struct {
	SessionDate string         `json:"session_date"`
	GeneratedAt time.Time      `json:"generated_at"`
	Trades      int            `json:"trades"`
	Wins        int            `json:"wins"`
	Losses      int            `json:"losses"`
	WinRatePct  float64        `json:"win_rate_pct"`
	NetPnL      float64        `json:"net_pnl"`
	ExitReasons map[string]int `json:"exit_reasons,omitempty"`
	Rejections  map[string]int `json:"rejections,omitempty"`
	Symbols     []SymbolRow    `json:"symbols"`
	Hours       []HourRow      `json:"hours,omitempty"`
}

// Sink persists a finished report.
type Sink interface {
	Write(r *Report) error
}

// FileSink writes reports as JSON files under a directory.
type FileSink struct {
	dir string
}

// NewFileSink returns a sink writing report_<date>.json under dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Write marshals the report and writes it atomically.
func (s *FileSink) Write(r *Report) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("report_%s.json", r.SessionDate))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing report: %w", err)
	}
	return nil
}

var _ Sink = (*FileSink)(nil)

// Reporter accumulates rejection counts off the event bus and assembles the
// end-of-session report from the trade store.
type Reporter struct {
	mu         sync.Mutex
	rejections map[string]int

	store  storage.Interface
	sink   Sink
	loc    *time.Location
	logger zerolog.Logger
}

// NewReporter creates a reporter. loc determines the hour-of-day bucketing;
// nil falls back to UTC.
func NewReporter(store storage.Interface, sink Sink, loc *time.Location, logger zerolog.Logger) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{
		rejections: make(map[string]int),
		store:      store,
		sink:       sink,
		loc:        loc,
		logger:     logger.With().Str("component", "report").Logger(),
	}
}

// Tap subscribes the reporter to signal rejections on the bus. The consumer
// goroutine exits when the bus closes.
func (r *Reporter) Tap(bus *events.Bus) {
	ch := bus.Subscribe(128, events.SignalRejected)
	go func() {
		for e := range ch {
			r.mu.Lock()
			r.rejections[e.Reason]++
			r.mu.Unlock()
		}
	}()
}

// Build assembles the report for a session date (2006-01-02).
func (r *Reporter) Build(date string) *Report {
	trades := r.store.GetTradesForDay(date)

	rep := &Report{
		SessionDate: date,
		GeneratedAt: time.Now().UTC(),
		ExitReasons: make(map[string]int),
		Rejections:  r.rejectionSnapshot(),
	}

	bySymbol := make(map[string]*symbolAgg)
	byHour := make(map[string]*HourRow)
	for i := range trades {
		t := &trades[i]
		rep.Trades++
		rep.NetPnL += t.RealizedPnL
		switch {
		case t.RealizedPnL > 0:
			rep.Wins++
		case t.RealizedPnL < 0:
			rep.Losses++
		}
		if t.ExitReason != "" {
			rep.ExitReasons[t.ExitReason]++
		}

		agg := bySymbol[t.Symbol]
		if agg == nil {
			agg = &symbolAgg{}
			bySymbol[t.Symbol] = agg
		}
		agg.add(t)

		hour := t.EntryTime.In(r.loc).Hour()
		hk := fmt.Sprintf("%s|%02d", t.Symbol, hour)
		row := byHour[hk]
		if row == nil {
			row = &HourRow{Symbol: t.Symbol, Hour: hour}
			byHour[hk] = row
		}
		row.Trades++
		row.NetPnL += t.RealizedPnL
		switch {
		case t.RealizedPnL > 0:
			row.Wins++
		case t.RealizedPnL < 0:
			row.Losses++
		}
	}

	if decided := rep.Wins + rep.Losses; decided > 0 {
		rep.WinRatePct = float64(rep.Wins) / float64(decided) * 100
	}

	for sym, agg := range bySymbol {
		rep.Symbols = append(rep.Symbols, agg.row(sym))
	}
	sort.Slice(rep.Symbols, func(i, j int) bool { return rep.Symbols[i].Symbol < rep.Symbols[j].Symbol })
	for _, row := range byHour {
		rep.Hours = append(rep.Hours, *row)
	}
	sort.Slice(rep.Hours, func(i, j int) bool {
		if rep.Hours[i].Symbol != rep.Hours[j].Symbol {
			return rep.Hours[i].Symbol < rep.Hours[j].Symbol
		}
		return rep.Hours[i].Hour < rep.Hours[j].Hour
	})

	// The per-trade sum and the daily ledger are written from the same
	// close path; drift between them means a booking bug.
	if booked := r.store.GetDailyPnL(date); math.Abs(booked-rep.NetPnL) > 1e-6 {
		r.logger.Warn().
			Float64("trades_pnl", rep.NetPnL).
			Float64("daily_pnl", booked).
			Str("date", date).
			Msg("report pnl does not match daily ledger")
	}
	return rep
}

// WriteEOD builds the session report and pushes it through the sink.
func (r *Reporter) WriteEOD(date string) error {
	rep := r.Build(date)
	if err := r.sink.Write(rep); err != nil {
		return fmt.Errorf("writing eod report for %s: %w", date, err)
	}
	r.logger.Info().
		Str("date", date).
		Int("trades", rep.Trades).
		Float64("net_pnl", rep.NetPnL).
		Float64("win_rate_pct", rep.WinRatePct).
		Msg("eod report written")
	return nil
}

func (r *Reporter) rejectionSnapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rejections) == 0 {
		return nil
	}
	out := make(map[string]int, len(r.rejections))
	for k, v := range r.rejections {
		out[k] = v
	}
	return out
}

// symbolAgg accumulates one symbol's trades in entry order.
type symbolAgg struct {
	trades   int
	wins     int
	losses   int
	net      float64
	rSum     float64
	holdSum  float64
	peak     float64
	drawdown float64
}

func (a *symbolAgg) add(t *models.CompletedTrade) {
	a.trades++
	a.net += t.RealizedPnL
	switch {
	case t.RealizedPnL > 0:
		a.wins++
	case t.RealizedPnL < 0:
		a.losses++
	}
	a.rSum += t.RMultiple
	a.holdSum += float64(t.HoldSeconds)
	if a.net > a.peak {
		a.peak = a.net
	}
	if dd := a.peak - a.net; dd > a.drawdown {
		a.drawdown = dd
	}
}

func (a *symbolAgg) row(symbol string) SymbolRow {
	row := SymbolRow{
		Symbol:      symbol,
		Trades:      a.trades,
		Wins:        a.wins,
		Losses:      a.losses,
		NetPnL:      a.net,
		MaxDrawdown: a.drawdown,
	}
	if decided := a.wins + a.losses; decided > 0 {
		row.WinRatePct = float64(a.wins) / float64(decided) * 100
	}
	if a.trades > 0 {
		row.AvgPnL = a.net / float64(a.trades)
		row.AvgRMultiple = a.rSum / float64(a.trades)
		row.AvgHoldSec = a.holdSum / float64(a.trades)
	}
	return row
}
