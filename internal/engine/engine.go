// Package engine drives the trading day. It sleeps until the exchange
// session opens, recovers state from the last run, evaluates the watchlist
// on a fixed interval while the trading window holds, and flattens and
// reports when the window closes or the process is asked to stop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/clock"
	"github.com/eddiefleurent/schrute_scalper/internal/confidence"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/marketdata"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/report"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
	"github.com/eddiefleurent/schrute_scalper/internal/stops"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
)

// Engine phases. Outside the session the engine only watches the clock;
// inside it every tick runs a full evaluation cycle.
const (
	phaseSleeping = "sleeping"
	phaseTrading  = "trading"
)

// calendarRefreshEvery throttles calendar pulls while asleep. Holiday
// schedules do not change intraday, so an hour is plenty.
const calendarRefreshEvery = time.Hour

// Deps bundles everything the engine needs. All fields are required.
type Deps struct {
	Config     *config.Config
	Clock      clock.Clock
	Calendar   *clock.Calendar
	Broker     broker.Broker
	Data       *marketdata.Service
	Indicators *indicators.Service
	Evaluator  *strategy.Evaluator
	Confidence *confidence.Engine
	Risk       *risk.Manager
	Store      storage.Interface
	Orders     *orders.Manager
	Stops      *stops.Manager
	Policies   *policy.Table
	Reporter   *report.Reporter
	Bus        *events.Bus
	Logger     zerolog.Logger
}

// Engine owns the session loop. One instance runs per process; all methods
// except Status are driven from that single loop goroutine.
type Engine struct {
	cfg        *config.Config
	clk        clock.Clock
	calendar   *clock.Calendar
	broker     broker.Broker
	data       *marketdata.Service
	inds       *indicators.Service
	evaluator  *strategy.Evaluator
	confidence *confidence.Engine
	risk       *risk.Manager
	store      storage.Interface
	orders     *orders.Manager
	stops      *stops.Manager
	policies   *policy.Table
	reporter   *report.Reporter
	bus        *events.Bus
	logger     zerolog.Logger
	retryCfg   retry.Config

	mu          sync.Mutex
	phase       string
	sessionDate string
	startedAt   time.Time
	lastCycleAt time.Time
	lastRefresh time.Time
	sleepUntil  time.Time
}

// New wires an engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		cfg:        d.Config,
		clk:        d.Clock,
		calendar:   d.Calendar,
		broker:     d.Broker,
		data:       d.Data,
		inds:       d.Indicators,
		evaluator:  d.Evaluator,
		confidence: d.Confidence,
		risk:       d.Risk,
		store:      d.Store,
		orders:     d.Orders,
		stops:      d.Stops,
		policies:   d.Policies,
		reporter:   d.Reporter,
		bus:        d.Bus,
		logger:     d.Logger,
		retryCfg: retry.Config{
			MaxRetries:     d.Config.Timeouts.MaxRetries,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Timeout:        30 * time.Second,
		},
		phase: phaseSleeping,
	}
}

// Status is a point-in-time view for the health endpoint.
type Status struct {
	State       string
	SessionDate string
	KillSwitch  bool
	StartedAt   time.Time
	LastCycleAt time.Time
}

// Status reports the engine's current phase. Safe from any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:       e.phase,
		SessionDate: e.sessionDate,
		KillSwitch:  e.risk.KillSwitchLatched(),
		StartedAt:   e.startedAt,
		LastCycleAt: e.lastCycleAt,
	}
}

// Run blocks until ctx is canceled, then tears down gracefully: no new
// cycles start, open positions are flattened, and the daily report is
// written. A nil return is a clean stop; a non-nil return means the broker
// would not let the engine leave the book flat.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = e.clk.Now()
	e.phase = phaseSleeping
	e.mu.Unlock()

	// Prove the connection up front so bad credentials fail here, not at
	// the first entry of the day.
	acct, err := e.getAccount(ctx)
	if err != nil {
		return fmt.Errorf("verifying broker connection: %w", err)
	}
	e.logger.Info().
		Str("mode", e.cfg.Environment.Mode).
		Float64("equity", acct.Equity).
		Float64("last_equity", acct.LastEquity).
		Bool("dry_run", e.cfg.Environment.DryRun).
		Msg("broker connection verified")

	ticker := time.NewTicker(e.cfg.CycleInterval())
	defer ticker.Stop()

	for {
		e.step(e.clk.Now())
		select {
		case <-ctx.Done():
			return e.teardown()
		case <-ticker.C:
		}
	}
}

// step advances the phase machine by one tick. Each step gets its own
// deadline so a wedged broker call cannot stall the loop forever; cycles
// never overlap because the loop is strictly sequential.
func (e *Engine) step(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.CycleInterval())
	defer cancel()

	if e.currentPhase() == phaseTrading {
		if e.calendar.PastWindowEnd(now) {
			if err := e.endSession(ctx, now); err != nil {
				e.logger.Error().Err(err).Msg("session close left positions behind")
			}
			return
		}
		canEnter, reason := e.calendar.CanTrade(now)
		if !canEnter {
			e.logger.Debug().Str("reason", reason).Msg("entries paused")
		}
		e.runCycle(ctx, now, canEnter)
		return
	}

	// Asleep. Wake as soon as the exchange opens so recovery and stop
	// maintenance start before the entry window does.
	e.refreshCalendar(ctx, now)
	if !e.calendar.IsMarketOpen(now) || e.calendar.PastWindowEnd(now) {
		e.logNextOpen(now)
		return
	}
	if err := e.onWake(ctx, now); err != nil {
		e.logger.Error().Err(err).Msg("session start failed, retrying next tick")
		return
	}
	canEnter, _ := e.calendar.CanTrade(now)
	e.runCycle(ctx, now, canEnter)
}

// onWake opens the trading session: reconcile against the broker, restore
// or start the day's risk ledger, and re-arm stops on positions that
// crossed a restart. Their high-water marks were persisted, so trailing
// state picks up where it left off rather than resetting.
func (e *Engine) onWake(ctx context.Context, now time.Time) error {
	date := now.In(e.cfg.Location()).Format("2006-01-02")
	ev := e.logger.Info().Str("session", date)
	if cls, ok := e.calendar.NextClose(now); ok {
		ev = ev.Time("session_close", cls)
	}
	ev.Msg("trading session starting")

	acct, err := e.getAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetching account at session start: %w", err)
	}

	// The ledger must exist before reconcile true-ups its position counts.
	if st, ok := e.store.RiskState(); ok && st.SessionDate == date {
		e.risk.RestoreSession(st, len(e.store.GetOpenPositions()))
		e.logger.Info().
			Float64("realized_pnl", st.RealizedPnLToday).
			Int("trades", st.DailyTradeCount).
			Bool("kill_switch", st.KillSwitch).
			Msg("restored same-day session ledger")
	} else {
		e.risk.StartSession(date, acct.Equity)
	}
	e.risk.MarkEquity(acct.Equity)

	if err := e.orders.Reconcile(ctx, now); err != nil {
		return fmt.Errorf("start-of-session reconcile: %w", err)
	}
	e.rearmPositions(ctx, now)
	e.persistLedger()

	e.mu.Lock()
	e.phase = phaseTrading
	e.sessionDate = date
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.SessionStarted, At: now, Reason: date})
	return nil
}

// rearmPositions walks the stored book after reconcile and lets the stop
// manager extend each position's trail from the current price. Positions
// left without a resting stop get one placed.
func (e *Engine) rearmPositions(ctx context.Context, now time.Time) {
	for _, pos := range e.store.GetOpenPositions() {
		price := e.lastKnownPrice(ctx, pos)
		decision, err := e.stops.Rearm(pos, price)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("rearming trailing stop")
			continue
		}
		e.applyStopDecision(ctx, pos, decision, now)
	}
}

// endSession flattens the book, persists the ledger, and writes the daily
// report. The flatten is retried once; whatever still will not close stays
// for the next wake's reconcile and the error is returned.
func (e *Engine) endSession(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	date := e.sessionDate
	e.phase = phaseSleeping
	e.mu.Unlock()

	e.logger.Info().Str("session", date).Msg("closing trading session")

	flattenErr := e.flattenAll(ctx, now)
	if flattenErr != nil {
		e.logger.Warn().Err(flattenErr).Msg("flatten incomplete, retrying once")
		flattenErr = e.flattenAll(ctx, now)
	}

	e.persistLedger()
	if err := e.reporter.WriteEOD(date); err != nil {
		e.logger.Error().Err(err).Msg("writing eod report")
	}
	e.bus.Publish(events.Event{Type: events.SessionEnded, At: now, Reason: date})

	if flattenErr != nil {
		return fmt.Errorf("flattening positions: %w", flattenErr)
	}
	return nil
}

// flattenAll closes every open position at market. Failures are collected
// rather than aborting the sweep so one stuck symbol cannot strand the
// rest of the book.
func (e *Engine) flattenAll(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, pos := range e.store.GetOpenPositions() {
		if err := e.orders.ClosePosition(ctx, pos, models.ExitReasonSessionEnd, now); err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("flatten failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// teardown runs after ctx cancellation. In-flight work has already
// finished because the loop only checks for cancellation between steps;
// what remains is leaving the book flat within the shutdown grace.
func (e *Engine) teardown() error {
	e.logger.Info().Msg("shutting down")
	if e.currentPhase() != phaseTrading {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace())
	defer cancel()
	if err := e.endSession(ctx, e.clk.Now()); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// refreshCalendar re-pulls exchange hours at most once an hour. A failed
// pull leaves the calendar degraded; it falls back to standard hours and
// says so in its own events.
func (e *Engine) refreshCalendar(ctx context.Context, now time.Time) {
	e.mu.Lock()
	due := e.lastRefresh.IsZero() || now.Sub(e.lastRefresh) >= calendarRefreshEvery
	if due {
		e.lastRefresh = now
	}
	e.mu.Unlock()
	if !due {
		return
	}
	if err := e.calendar.Refresh(ctx, now); err != nil {
		e.logger.Warn().Err(err).Msg("calendar refresh failed, using fallback hours")
	}
}

// logNextOpen notes the wake target, once per distinct session open.
func (e *Engine) logNextOpen(now time.Time) {
	next, ok := e.calendar.NextOpen(now)
	if !ok {
		return
	}
	e.mu.Lock()
	seen := e.sleepUntil.Equal(next)
	e.sleepUntil = next
	e.mu.Unlock()
	if !seen {
		e.logger.Info().Time("next_open", next).Msg("market closed, sleeping")
	}
}

// persistLedger snapshots the risk state so counters and the kill switch
// survive a crash.
func (e *Engine) persistLedger() {
	if err := e.store.SetRiskState(e.risk.Snapshot()); err != nil {
		e.logger.Error().Err(err).Msg("persisting session ledger")
	}
}

func (e *Engine) getAccount(ctx context.Context) (*broker.Account, error) {
	return retry.Do(ctx, e.retryCfg, e.logger, "get_account",
		func(ctx context.Context) (*broker.Account, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.DataTimeout())
			defer cancel()
			return e.broker.GetAccount(callCtx)
		})
}

// lastKnownPrice returns the freshest price available for a position,
// falling back through the stored mark to the entry price.
func (e *Engine) lastKnownPrice(ctx context.Context, pos *models.Position) float64 {
	price, _, err := e.data.LatestPrice(ctx, pos.Symbol)
	if err == nil && price > 0 {
		return price
	}
	if pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return pos.EntryPrice
}

func (e *Engine) currentPhase() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}
