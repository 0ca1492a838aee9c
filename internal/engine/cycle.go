package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/schrute_scalper/internal/confidence"
	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
	"github.com/eddiefleurent/schrute_scalper/internal/stops"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
)

// symbolWork carries one symbol's output from the parallel evaluation
// phase to the serialized entry phase.
type symbolWork struct {
	symbol    string
	candidate *strategy.Signal
	snap      *indicators.Snapshot
	pol       policy.Policy
	price     float64
	gate      confidence.Result
}

// runCycle is one tick of the trading loop. Every watchlist symbol is
// evaluated in parallel; risk-reducing work (stop moves, exits) executes
// inside the workers, while new entries queue up and are placed one at a
// time afterwards so the risk ledger sees them in a fixed order. A symbol
// that fails is skipped for the cycle, never fatal: its resting stop
// still protects any open position.
func (e *Engine) runCycle(ctx context.Context, now time.Time, entriesOK bool) {
	started := time.Now()
	metrics.CyclesTotal.Inc()
	e.bus.Publish(events.Event{Type: events.CycleStarted, At: now})

	// Broker truth first so stale local records never drive orders.
	if err := e.orders.Reconcile(ctx, now); err != nil {
		e.logger.Error().Err(err).Msg("reconcile failed, trading on stored view")
	}

	equity := e.refreshEquity(ctx)
	if e.risk.KillSwitchLatched() {
		entriesOK = false
	}

	watch := e.cfg.Trading.Watchlist
	work := make([]*symbolWork, len(watch))
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range watch {
		g.Go(func() error {
			w, err := e.evalSymbol(gctx, symbol, now, entriesOK)
			if err != nil {
				metrics.CycleSymbolsSkipped.Inc()
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("symbol skipped this cycle")
				return nil
			}
			work[i] = w
			return nil
		})
	}
	_ = g.Wait()

	if entriesOK {
		for _, w := range work {
			if w == nil || w.candidate == nil {
				continue
			}
			e.placeEntry(ctx, w, equity, now)
		}
	}

	e.persistLedger()

	e.mu.Lock()
	e.lastCycleAt = now
	e.mu.Unlock()

	elapsed := time.Since(started)
	metrics.CycleDuration.Observe(elapsed.Seconds())
	e.bus.Publish(events.Event{Type: events.CycleCompleted, At: now,
		Fields: map[string]float64{"elapsed_ms": float64(elapsed.Milliseconds())}})
	e.logger.Debug().Dur("elapsed", elapsed).Msg("cycle complete")
}

// evalSymbol runs one symbol's leg of the cycle: refresh the price, let
// the stop manager act on any open position, then look for a signal.
// Price and stop maintenance come first so a failed indicator window
// still protects what is already open.
func (e *Engine) evalSymbol(ctx context.Context, symbol string, now time.Time, wantEntries bool) (*symbolWork, error) {
	bars, barsErr := e.data.Bars(ctx, symbol, 0)

	price, _, err := e.data.LatestPrice(ctx, symbol)
	if err != nil || price <= 0 {
		if barsErr != nil || len(bars) == 0 {
			return nil, fmt.Errorf("no price for %s: %w", symbol, err)
		}
		price = bars[len(bars)-1].Close
	}

	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		pos := e.store.GetPosition(symbol, side)
		if pos == nil {
			continue
		}
		decision, err := e.stops.Update(pos, price)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("updating trailing stop")
			continue
		}
		e.applyStopDecision(ctx, pos, decision, now)
	}

	if barsErr != nil {
		return nil, fmt.Errorf("bars for %s: %w", symbol, barsErr)
	}
	snap, err := e.inds.Snapshot(symbol, bars)
	if err != nil {
		return nil, fmt.Errorf("indicators for %s: %w", symbol, err)
	}

	// Re-read the book: a stop may have closed the position above.
	open := e.store.GetPositionBySymbol(symbol)
	pol := e.policies.Get(symbol)

	sig := e.evaluator.Evaluate(snap, pol, open)
	if sig == nil {
		return &symbolWork{symbol: symbol}, nil
	}

	if !sig.IsEntry() {
		// Exit signals reduce risk, so they act immediately in the worker
		// instead of queuing behind the entry phase.
		if pos := e.store.GetPosition(symbol, sig.Direction()); pos != nil {
			if err := e.orders.ClosePosition(ctx, pos, models.ExitReasonSignal, now); err != nil {
				e.logger.Error().Err(err).Str("symbol", symbol).Msg("closing on exit signal")
			}
		}
		return &symbolWork{symbol: symbol}, nil
	}

	if !wantEntries || open != nil {
		return &symbolWork{symbol: symbol}, nil
	}

	// Confidence gate. A scoring failure rejects; there is no fallback.
	res := e.confidence.Score(snap)
	ok, reason := e.confidence.ShouldExecute(res, confidence.DirectionForSide(sig.Direction()))
	if !ok {
		metrics.RecordRejection(reason)
		e.bus.Publish(events.Event{Type: events.SignalRejected, Symbol: symbol, At: now, Reason: reason,
			Fields: map[string]float64{"score": res.Score}})
		e.logger.Info().
			Str("symbol", symbol).
			Str("strategy", sig.Strategy).
			Str("reason", reason).
			Float64("score", res.Score).
			Msg("signal rejected")
		return &symbolWork{symbol: symbol}, nil
	}

	e.bus.Publish(events.Event{Type: events.SignalProposed, Symbol: symbol, At: now, Reason: sig.Strategy,
		Fields: map[string]float64{"score": res.Score, "strategy_confidence": sig.Confidence}})

	return &symbolWork{symbol: symbol, candidate: sig, snap: snap, pol: pol, price: price, gate: res}, nil
}

// applyStopDecision executes a stop manager verdict and reports whether
// the position was closed.
func (e *Engine) applyStopDecision(ctx context.Context, pos *models.Position, d stops.Decision, now time.Time) bool {
	switch d.Action {
	case stops.ActionClose:
		if err := e.orders.ClosePosition(ctx, pos, d.ExitReason, now); err != nil {
			e.logger.Error().Err(err).
				Str("symbol", pos.Symbol).
				Str("reason", d.ExitReason).
				Msg("closing position")
			return false
		}
		return true
	case stops.ActionReplaceStop:
		if _, err := e.orders.ReplaceProtectiveStop(ctx, pos); err != nil {
			if errors.Is(err, orders.ErrStopFilled) {
				// The broker beat us to it; the next reconcile books the close.
				e.logger.Info().Str("symbol", pos.Symbol).Msg("stop filled mid-replace")
				return false
			}
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("replacing protective stop")
		}
		return false
	default:
		if err := e.store.SetPosition(pos); err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("persisting position marks")
		}
		if err := e.orders.EnsureProtectiveStop(ctx, pos); err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("ensuring protective stop")
		}
		return false
	}
}

// placeEntry runs the serialized tail of the pipeline: size, risk gate,
// order, protective stop.
func (e *Engine) placeEntry(ctx context.Context, w *symbolWork, equity float64, now time.Time) {
	sig := w.candidate
	req := orders.EntryRequest{
		Signal:      sig,
		Policy:      w.pol,
		Equity:      equity,
		Price:       w.price,
		AccountRisk: e.cfg.Trading.AccountRiskPerTrade,
		MaxNotional: e.risk.Limits().MaxPositionNotional,
		Confidence:  w.gate.Score,
		Indicators:  w.snap.Map(),
		CycleTime:   now,
	}

	qty, err := orders.SizeEntry(req)
	if err != nil {
		metrics.RecordRejection("size_zero")
		e.bus.Publish(events.Event{Type: events.SignalRejected, Symbol: sig.Symbol, At: now, Reason: "size_zero"})
		e.logger.Info().Err(err).Str("symbol", sig.Symbol).Msg("signal rejected")
		return
	}

	var appr risk.Approved
	switch d := e.risk.Check(sig, float64(qty)*w.price).(type) {
	case risk.Approved:
		appr = d
	case risk.Rejected:
		// The risk manager already counted the rejection and published the
		// violation; mirror it as a signal rejection for the daily report.
		// The intent dies here. There is no path from a rejection to an
		// order on either side.
		e.bus.Publish(events.Event{Type: events.SignalRejected, Symbol: sig.Symbol, At: now, Reason: d.Reason})
		return
	}

	sig.ProposedQty = qty
	pos, err := e.orders.PlaceEntry(ctx, req, appr)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("entry failed")
		return
	}
	if _, err := e.orders.PlaceProtectiveStop(ctx, pos); err != nil {
		// The position is naked until the next cycle's stop maintenance
		// retries, so this failure is loud.
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("placing protective stop")
	}
}

// refreshEquity re-marks the risk ledger from the broker. On failure the
// last mark stands and the loss cap keeps evaluating against it.
func (e *Engine) refreshEquity(ctx context.Context) float64 {
	acct, err := e.getAccount(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("equity refresh failed, using last mark")
		return e.risk.Snapshot().CurrentEquity
	}
	e.risk.MarkEquity(acct.Equity)
	return acct.Equity
}
