package orders

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
	"github.com/eddiefleurent/schrute_scalper/internal/stops"
)

// StrategyRecovered marks positions adopted from the broker rather than
// opened by a strategy.
const StrategyRecovered = "recovered"

// Reconcile aligns stored positions with the broker's ground truth. Pass one
// resolves stored positions the broker no longer holds, pass two adopts
// broker positions the store has never seen, and the risk ledger is re-synced
// from the store afterwards. Individual failures are logged and skipped so
// one bad symbol cannot block the rest.
func (m *Manager) Reconcile(ctx context.Context, now time.Time) error {
	brokerPositions, err := m.listBrokerPositions(ctx)
	if err != nil {
		return fmt.Errorf("listing broker positions: %w", err)
	}

	byKey := make(map[string]broker.PositionItem, len(brokerPositions))
	for _, bp := range brokerPositions {
		side := models.SideLong
		if bp.IsShort() {
			side = models.SideShort
		}
		byKey[models.PositionKey(bp.Symbol, side)] = bp
	}

	claimed := make(map[string]bool, len(byKey))
	for _, pos := range m.store.GetOpenPositions() {
		key := pos.Key()
		if bp, ok := byKey[key]; ok {
			claimed[key] = true
			m.syncQuantity(pos, bp)
			continue
		}
		if err := m.resolveMissing(ctx, pos, now); err != nil {
			m.logger.Error().Err(err).
				Str("symbol", pos.Symbol).
				Str("side", string(pos.Side)).
				Msg("reconcile: missing position unresolved")
		}
	}

	for key, bp := range byKey {
		if claimed[key] {
			continue
		}
		if err := m.adoptOrphan(ctx, bp, now); err != nil {
			m.logger.Error().Err(err).
				Str("symbol", bp.Symbol).
				Msg("reconcile: orphan not adopted")
		}
	}

	m.risk.SyncPositions(m.store.GetOpenPositions())
	return nil
}

// syncQuantity trues the stored share count up to the broker's. A mismatch
// usually means a partial fill the poll loop never saw complete.
func (m *Manager) syncQuantity(pos *models.Position, bp broker.PositionItem) {
	brokerQty := int(math.Abs(bp.Qty))
	if brokerQty <= 0 || brokerQty == pos.Quantity {
		return
	}
	m.logger.Warn().
		Str("symbol", pos.Symbol).
		Int("stored_qty", pos.Quantity).
		Int("broker_qty", brokerQty).
		Msg("reconcile: quantity drift, adopting broker count")
	pos.Quantity = brokerQty
	if err := m.store.SetPosition(pos); err != nil {
		m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("reconcile: quantity sync not persisted")
	}
}

// resolveMissing handles a stored position the broker no longer reports. A
// filled protective stop or exit order explains the absence as a legitimate
// close and is booked as one. Otherwise the record is a phantom: it is
// dropped without placing any close order, since there is nothing at the
// broker to close.
func (m *Manager) resolveMissing(ctx context.Context, pos *models.Position, now time.Time) error {
	for _, orderID := range []string{pos.StopOrderID, pos.ExitOrderID} {
		if orderID == "" {
			continue
		}
		ord, err := m.getOrder(ctx, &broker.Order{ID: orderID})
		if err != nil {
			if broker.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("checking order %s: %w", shortID(orderID), err)
		}
		if !orderFilledAny(ord) {
			continue
		}
		reason := pos.ExitReason
		if orderID == pos.StopOrderID {
			reason = stopReason(pos)
			metrics.StopsTriggered.Inc()
			m.bus.Publish(events.Event{
				Type: events.StopTriggered, Symbol: pos.Symbol, At: now, Reason: reason,
				Fields: map[string]float64{"price": ord.FilledAvgPrice},
			})
		}
		if reason == "" {
			reason = models.ExitReasonBrokerSync
		}
		m.logger.Info().
			Str("symbol", pos.Symbol).
			Str("order_id", shortID(orderID)).
			Str("reason", reason).
			Msg("reconcile: exit filled while unwatched, booking close")
		return m.finalizeClose(pos, ord, reason)
	}

	// No fill explains the absence. Cancel anything still resting against
	// the vanished position, then drop the record. No close order goes out.
	for _, orderID := range []string{pos.StopOrderID, pos.ExitOrderID} {
		if orderID == "" {
			continue
		}
		if err := m.cancelOrder(ctx, orderID); err != nil &&
			!broker.IsNotFound(err) && !broker.IsPermanentAPIError(err) {
			m.logger.Warn().Err(err).
				Str("symbol", pos.Symbol).
				Str("order_id", shortID(orderID)).
				Msg("reconcile: dangling order not canceled")
		}
	}
	metrics.PhantomPositions.Inc()
	m.bus.Publish(events.Event{
		Type: events.PhantomDetected, Symbol: pos.Symbol, At: now,
		Reason: "stored position not at broker",
		Fields: map[string]float64{"qty": float64(pos.Quantity)},
	})
	m.logger.Warn().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Int("qty", pos.Quantity).
		Msg("reconcile: phantom position dropped")
	if err := m.store.RemovePosition(pos.Symbol, pos.Side); err != nil {
		return fmt.Errorf("removing phantom %s: %w", pos.Symbol, err)
	}
	return nil
}

// adoptOrphan brings an unknown broker position under management. Entry
// details are gone, so the broker's average entry price and the symbol's
// policy seed the record, the current price extends the extremes, and the
// trailing state re-arms from whatever profit already exists.
func (m *Manager) adoptOrphan(ctx context.Context, bp broker.PositionItem, now time.Time) error {
	qty := int(math.Abs(bp.Qty))
	if qty == 0 {
		return nil
	}
	side := models.SideLong
	if bp.IsShort() {
		side = models.SideShort
	}
	entryPrice := bp.AvgEntryPrice
	if entryPrice <= 0 {
		entryPrice = bp.CurrentPrice
	}
	if entryPrice <= 0 {
		return fmt.Errorf("orphan %s has no usable price", bp.Symbol)
	}

	pol := policy.Default()
	if m.policies != nil {
		pol = m.policies.Get(bp.Symbol)
	}
	pos, err := models.NewPosition(uuid.New().String(), bp.Symbol, side, qty, entryPrice, now, pol)
	if err != nil {
		return fmt.Errorf("building recovered position for %s: %w", bp.Symbol, err)
	}
	pos.Strategy = StrategyRecovered

	price := bp.CurrentPrice
	if price <= 0 {
		price = entryPrice
	}
	decision, err := m.stops.Rearm(pos, price)
	if err != nil {
		return fmt.Errorf("arming recovered position for %s: %w", bp.Symbol, err)
	}
	if err := m.store.SetPosition(pos); err != nil {
		return fmt.Errorf("persisting recovered position for %s: %w", bp.Symbol, err)
	}
	m.logger.Warn().
		Str("symbol", bp.Symbol).
		Str("side", string(side)).
		Int("qty", qty).
		Float64("entry_price", entryPrice).
		Msg("reconcile: adopted orphan broker position")

	if decision.Action == stops.ActionClose {
		return m.ClosePosition(ctx, pos, decision.ExitReason, now)
	}
	if _, err := m.PlaceProtectiveStop(ctx, pos); err != nil {
		// The next cycle's stop maintenance retries.
		return err
	}
	return nil
}

func (m *Manager) listBrokerPositions(ctx context.Context) ([]broker.PositionItem, error) {
	return retry.Do(ctx, m.retryCfg, m.logger, "list_positions",
		func(ctx context.Context) ([]broker.PositionItem, error) {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()
			return m.broker.GetPositions(callCtx)
		})
}
