package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"gridflow/logger"
	"gridflow/models"
)

// Tracker maintains the signed position from fill events. The venue
// delivers fills at least once, so every fill is deduplicated by its
// execution id before it touches the accounting.
type Tracker struct {
	mu             sync.Mutex
	position       models.Position
	seen           map[string]struct{}
	stats          models.TradeStats
	driftTolerance decimal.Decimal
	log            *logger.Log
}

func NewTracker(driftTolerance decimal.Decimal) *Tracker {
	return &Tracker{
		seen:           make(map[string]struct{}),
		driftTolerance: driftTolerance,
		log:            logger.GetLogger(),
	}
}

// ApplyFill folds one execution into the position. Returns the PnL
// realized by this fill and whether the fill was applied; a replayed fill
// id is a no-op.
func (t *Tracker) ApplyFill(f models.Fill) (realized decimal.Decimal, applied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[f.ID]; dup {
		t.log.WithComponent("position_tracker").WithFields(logger.Fields{
			"fill_id": f.ID,
		}).Debug("duplicate fill ignored")
		return decimal.Zero, false
	}
	t.seen[f.ID] = struct{}{}

	delta := f.SignedQty()
	oldQty := t.position.Qty
	newQty := oldQty.Add(delta)

	switch {
	case oldQty.IsZero():
		t.position.AvgEntryPrice = f.Price

	case oldQty.Sign() == delta.Sign():
		// Same-direction fill extends the position at a weighted average.
		oldNotional := t.position.AvgEntryPrice.Mul(oldQty.Abs())
		addNotional := f.Price.Mul(delta.Abs())
		t.position.AvgEntryPrice = oldNotional.Add(addNotional).Div(oldQty.Abs().Add(delta.Abs()))

	default:
		// Opposite-direction fill closes inventory first.
		closed := decimal.Min(delta.Abs(), oldQty.Abs())
		direction := decimal.NewFromInt(int64(oldQty.Sign()))
		realized = f.Price.Sub(t.position.AvgEntryPrice).Mul(closed).Mul(direction)
		t.position.RealizedPnL = t.position.RealizedPnL.Add(realized)

		if newQty.IsZero() {
			t.position.AvgEntryPrice = decimal.Zero
		} else if newQty.Sign() != oldQty.Sign() {
			// Flip: the remainder opens fresh at the fill price.
			t.position.AvgEntryPrice = f.Price
		}
	}

	t.position.Qty = newQty

	t.stats.TotalTrades++
	if f.Side == models.SideBuy {
		t.stats.BuyTrades++
	} else {
		t.stats.SellTrades++
	}
	t.stats.TradedQty = t.stats.TradedQty.Add(f.Quantity)
	t.stats.FeesPaid = t.stats.FeesPaid.Add(f.Fee)

	t.log.WithComponent("position_tracker").WithFields(logger.Fields{
		"fill_id":  f.ID,
		"side":     f.Side,
		"price":    f.Price,
		"quantity": f.Quantity,
		"qty":      newQty,
		"realized": realized,
	}).Debug("fill applied")

	return realized, true
}

// Reconcile compares the tracked quantity with the venue's authoritative
// one. Drift beyond tolerance is reported, never silently corrected: the
// caller decides what to do with it.
func (t *Tracker) Reconcile(exchangeQty decimal.Decimal) (drift decimal.Decimal, within bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	drift = exchangeQty.Sub(t.position.Qty)
	within = drift.Abs().LessThanOrEqual(t.driftTolerance)
	if !within {
		t.log.WithComponent("position_tracker").WithFields(logger.Fields{
			"tracked":  t.position.Qty,
			"exchange": exchangeQty,
			"drift":    drift,
		}).Warn("position drift exceeds tolerance")
	}
	return drift, within
}

// Seed replaces the tracked position wholesale. Used once at startup when
// the venue state is adopted; realized PnL and fill history are preserved.
func (t *Tracker) Seed(pos models.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position.Qty = pos.Qty
	t.position.AvgEntryPrice = pos.AvgEntryPrice
}

// Snapshot returns a value copy of the current position.
func (t *Tracker) Snapshot() models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// Stats returns a value copy of the trade counters.
func (t *Tracker) Stats() models.TradeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
