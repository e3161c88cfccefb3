package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

func fill(id string, side models.Side, price, qty string) models.Fill {
	return models.Fill{
		ID:        id,
		Side:      side,
		Price:     dec(price),
		Quantity:  dec(qty),
		Timestamp: time.Now(),
	}
}

func TestApplyFillIdempotent(t *testing.T) {
	tr := NewTracker(decimal.Zero)

	if _, applied := tr.ApplyFill(fill("t1", models.SideBuy, "0.99", "10")); !applied {
		t.Fatal("first fill must apply")
	}
	if _, applied := tr.ApplyFill(fill("t1", models.SideBuy, "0.99", "10")); applied {
		t.Fatal("replayed fill must be ignored")
	}

	pos := tr.Snapshot()
	if !pos.Qty.Equal(dec("10")) {
		t.Errorf("qty = %s, want 10", pos.Qty)
	}
	if stats := tr.Stats(); stats.TotalTrades != 1 {
		t.Errorf("total trades = %d, want 1", stats.TotalTrades)
	}
}

func TestApplyFillPartial(t *testing.T) {
	tr := NewTracker(decimal.Zero)
	tr.ApplyFill(fill("t1", models.SideBuy, "0.99", "4"))

	pos := tr.Snapshot()
	if !pos.Qty.Equal(dec("4")) || !pos.AvgEntryPrice.Equal(dec("0.99")) {
		t.Errorf("got qty=%s avg=%s, want 4 @ 0.99", pos.Qty, pos.AvgEntryPrice)
	}
}

func TestApplyFillWeightedAverage(t *testing.T) {
	tr := NewTracker(decimal.Zero)
	tr.ApplyFill(fill("t1", models.SideBuy, "1.00", "10"))
	tr.ApplyFill(fill("t2", models.SideBuy, "0.98", "10"))

	pos := tr.Snapshot()
	if !pos.AvgEntryPrice.Equal(dec("0.99")) {
		t.Errorf("avg entry = %s, want 0.99", pos.AvgEntryPrice)
	}
	if !pos.Qty.Equal(dec("20")) {
		t.Errorf("qty = %s, want 20", pos.Qty)
	}
}

func TestApplyFillRealizesOnReduce(t *testing.T) {
	tr := NewTracker(decimal.Zero)
	tr.ApplyFill(fill("t1", models.SideBuy, "0.99", "10"))

	realized, _ := tr.ApplyFill(fill("t2", models.SideSell, "1.01", "10"))
	if !realized.Equal(dec("0.2")) {
		t.Errorf("realized = %s, want 0.2", realized)
	}

	pos := tr.Snapshot()
	if !pos.Flat() {
		t.Errorf("position should be flat, qty = %s", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(dec("0.2")) {
		t.Errorf("cumulative realized = %s, want 0.2", pos.RealizedPnL)
	}
	if !pos.AvgEntryPrice.IsZero() {
		t.Errorf("flat position must clear avg entry, got %s", pos.AvgEntryPrice)
	}
}

func TestApplyFillShortSideRealized(t *testing.T) {
	tr := NewTracker(decimal.Zero)
	tr.ApplyFill(fill("t1", models.SideSell, "1.01", "10"))

	realized, _ := tr.ApplyFill(fill("t2", models.SideBuy, "0.99", "10"))
	if !realized.Equal(dec("0.2")) {
		t.Errorf("short realized = %s, want 0.2", realized)
	}
}

func TestApplyFillFlip(t *testing.T) {
	tr := NewTracker(decimal.Zero)
	tr.ApplyFill(fill("t1", models.SideBuy, "1.00", "10"))

	realized, _ := tr.ApplyFill(fill("t2", models.SideSell, "1.02", "15"))
	if !realized.Equal(dec("0.2")) {
		t.Errorf("flip realized = %s, want 0.2 from the closed 10", realized)
	}

	pos := tr.Snapshot()
	if !pos.Qty.Equal(dec("-5")) {
		t.Errorf("qty after flip = %s, want -5", pos.Qty)
	}
	if !pos.AvgEntryPrice.Equal(dec("1.02")) {
		t.Errorf("remainder must open at fill price, got %s", pos.AvgEntryPrice)
	}
}

func TestReconcileDrift(t *testing.T) {
	tr := NewTracker(dec("0.5"))
	tr.ApplyFill(fill("t1", models.SideBuy, "1.00", "10"))

	if drift, within := tr.Reconcile(dec("10.3")); !within {
		t.Errorf("drift %s within tolerance must pass", drift)
	}
	drift, within := tr.Reconcile(dec("12"))
	if within {
		t.Error("drift of 2 must exceed tolerance 0.5")
	}
	if !drift.Equal(dec("2")) {
		t.Errorf("drift = %s, want 2", drift)
	}
	// Reconcile never corrects the tracked quantity.
	if !tr.Snapshot().Qty.Equal(dec("10")) {
		t.Error("reconcile must not overwrite the tracked position")
	}
}

func TestSeedPreservesRealized(t *testing.T) {
	tr := NewTracker(decimal.Zero)
	tr.ApplyFill(fill("t1", models.SideBuy, "1.00", "10"))
	tr.ApplyFill(fill("t2", models.SideSell, "1.01", "10"))

	tr.Seed(models.Position{Qty: dec("-3"), AvgEntryPrice: dec("1.05")})

	pos := tr.Snapshot()
	if !pos.Qty.Equal(dec("-3")) || !pos.AvgEntryPrice.Equal(dec("1.05")) {
		t.Errorf("seed not applied: %+v", pos)
	}
	if !pos.RealizedPnL.Equal(dec("0.1")) {
		t.Errorf("seed must preserve realized pnl, got %s", pos.RealizedPnL)
	}
}
