package engine

import (
	"context"
	"sync"
	"testing"

	"gridflow/models"
)

func TestCancelAllOrdersIdempotent(t *testing.T) {
	gw := newFakeGateway("1.00")
	gw.setOrder(models.Order{ClientOrderID: "gf-1-b1", Side: models.SideBuy, Status: models.OrderNew})
	gw.setOrder(models.Order{ClientOrderID: "gf-1-s1", Side: models.SideSell, Status: models.OrderNew})

	c := NewCleanup(gw, &sync.Mutex{}, 3)
	ctx := context.Background()

	if err := c.CancelAllOrders(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if gw.openCount() != 0 {
		t.Fatalf("open orders = %d, want 0", gw.openCount())
	}

	// Second run over an empty book must also succeed.
	if err := c.CancelAllOrders(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestForceClosePosition(t *testing.T) {
	gw := newFakeGateway("1.00")
	gw.position = models.Position{Qty: dec("25"), AvgEntryPrice: dec("0.98")}

	c := NewCleanup(gw, &sync.Mutex{}, 3)
	ctx := context.Background()

	if err := c.ForceClosePosition(ctx); err != nil {
		t.Fatalf("ForceClosePosition: %v", err)
	}
	pos, _ := gw.Position(ctx)
	if !pos.Flat() {
		t.Errorf("position = %s, want flat", pos.Qty)
	}

	// Already flat: trivial success.
	if err := c.ForceClosePosition(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestForceClosePositionShort(t *testing.T) {
	gw := newFakeGateway("1.00")
	gw.position = models.Position{Qty: dec("-12"), AvgEntryPrice: dec("1.02")}

	c := NewCleanup(gw, &sync.Mutex{}, 3)
	if err := c.ForceClosePosition(context.Background()); err != nil {
		t.Fatalf("ForceClosePosition: %v", err)
	}
	if !gw.position.Flat() {
		t.Errorf("short position not flattened: %s", gw.position.Qty)
	}
}
