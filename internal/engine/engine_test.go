package engine

import (
	"context"
	"testing"
	"time"

	"gridflow/internal/channel"
	"gridflow/models"
)

func TestEngineStartRecoversAndSnapshots(t *testing.T) {
	gw := newFakeGateway("1.00")
	gw.position = models.Position{Qty: dec("3"), AvgEntryPrice: dec("0.97")}

	e, err := NewEngine(testConfig(), gw, channel.NewChannels(16, 16))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	snap := e.Snapshot()
	if snap.Symbol != "XRPUSDC" {
		t.Errorf("symbol = %s", snap.Symbol)
	}
	if snap.SessionID == "" {
		t.Error("snapshot must carry a session id")
	}
	if !snap.Position.Qty.Equal(dec("3")) {
		t.Errorf("position = %s, want 3 seeded from venue", snap.Position.Qty)
	}
	if snap.RiskState != models.ActionContinue.String() {
		t.Errorf("risk state = %s, want continue", snap.RiskState)
	}
}

func TestEngineStartTwiceFails(t *testing.T) {
	gw := newFakeGateway("1.00")
	e, err := NewEngine(testConfig(), gw, channel.NewChannels(16, 16))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.Start(ctx); err == nil {
		t.Error("second Start must fail")
	}
}

func TestEngineRetriesUnwindUntilVenueRecovers(t *testing.T) {
	gw := newFakeGateway("0.96")
	cfg := testConfig()
	cfg.Engine.TickInterval = 10 * time.Millisecond
	cfg.Risk.HardStopHigh = "0.95"
	cfg.Risk.FlattenOnUnwind = true

	for _, idx := range []int{-3, -2, -1, 1, 2, 3} {
		id := models.FormatClientOrderID(2, idx)
		gw.setOrder(models.Order{
			ClientOrderID: id, LevelIndex: idx, Generation: 2,
			Side: models.SideForIndex(idx), Price: dec("0.96"),
			Quantity: dec("10"), Status: models.OrderNew,
		})
		gw.rejectCancels[id] = true
	}
	gw.position = models.Position{Qty: dec("20"), AvgEntryPrice: dec("0.90")}

	e, err := NewEngine(cfg, gw, channel.NewChannels(16, 16))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// While the venue rejects cancels the unwind cannot complete; the
	// engine must keep retrying instead of halting with orders resting.
	time.Sleep(60 * time.Millisecond)
	if gw.openCount() == 0 {
		t.Fatal("rejected cancels cannot have emptied the venue")
	}

	gw.mu.Lock()
	gw.rejectCancels = make(map[string]bool)
	gw.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && gw.openCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if gw.openCount() != 0 {
		t.Errorf("open orders = %d, want 0 once the venue recovers", gw.openCount())
	}
	pos, _ := gw.Position(context.Background())
	if !pos.Flat() {
		t.Errorf("position = %s, want flat once the venue recovers", pos.Qty)
	}
}

func TestEngineShutdownCancelsOrders(t *testing.T) {
	gw := newFakeGateway("1.00")
	gw.setOrder(models.Order{ClientOrderID: "gf-1-b1", Side: models.SideBuy, Status: models.OrderNew})
	gw.position = models.Position{Qty: dec("5"), AvgEntryPrice: dec("0.99")}

	cfg := testConfig()
	cfg.Engine.FlattenOnExit = true

	e, err := NewEngine(cfg, gw, channel.NewChannels(16, 16))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if gw.openCount() != 0 {
		t.Errorf("open orders = %d, want 0 after shutdown", gw.openCount())
	}
	pos, _ := gw.Position(ctx)
	if !pos.Flat() {
		t.Errorf("position = %s, want flat with flatten_on_exit", pos.Qty)
	}
}
