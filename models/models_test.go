package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClientOrderIDRoundTrip(t *testing.T) {
	cases := []struct {
		generation int64
		index      int
		want       string
	}{
		{1, -1, "gf-1-b1"},
		{1, 1, "gf-1-s1"},
		{42, -3, "gf-42-b3"},
		{42, 7, "gf-42-s7"},
	}

	for _, c := range cases {
		id := FormatClientOrderID(c.generation, c.index)
		if id != c.want {
			t.Errorf("FormatClientOrderID(%d, %d) = %q, want %q", c.generation, c.index, id, c.want)
		}
		gen, idx, ok := ParseClientOrderID(id)
		if !ok {
			t.Fatalf("ParseClientOrderID(%q) failed", id)
		}
		if gen != c.generation || idx != c.index {
			t.Errorf("ParseClientOrderID(%q) = (%d, %d), want (%d, %d)", id, gen, idx, c.generation, c.index)
		}
	}
}

func TestParseClientOrderIDForeign(t *testing.T) {
	foreign := []string{
		"",
		"web_abc123",
		"gf-1-x3",
		"gf-1-b0",
		"gf--b1",
		"x_gf-1-b1",
		"gf-1-b1-extra",
	}
	for _, id := range foreign {
		if _, _, ok := ParseClientOrderID(id); ok {
			t.Errorf("ParseClientOrderID(%q) accepted a foreign id", id)
		}
	}
}

func TestLevelStatePredicates(t *testing.T) {
	if !LevelFilled.Terminal() || !LevelCancelled.Terminal() || !LevelFailed.Terminal() {
		t.Error("expected filled/cancelled/failed to be terminal")
	}
	if LevelResting.Terminal() {
		t.Error("resting must not be terminal")
	}
	if !LevelPlacing.Pending() || !LevelCancelling.Pending() {
		t.Error("placing/cancelling must be pending")
	}
	if LevelResting.Pending() {
		t.Error("resting must not be pending")
	}
}

func TestFillSignedQty(t *testing.T) {
	buy := Fill{Side: SideBuy, Quantity: decimal.NewFromInt(10), Timestamp: time.Now()}
	if !buy.SignedQty().Equal(decimal.NewFromInt(10)) {
		t.Errorf("buy signed qty = %s", buy.SignedQty())
	}
	sell := Fill{Side: SideSell, Quantity: decimal.NewFromInt(10)}
	if !sell.SignedQty().Equal(decimal.NewFromInt(-10)) {
		t.Errorf("sell signed qty = %s", sell.SignedQty())
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	p := Position{Qty: decimal.NewFromInt(4), AvgEntryPrice: decimal.RequireFromString("0.99")}
	mark := decimal.RequireFromString("1.01")
	got := p.UnrealizedPnL(mark)
	if !got.Equal(decimal.RequireFromString("0.08")) {
		t.Errorf("unrealized pnl = %s, want 0.08", got)
	}

	short := Position{Qty: decimal.NewFromInt(-4), AvgEntryPrice: decimal.RequireFromString("1.01")}
	got = short.UnrealizedPnL(decimal.RequireFromString("0.99"))
	if !got.Equal(decimal.RequireFromString("0.08")) {
		t.Errorf("short unrealized pnl = %s, want 0.08", got)
	}

	flat := Position{}
	if !flat.UnrealizedPnL(mark).IsZero() {
		t.Error("flat position must have zero unrealized pnl")
	}
}

func TestSideForIndex(t *testing.T) {
	if SideForIndex(-2) != SideBuy {
		t.Error("negative index must be buy")
	}
	if SideForIndex(2) != SideSell {
		t.Error("positive index must be sell")
	}
}
