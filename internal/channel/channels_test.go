package channel

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

func TestFillChannelsSendAndDrop(t *testing.T) {
	c := NewFillChannels(1)
	defer c.Close()

	ctx := context.Background()
	fill := models.Fill{ID: "t1", Side: models.SideBuy, Quantity: decimal.NewFromInt(1)}

	if !c.Send(ctx, fill) {
		t.Fatal("first send should succeed")
	}
	// Buffer full now; sends must not block.
	if c.Send(ctx, models.Fill{ID: "t2"}) {
		t.Fatal("second send should drop")
	}

	stats := c.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	got := <-c.Events
	if got.ID != "t1" {
		t.Errorf("unexpected fill: %s", got.ID)
	}
}

func TestTradeChannelsStats(t *testing.T) {
	c := NewTradeChannels(2)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Send(ctx, models.TradeRecord{FillID: "f"})
	}

	stats := c.GetStats()
	if stats.Sent != 2 || stats.Dropped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestChannelsClose(t *testing.T) {
	c := NewChannels(1, 1)
	c.Close()

	if _, ok := <-c.Fills.Events; ok {
		t.Error("fill channel should be closed")
	}
	if _, ok := <-c.Trades.Records; ok {
		t.Error("trade channel should be closed")
	}
}
