package channel

import (
	"context"
	"sync"

	"gridflow/logger"
	"gridflow/models"
)

// ChannelStats counts traffic through a bundle.
type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// FillChannels carries executions from the gateway streams into the engine.
// Sends never block the stream reader: when the engine falls behind the
// fill is dropped and counted. A dropped fill shows up as position drift
// on the next reconcile pass, which suspends trading for operator review.
type FillChannels struct {
	Events chan models.Fill

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// TradeChannels carries applied trade records from the engine to the
// archive writer.
type TradeChannels struct {
	Records chan models.TradeRecord

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// Channels bundles every inter-component channel of the process.
type Channels struct {
	Fills  *FillChannels
	Trades *TradeChannels
}

func NewChannels(fillBufferSize, tradeBufferSize int) *Channels {
	return &Channels{
		Fills:  NewFillChannels(fillBufferSize),
		Trades: NewTradeChannels(tradeBufferSize),
	}
}

func (c *Channels) Close() {
	if c.Fills != nil {
		c.Fills.Close()
	}
	if c.Trades != nil {
		c.Trades.Close()
	}
}

func NewFillChannels(bufferSize int) *FillChannels {
	log := logger.GetLogger()
	c := &FillChannels{
		Events: make(chan models.Fill, bufferSize),
		log:    log,
	}

	log.WithComponent("fill_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("fill channels initialized")

	return c
}

func (c *FillChannels) Close() {
	close(c.Events)
	c.log.WithComponent("fill_channels").Info("fill channels closed")
}

func (c *FillChannels) Send(ctx context.Context, fill models.Fill) bool {
	select {
	case c.Events <- fill:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("fill_events", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		c.log.WithComponent("fill_channels").WithFields(logger.Fields{
			"fill_id": fill.ID,
		}).Warn("fill channel full, event dropped")
		return false
	}
}

func (c *FillChannels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func NewTradeChannels(bufferSize int) *TradeChannels {
	log := logger.GetLogger()
	c := &TradeChannels{
		Records: make(chan models.TradeRecord, bufferSize),
		log:     log,
	}

	log.WithComponent("trade_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("trade channels initialized")

	return c
}

func (c *TradeChannels) Close() {
	close(c.Records)
	c.log.WithComponent("trade_channels").Info("trade channels closed")
}

func (c *TradeChannels) Send(ctx context.Context, rec models.TradeRecord) bool {
	select {
	case c.Records <- rec:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("trade_records", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *TradeChannels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
