package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LadderCounts breaks the ladder down by level state.
type LadderCounts struct {
	Planned         int `json:"planned"`
	Placing         int `json:"placing"`
	Resting         int `json:"resting"`
	PartiallyFilled int `json:"partially_filled"`
	Filled          int `json:"filled"`
	Cancelling      int `json:"cancelling"`
	Cancelled       int `json:"cancelled"`
	Failed          int `json:"failed"`
}

// Total returns the number of levels across all states.
func (c LadderCounts) Total() int {
	return c.Planned + c.Placing + c.Resting + c.PartiallyFilled +
		c.Filled + c.Cancelling + c.Cancelled + c.Failed
}

// TradeStats aggregates applied fills for reporting.
type TradeStats struct {
	TotalTrades int             `json:"total_trades"`
	BuyTrades   int             `json:"buy_trades"`
	SellTrades  int             `json:"sell_trades"`
	TradedQty   decimal.Decimal `json:"traded_qty"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
}

// SummarySnapshot is a point-in-time copy of engine state. It is immutable
// once written: one per scheduled run, persisted under a date-keyed
// identifier and never mutated afterwards.
type SummarySnapshot struct {
	Date          string          `json:"date"`
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol"`
	SessionID     string          `json:"session_id"`
	Generation    int64           `json:"generation"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Position      Position        `json:"position"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	EquityPeak    decimal.Decimal `json:"equity_peak"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	OpenOrders    int             `json:"open_orders"`
	Ladder        LadderCounts    `json:"ladder"`
	Trades        TradeStats      `json:"trades"`
	RiskState     string          `json:"risk_state"`
	LastError     string          `json:"last_error,omitempty"`
	Uptime        time.Duration   `json:"uptime_ns"`
}
