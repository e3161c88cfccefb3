package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus mirrors the venue's order lifecycle as seen by the engine.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Open reports whether the order can still trade.
func (s OrderStatus) Open() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// Order is the engine's view of a single venue order. ExchangeOrderID is
// empty until the venue acknowledges the placement.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	LevelIndex      int
	Generation      int64
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	ReduceOnly      bool
	Status          OrderStatus
	UpdatedAt       time.Time
}

// Fill is a single execution reported by the venue. ID is the venue's
// execution identifier and is the idempotency key for position accounting:
// the stream delivers at least once, so the same fill may arrive more than
// once.
type Fill struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	Timestamp     time.Time
}

// SignedQty returns the position delta of the fill: positive for buys,
// negative for sells.
func (f Fill) SignedQty() decimal.Decimal {
	if f.Side == SideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}

// TradeRecord is the archival row written for every applied fill. It feeds
// the daily summary statistics and the parquet trade archive.
type TradeRecord struct {
	FillID        string          `json:"fill_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Fee           decimal.Decimal `json:"fee"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	LevelIndex    int             `json:"level_index"`
	Generation    int64           `json:"generation"`
	ClientOrderID string          `json:"client_order_id"`
}
