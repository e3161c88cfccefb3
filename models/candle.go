package models

import "time"

// Candle is one OHLCV bar. Indicator math runs on float64; candles feed
// the trend signal only, never position accounting.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}
