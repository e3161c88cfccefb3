package signal

import (
	"math"

	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/logger"
	"gridflow/models"
)

// Direction is the trend verdict used to widen one side of the ladder.
type Direction int

const (
	Neutral Direction = iota
	StrongUp
	StrongDown
)

func (d Direction) String() string {
	switch d {
	case StrongUp:
		return "strong_up"
	case StrongDown:
		return "strong_down"
	default:
		return "neutral"
	}
}

// Verdict is one trend evaluation over a candle window.
type Verdict struct {
	Direction Direction
	ADX       float64
	EMAShort  float64
	EMAMedium float64
	EMALong   float64
}

// Trend detects a directional market from EMA alignment confirmed by ADX.
// It is pure computation over candles; fetching and scheduling belong to
// the caller.
type Trend struct {
	emaShort     int
	emaMedium    int
	emaLong      int
	adxPeriod    int
	adxThreshold float64
	log          *logger.Log
}

func NewTrend(cfg *appconfig.Config) *Trend {
	t := &Trend{
		emaShort:     cfg.Signal.EMAShort,
		emaMedium:    cfg.Signal.EMAMedium,
		emaLong:      cfg.Signal.EMALong,
		adxPeriod:    cfg.Signal.ADXPeriod,
		adxThreshold: cfg.Signal.ADXThreshold,
		log:          logger.GetLogger(),
	}
	if t.emaShort <= 0 {
		t.emaShort = 20
	}
	if t.emaMedium <= 0 {
		t.emaMedium = 50
	}
	if t.emaLong <= 0 {
		t.emaLong = 200
	}
	if t.adxPeriod <= 0 {
		t.adxPeriod = 14
	}
	if t.adxThreshold <= 0 {
		t.adxThreshold = 25
	}
	return t
}

// MinCandles is the smallest window Evaluate can work with.
func (t *Trend) MinCandles() int {
	n := t.emaLong
	if a := 2 * t.adxPeriod; a > n {
		n = a
	}
	return n + 1
}

// Evaluate classifies the market over the candle window. A trend needs
// both EMA alignment (short over medium over long, or the reverse) and
// ADX at or above the threshold; anything else is neutral.
func (t *Trend) Evaluate(candles []models.Candle) Verdict {
	if len(candles) < t.MinCandles() {
		return Verdict{Direction: Neutral}
	}

	short := EMA(candles, t.emaShort)
	medium := EMA(candles, t.emaMedium)
	long := EMA(candles, t.emaLong)
	adx := ADX(candles, t.adxPeriod)

	last := len(candles) - 1
	v := Verdict{
		ADX:       adx[last],
		EMAShort:  short[last],
		EMAMedium: medium[last],
		EMALong:   long[last],
	}

	if math.IsNaN(v.EMAShort) || math.IsNaN(v.EMAMedium) || math.IsNaN(v.EMALong) {
		return v
	}
	if v.ADX < t.adxThreshold {
		return v
	}

	switch {
	case v.EMAShort > v.EMAMedium && v.EMAMedium > v.EMALong:
		v.Direction = StrongUp
	case v.EMAShort < v.EMAMedium && v.EMAMedium < v.EMALong:
		v.Direction = StrongDown
	}

	if v.Direction != Neutral {
		t.log.WithComponent("trend_signal").WithFields(logger.Fields{
			"direction": v.Direction.String(),
			"adx":       v.ADX,
		}).Info("directional market detected")
	}
	return v
}

// WindowMovePct returns the signed percentage move of the close over the
// last window candles. Zero when there is not enough data.
func WindowMovePct(candles []models.Candle, window int) decimal.Decimal {
	if window <= 0 || len(candles) <= window {
		return decimal.Zero
	}
	last := candles[len(candles)-1].Close
	base := candles[len(candles)-1-window].Close
	if base == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat((last - base) / base * 100)
}

// EMA returns the n-period exponential moving average of Close, aligned
// to the input. Indices before the first full window are NaN. The first
// value is seeded with the simple average of the window.
func EMA(c []models.Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) < n {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	var sum float64
	for i := 0; i < n; i++ {
		out[i] = math.NaN()
		sum += c[i].Close
	}
	out[n-1] = sum / float64(n)

	k := 2.0 / float64(n+1)
	for i := n; i < len(c); i++ {
		out[i] = c[i].Close*k + out[i-1]*(1-k)
	}
	return out
}

// ADX returns the n-period Average Directional Index with Wilder's
// smoothing, aligned to the input. Indices before 2n are zero.
func ADX(c []models.Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) < 2*n+1 {
		return out
	}

	var smTR, smPlusDM, smMinusDM float64
	dx := make([]float64, len(c))

	for i := 1; i < len(c); i++ {
		highDiff := c[i].High - c[i-1].High
		lowDiff := c[i-1].Low - c[i].Low

		plusDM := 0.0
		if highDiff > lowDiff && highDiff > 0 {
			plusDM = highDiff
		}
		minusDM := 0.0
		if lowDiff > highDiff && lowDiff > 0 {
			minusDM = lowDiff
		}

		tr := math.Max(c[i].High-c[i].Low,
			math.Max(math.Abs(c[i].High-c[i-1].Close), math.Abs(c[i].Low-c[i-1].Close)))

		if i <= n {
			smTR += tr
			smPlusDM += plusDM
			smMinusDM += minusDM
			if i < n {
				continue
			}
		} else {
			// Wilder smoothing
			smTR = smTR - smTR/float64(n) + tr
			smPlusDM = smPlusDM - smPlusDM/float64(n) + plusDM
			smMinusDM = smMinusDM - smMinusDM/float64(n) + minusDM
		}

		if smTR == 0 {
			continue
		}
		plusDI := 100 * smPlusDM / smTR
		minusDI := 100 * smMinusDM / smTR
		if plusDI+minusDI == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)

		if i == 2*n {
			var sum float64
			for j := n + 1; j <= 2*n; j++ {
				sum += dx[j]
			}
			out[i] = sum / float64(n)
		} else if i > 2*n {
			out[i] = (out[i-1]*float64(n-1) + dx[i]) / float64(n)
		}
	}
	return out
}
