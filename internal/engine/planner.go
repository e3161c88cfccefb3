package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/models"
)

// SpacingAdjust widens one side of the ladder. The trend signal produces
// these; the identity adjustment leaves the configured spacing untouched.
type SpacingAdjust struct {
	BuyMult  decimal.Decimal
	SellMult decimal.Decimal
}

func IdentityAdjust() SpacingAdjust {
	one := decimal.NewFromInt(1)
	return SpacingAdjust{BuyMult: one, SellMult: one}
}

// Planner derives the desired ladder from a reference price. It is pure:
// the same inputs always produce the same ladder, and it holds no state
// about what is resting on the venue.
type Planner struct {
	levelsPerSide int
	spacingMode   string
	spacing       decimal.Decimal
	orderSize     decimal.Decimal
	replanBand    decimal.Decimal
	priceTick     decimal.Decimal
	qtyStep       decimal.Decimal
}

func NewPlanner(cfg *appconfig.Config) (*Planner, error) {
	spacing, err := decimal.NewFromString(cfg.Grid.Spacing)
	if err != nil {
		return nil, fmt.Errorf("invalid grid.spacing %q: %w", cfg.Grid.Spacing, err)
	}
	if spacing.Sign() <= 0 {
		return nil, fmt.Errorf("grid.spacing must be positive, got %s", spacing)
	}

	size, err := decimal.NewFromString(cfg.Grid.OrderSize)
	if err != nil {
		return nil, fmt.Errorf("invalid grid.order_size %q: %w", cfg.Grid.OrderSize, err)
	}
	if size.Sign() <= 0 {
		return nil, fmt.Errorf("grid.order_size must be positive, got %s", size)
	}

	if cfg.Grid.LevelsPerSide <= 0 {
		return nil, fmt.Errorf("grid.levels_per_side must be positive, got %d", cfg.Grid.LevelsPerSide)
	}
	if cfg.Grid.MaxLevels > 0 && cfg.Grid.LevelsPerSide > cfg.Grid.MaxLevels {
		return nil, fmt.Errorf("grid.levels_per_side %d exceeds grid.max_levels %d",
			cfg.Grid.LevelsPerSide, cfg.Grid.MaxLevels)
	}

	band := decimal.NewFromInt(1)
	if cfg.Grid.ReplanBandMult != "" {
		band, err = decimal.NewFromString(cfg.Grid.ReplanBandMult)
		if err != nil {
			return nil, fmt.Errorf("invalid grid.replan_band_mult %q: %w", cfg.Grid.ReplanBandMult, err)
		}
		if band.Sign() <= 0 {
			return nil, fmt.Errorf("grid.replan_band_mult must be positive, got %s", band)
		}
	}

	p := &Planner{
		levelsPerSide: cfg.Grid.LevelsPerSide,
		spacingMode:   cfg.Grid.SpacingMode,
		spacing:       spacing,
		orderSize:     size,
		replanBand:    band,
	}

	if cfg.Instrument.PriceTick != "" {
		p.priceTick, err = decimal.NewFromString(cfg.Instrument.PriceTick)
		if err != nil {
			return nil, fmt.Errorf("invalid instrument.price_tick %q: %w", cfg.Instrument.PriceTick, err)
		}
	}
	if cfg.Instrument.QtyStep != "" {
		p.qtyStep, err = decimal.NewFromString(cfg.Instrument.QtyStep)
		if err != nil {
			return nil, fmt.Errorf("invalid instrument.qty_step %q: %w", cfg.Instrument.QtyStep, err)
		}
	}

	return p, nil
}

// Plan builds the full ladder around ref for the given generation. Buy
// levels carry negative indices, sells positive; depth 1 is closest to
// the reference price.
func (p *Planner) Plan(ref decimal.Decimal, generation int64, adjust SpacingAdjust) []*models.GridLevel {
	levels := make([]*models.GridLevel, 0, 2*p.levelsPerSide)

	for depth := 1; depth <= p.levelsPerSide; depth++ {
		d := decimal.NewFromInt(int64(depth))

		buyOffset := p.stepAt(ref).Mul(d).Mul(adjust.BuyMult)
		sellOffset := p.stepAt(ref).Mul(d).Mul(adjust.SellMult)

		levels = append(levels, &models.GridLevel{
			Index:      -depth,
			Side:       models.SideBuy,
			Price:      p.snapPrice(ref.Sub(buyOffset)),
			Size:       p.snapQty(p.orderSize),
			State:      models.LevelPlanned,
			Generation: generation,
		})
		levels = append(levels, &models.GridLevel{
			Index:      depth,
			Side:       models.SideSell,
			Price:      p.snapPrice(ref.Add(sellOffset)),
			Size:       p.snapQty(p.orderSize),
			State:      models.LevelPlanned,
			Generation: generation,
		})
	}

	return levels
}

// NeedsReplan reports whether ref has drifted out of the band the ladder
// was planned around. The band is replan_band_mult grid steps around the
// midpoint of the innermost levels.
func (p *Planner) NeedsReplan(ref decimal.Decimal, ladder []*models.GridLevel) bool {
	var innerBuy, innerSell *models.GridLevel
	for _, l := range ladder {
		switch l.Index {
		case -1:
			innerBuy = l
		case 1:
			innerSell = l
		}
	}
	if innerBuy == nil || innerSell == nil {
		return true
	}

	center := innerBuy.Price.Add(innerSell.Price).Div(decimal.NewFromInt(2))
	band := p.stepAt(ref).Mul(p.replanBand)
	return ref.Sub(center).Abs().GreaterThan(band)
}

// OrderSize exposes the per-level size for exposure accounting.
func (p *Planner) OrderSize() decimal.Decimal {
	return p.orderSize
}

// stepAt converts the configured spacing into price units at ref.
func (p *Planner) stepAt(ref decimal.Decimal) decimal.Decimal {
	if p.spacingMode == "absolute" {
		return p.spacing
	}
	return ref.Mul(p.spacing)
}

func (p *Planner) snapPrice(price decimal.Decimal) decimal.Decimal {
	return snapToStep(price, p.priceTick)
}

func (p *Planner) snapQty(qty decimal.Decimal) decimal.Decimal {
	return snapToStep(qty, p.qtyStep)
}

func snapToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}
