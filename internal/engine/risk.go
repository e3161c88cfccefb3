package engine

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/internal/metrics"
	"gridflow/logger"
	"gridflow/models"
)

// RiskInput is everything one risk evaluation looks at. TrendMovePct is
// the signed percentage move of the mark over the configured trend window;
// zero when the trend check is disabled or has no data yet.
type RiskInput struct {
	Position     models.Position
	Mark         decimal.Decimal
	TrendMovePct decimal.Decimal
}

// Guard evaluates risk limits against the live position. Its verdict is
// monotonic within a session: once it suspends or unwinds it never
// relaxes on its own, only Reset returns it to normal operation.
type Guard struct {
	mu sync.Mutex

	maxAbsPosition decimal.Decimal
	maxDrawdownPct decimal.Decimal
	hardStopLow    decimal.Decimal
	hardStopHigh   decimal.Decimal
	trendThreshold decimal.Decimal

	state      models.RiskAction
	equityPeak decimal.Decimal
	drawdown   decimal.Decimal
	reason     string

	log *logger.Log
}

func NewGuard(cfg *appconfig.Config) (*Guard, error) {
	g := &Guard{log: logger.GetLogger()}

	var err error
	if g.maxAbsPosition, err = parseRequired("risk.max_abs_position", cfg.Risk.MaxAbsPosition); err != nil {
		return nil, err
	}
	if g.maxDrawdownPct, err = parseOptional("risk.max_drawdown_pct", cfg.Risk.MaxDrawdownPct); err != nil {
		return nil, err
	}
	if g.hardStopLow, err = parseOptional("risk.hard_stop_low", cfg.Risk.HardStopLow); err != nil {
		return nil, err
	}
	if g.hardStopHigh, err = parseOptional("risk.hard_stop_high", cfg.Risk.HardStopHigh); err != nil {
		return nil, err
	}
	if g.trendThreshold, err = parseOptional("risk.trend_threshold_pct", cfg.Risk.TrendThresholdPct); err != nil {
		return nil, err
	}

	return g, nil
}

// Evaluate applies every limit and returns the session verdict. The
// returned action is at least as severe as every previous one.
func (g *Guard) Evaluate(in RiskInput) models.RiskAction {
	g.mu.Lock()
	defer g.mu.Unlock()

	equity := in.Position.RealizedPnL.Add(in.Position.UnrealizedPnL(in.Mark))
	if equity.GreaterThan(g.equityPeak) {
		g.equityPeak = equity
	}
	g.drawdown = g.equityPeak.Sub(equity)

	if !g.hardStopLow.IsZero() && in.Mark.LessThanOrEqual(g.hardStopLow) {
		g.escalate(models.ActionUnwindAll, fmt.Sprintf("mark %s at or below hard stop %s", in.Mark, g.hardStopLow))
	}
	if !g.hardStopHigh.IsZero() && in.Mark.GreaterThanOrEqual(g.hardStopHigh) {
		g.escalate(models.ActionUnwindAll, fmt.Sprintf("mark %s at or above hard stop %s", in.Mark, g.hardStopHigh))
	}

	if !g.trendThreshold.IsZero() && in.TrendMovePct.Abs().GreaterThan(g.trendThreshold) {
		g.escalate(models.ActionUnwindAll, fmt.Sprintf("trend move %s%% exceeds threshold %s%%", in.TrendMovePct, g.trendThreshold))
	}

	// Drawdown is measured against the notional the limits allow at
	// risk: max position times the current mark.
	if !g.maxDrawdownPct.IsZero() && !in.Mark.IsZero() {
		base := g.maxAbsPosition.Mul(in.Mark)
		limit := base.Mul(g.maxDrawdownPct).Div(decimal.NewFromInt(100))
		if g.drawdown.GreaterThan(limit) {
			g.escalate(models.ActionUnwindAll, fmt.Sprintf("drawdown %s exceeds limit %s", g.drawdown, limit))
		}
	}

	if in.Position.AbsQty().GreaterThanOrEqual(g.maxAbsPosition) {
		g.escalate(models.ActionSuspendNewOrders, fmt.Sprintf("position %s at or above max %s", in.Position.AbsQty(), g.maxAbsPosition))
	}

	return g.state
}

// AllowPlacement decides whether one more same-direction order may rest.
// The planned exposure of that side plus the position already pointing
// that way must stay within the position limit.
func (g *Guard) AllowPlacement(side models.Side, plannedExposure, posQty decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != models.ActionContinue {
		return false
	}

	directional := decimal.Zero
	if side == models.SideBuy && posQty.Sign() > 0 {
		directional = posQty
	}
	if side == models.SideSell && posQty.Sign() < 0 {
		directional = posQty.Neg()
	}

	return plannedExposure.Add(directional).LessThanOrEqual(g.maxAbsPosition)
}

// Suspend escalates to SuspendNewOrders. Used when position drift puts
// the internal accounting in doubt.
func (g *Guard) Suspend(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.escalate(models.ActionSuspendNewOrders, reason)
}

// ForceUnwind escalates straight to UnwindAll. Used by the shutdown path
// and by operators through the cleanup tool.
func (g *Guard) ForceUnwind(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.escalate(models.ActionUnwindAll, reason)
}

// Reset returns the guard to normal operation and restarts the equity
// peak. It is the only transition that reduces severity.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = models.ActionContinue
	g.equityPeak = decimal.Zero
	g.drawdown = decimal.Zero
	g.reason = ""
	g.log.WithComponent("risk_guard").Info("risk guard reset")
}

func (g *Guard) State() models.RiskAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// EquityStats returns the session equity peak and current drawdown.
func (g *Guard) EquityStats() (peak, drawdown decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.equityPeak, g.drawdown
}

// escalate raises the state if the new action is more severe. Caller
// holds the mutex.
func (g *Guard) escalate(to models.RiskAction, reason string) {
	if to <= g.state {
		return
	}
	g.state = to
	g.reason = reason
	metrics.IncrementRiskTransition(to.String())
	g.log.WithComponent("risk_guard").WithFields(logger.Fields{
		"action": to.String(),
		"reason": reason,
	}).Warn("risk state escalated")
}

func parseRequired(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s is required", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return d, nil
}

func parseOptional(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%s must not be negative, got %s", name, d)
	}
	return d, nil
}
