package models

import "github.com/shopspring/decimal"

// Position is the engine's inventory in the traded instrument. Qty is
// signed: positive long, negative short. It is mutated only by the
// position tracker applying fill events.
type Position struct {
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// Flat reports whether there is no open inventory.
func (p Position) Flat() bool {
	return p.Qty.IsZero()
}

// AbsQty returns the unsigned position size.
func (p Position) AbsQty() decimal.Decimal {
	return p.Qty.Abs()
}

// UnrealizedPnL values the open inventory against a mark price.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgEntryPrice).Mul(p.Qty)
}

// RiskAction is the verdict of a risk evaluation, ordered by severity.
// Transitions within a session are one-directional; going back to
// ActionContinue requires an explicit reset.
type RiskAction int

const (
	ActionContinue RiskAction = iota
	ActionSuspendNewOrders
	ActionUnwindAll
)

func (a RiskAction) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionSuspendNewOrders:
		return "suspend_new_orders"
	case ActionUnwindAll:
		return "unwind_all"
	default:
		return "unknown"
	}
}
