package models

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or grid level.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// LevelState tracks a grid level through its lifecycle. A level is owned
// exclusively by the reconciler; once Filled or Cancelled it is immutable
// except for archival.
type LevelState string

const (
	LevelPlanned         LevelState = "PLANNED"
	LevelPlacing         LevelState = "PLACING"
	LevelResting         LevelState = "RESTING"
	LevelPartiallyFilled LevelState = "PARTIALLY_FILLED"
	LevelFilled          LevelState = "FILLED"
	LevelCancelling      LevelState = "CANCELLING"
	LevelCancelled       LevelState = "CANCELLED"
	LevelFailed          LevelState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s LevelState) Terminal() bool {
	switch s {
	case LevelFilled, LevelCancelled, LevelFailed:
		return true
	}
	return false
}

// Pending reports whether a mutation is in flight for the level. A pending
// level blocks any further place/cancel action until the exchange
// acknowledges or a status re-query resolves it.
func (s LevelState) Pending() bool {
	return s == LevelPlacing || s == LevelCancelling
}

// GridLevel is one rung of the ladder. Index is negative for buy levels and
// positive for sell levels; its absolute value is the depth from the
// reference price, starting at 1.
type GridLevel struct {
	Index      int
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	State      LevelState
	Generation int64
	Order      *Order
	Attempts   int
}

// Depth returns the distance of the level from the reference price.
func (l *GridLevel) Depth() int {
	if l.Index < 0 {
		return -l.Index
	}
	return l.Index
}

// ClientOrderID derives the deterministic client order identifier for the
// level within its generation. Re-issuing the same (level, generation)
// after a crash produces the same identifier, so the venue detects the
// duplicate instead of accepting a second order.
func (l *GridLevel) ClientOrderID() string {
	return FormatClientOrderID(l.Generation, l.Index)
}

const clientOrderIDPrefix = "gf"

var clientOrderIDPattern = regexp.MustCompile(`^gf-(\d+)-([bs])(\d+)$`)

// FormatClientOrderID encodes (generation, level index) into a client order
// identifier. The format stays within the venue's 36-character limit.
func FormatClientOrderID(generation int64, index int) string {
	code := 's'
	depth := index
	if index < 0 {
		code = 'b'
		depth = -index
	}
	return fmt.Sprintf("%s-%d-%c%d", clientOrderIDPrefix, generation, code, depth)
}

// ParseClientOrderID decodes a client order identifier produced by
// FormatClientOrderID. Identifiers that do not match the pattern belong to
// another bot or an older deployment and are treated as foreign.
func ParseClientOrderID(id string) (generation int64, index int, ok bool) {
	m := clientOrderIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, false
	}
	gen, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	depth, err := strconv.Atoi(m[3])
	if err != nil || depth == 0 {
		return 0, 0, false
	}
	if m[2] == "b" {
		return gen, -depth, true
	}
	return gen, depth, true
}

// SideForIndex returns the side implied by a level index.
func SideForIndex(index int) Side {
	if index < 0 {
		return SideBuy
	}
	return SideSell
}
