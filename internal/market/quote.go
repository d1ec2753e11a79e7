package market

import "math"

// Side is the player's side of an exchange.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Quote is a two-sided price at one tick.
type Quote struct {
	Tick  uint64  `json:"tick"`
	Price float64 `json:"price"`
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
}

// NewQuote prices both sides of mid at the given spread fraction.
func NewQuote(tick uint64, mid, spread float64) Quote {
	return Quote{
		Tick:  tick,
		Price: mid,
		Bid:   mid * (1 - spread),
		Ask:   mid * (1 + spread),
	}
}

// For returns the executable unit price for side: buyers pay the ask and
// sellers receive the bid.
func (q Quote) For(side Side) float64 {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// Admits reports whether unitPrice executes on side within tolerance,
// relative to the quoted price.
func (q Quote) Admits(side Side, unitPrice, tolerance float64) bool {
	want := q.For(side)
	return math.Abs(unitPrice-want) <= tolerance*math.Max(1, want)
}
