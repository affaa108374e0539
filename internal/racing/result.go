package racing

import "github.com/shopspring/decimal"

// Placing is one runner's position in the official finishing order.
type Placing struct {
	Number     int             `json:"number"`
	Name       string          `json:"name,omitempty"`
	FixedWin   decimal.Decimal `json:"fixed_win"`
	FixedPlace decimal.Decimal `json:"fixed_place"`
}

// RaceResult is the settled result payload from the source. Dividends are
// keyed by bet type; a missing key means the pool was not declared.
type RaceResult struct {
	RaceID         string                      `json:"race_id"`
	FinishingOrder []Placing                   `json:"finishing_order"`
	Dividends      map[BetType]decimal.Decimal `json:"dividends,omitempty"`
}

// Settled reports whether the result carries a usable finishing order.
func (r *RaceResult) Settled() bool {
	return r != nil && len(r.FinishingOrder) > 0
}

// Position returns the 1-based finishing position of a runner, or 0.
func (r *RaceResult) Position(number int) int {
	for i, p := range r.FinishingOrder {
		if p.Number == number {
			return i + 1
		}
	}
	return 0
}
