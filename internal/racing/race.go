package racing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Runner is a single entrant on the race card.
type Runner struct {
	Number     int             `json:"number"`
	Name       string          `json:"name"`
	Barrier    string          `json:"barrier,omitempty"`
	Weight     string          `json:"weight,omitempty"`
	Jockey     string          `json:"jockey,omitempty"`
	Trainer    string          `json:"trainer,omitempty"`
	Form       string          `json:"form,omitempty"`
	FixedWin   decimal.Decimal `json:"fixed_win"`
	FixedPlace decimal.Decimal `json:"fixed_place"`
	ToteWin    decimal.Decimal `json:"tote_win"`
	TotePlace  decimal.Decimal `json:"tote_place"`
}

// Race is one timed event as published by the source. The start time, once
// recorded for scheduling, is immutable: trigger and check windows are always
// computed from the time captured here, not from later source revisions.
type Race struct {
	ID        string    `json:"id"`
	Course    string    `json:"course"`
	Number    int       `json:"number"`
	Name      string    `json:"name,omitempty"`
	Distance  string    `json:"distance,omitempty"`
	Going     string    `json:"going,omitempty"`
	Start     StartTime `json:"start_time"`
	Runners   []Runner  `json:"runners,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
}

// Label renders the conventional "Ascot R4" style identifier.
func (r *Race) Label() string {
	return fmt.Sprintf("%s R%d", r.Course, r.Number)
}

// Runner looks up an entrant by saddle number.
func (r *Race) Runner(number int) (Runner, bool) {
	for _, runner := range r.Runners {
		if runner.Number == number {
			return runner, true
		}
	}
	return Runner{}, false
}
