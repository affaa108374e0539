// Package settlement evaluates bet slips against official race results.
// Match semantics per bet type are pluggable through the Rule table; the
// defaults follow tote conventions: exacta, trifecta and first4 require the
// exact finishing order, quinella is an unordered pair, place pays top three,
// qps pays when any two of the selection finish in the top three.
package settlement

import (
	"github.com/shopspring/decimal"

	"race-agents/internal/racing"
)

// BetOutcome is the settled state of one bet on a slip.
type BetOutcome struct {
	Type   racing.BetType  `json:"type"`
	Won    bool            `json:"won"`
	Stake  decimal.Decimal `json:"stake"`
	Payout decimal.Decimal `json:"payout"`
}

// Settlement aggregates all bet outcomes for one prediction.
type Settlement struct {
	Bets        []BetOutcome    `json:"bets"`
	TotalStaked decimal.Decimal `json:"total_staked"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Net         decimal.Decimal `json:"net"`
}

// Rule settles a single bet type. It returns nil when the slip carries no
// bet of that type.
type Rule func(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome

// DefaultRules maps every supported bet type to its settlement rule.
func DefaultRules() map[racing.BetType]Rule {
	return map[racing.BetType]Rule{
		racing.BetWin:      settleWin,
		racing.BetPlace:    settlePlace,
		racing.BetExacta:   settleExacta,
		racing.BetQuinella: settleQuinella,
		racing.BetTrifecta: settleTrifecta,
		racing.BetFirst4:   settleFirst4,
		racing.BetQPS:      settleQPS,
	}
}

// Settle evaluates the slip under the given rule table. Settlement is a pure
// function of slip and result, so re-running it yields identical output.
func Settle(slip *racing.BetSlip, result *racing.RaceResult, rules map[racing.BetType]Rule) Settlement {
	if rules == nil {
		rules = DefaultRules()
	}

	order := []racing.BetType{
		racing.BetWin, racing.BetPlace, racing.BetExacta, racing.BetQuinella,
		racing.BetTrifecta, racing.BetFirst4, racing.BetQPS,
	}

	settled := Settlement{
		TotalStaked: decimal.Zero,
		TotalPayout: decimal.Zero,
	}
	for _, bt := range order {
		rule, ok := rules[bt]
		if !ok {
			continue
		}
		outcome := rule(slip, result)
		if outcome == nil {
			continue
		}
		settled.Bets = append(settled.Bets, *outcome)
		settled.TotalStaked = settled.TotalStaked.Add(outcome.Stake)
		settled.TotalPayout = settled.TotalPayout.Add(outcome.Payout)
	}
	settled.Net = settled.TotalPayout.Sub(settled.TotalStaked)
	return settled
}

func settleWin(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.Win == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetWin, Stake: slip.Win.Stake, Payout: decimal.Zero}
	if result.Position(slip.Win.Runner) == 1 {
		out.Won = true
		out.Payout = slip.Win.Stake.Mul(winOdds(result, slip.Win.Runner))
	}
	return out
}

func settlePlace(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.Place == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetPlace, Stake: slip.Place.Stake, Payout: decimal.Zero}
	pos := result.Position(slip.Place.Runner)
	if pos >= 1 && pos <= 3 {
		out.Won = true
		out.Payout = slip.Place.Stake.Mul(placeOdds(result, slip.Place.Runner))
	}
	return out
}

func settleExacta(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.Exacta == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetExacta, Stake: slip.Exacta.Stake, Payout: decimal.Zero}
	if result.Position(slip.Exacta.First) == 1 && result.Position(slip.Exacta.Second) == 2 {
		out.Won = true
		out.Payout = dividendPayout(slip.Exacta.Stake, result, racing.BetExacta)
	}
	return out
}

func settleQuinella(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.Quinella == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetQuinella, Stake: slip.Quinella.Stake, Payout: decimal.Zero}
	if len(slip.Quinella.Runners) == 2 {
		a := result.Position(slip.Quinella.Runners[0])
		b := result.Position(slip.Quinella.Runners[1])
		if (a == 1 && b == 2) || (a == 2 && b == 1) {
			out.Won = true
			out.Payout = dividendPayout(slip.Quinella.Stake, result, racing.BetQuinella)
		}
	}
	return out
}

func settleTrifecta(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.Trifecta == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetTrifecta, Stake: slip.Trifecta.Stake, Payout: decimal.Zero}
	if result.Position(slip.Trifecta.First) == 1 &&
		result.Position(slip.Trifecta.Second) == 2 &&
		result.Position(slip.Trifecta.Third) == 3 {
		out.Won = true
		out.Payout = dividendPayout(slip.Trifecta.Stake, result, racing.BetTrifecta)
	}
	return out
}

func settleFirst4(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.First4 == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetFirst4, Stake: slip.First4.Stake, Payout: decimal.Zero}
	if len(slip.First4.Runners) == 4 {
		won := true
		for i, runner := range slip.First4.Runners {
			if result.Position(runner) != i+1 {
				won = false
				break
			}
		}
		if won {
			out.Won = true
			out.Payout = dividendPayout(slip.First4.Stake, result, racing.BetFirst4)
		}
	}
	return out
}

func settleQPS(slip *racing.BetSlip, result *racing.RaceResult) *BetOutcome {
	if slip.QPS == nil {
		return nil
	}
	out := &BetOutcome{Type: racing.BetQPS, Stake: slip.QPS.Stake, Payout: decimal.Zero}
	placed := 0
	for _, runner := range slip.QPS.Runners {
		if pos := result.Position(runner); pos >= 1 && pos <= 3 {
			placed++
		}
	}
	if placed >= 2 {
		out.Won = true
		out.Payout = dividendPayout(slip.QPS.Stake, result, racing.BetQPS)
	}
	return out
}

// winOdds prefers the fixed price captured in the result, falling back to
// nothing: a won bet with no declared price pays zero until corrected.
func winOdds(result *racing.RaceResult, runner int) decimal.Decimal {
	for _, p := range result.FinishingOrder {
		if p.Number == runner {
			return p.FixedWin
		}
	}
	return decimal.Zero
}

func placeOdds(result *racing.RaceResult, runner int) decimal.Decimal {
	for _, p := range result.FinishingOrder {
		if p.Number == runner {
			return p.FixedPlace
		}
	}
	return decimal.Zero
}

func dividendPayout(stake decimal.Decimal, result *racing.RaceResult, bt racing.BetType) decimal.Decimal {
	dividend, ok := result.Dividends[bt]
	if !ok {
		return decimal.Zero
	}
	return stake.Mul(dividend)
}
