package racing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// BetType identifies one of the supported tote bet categories.
type BetType string

const (
	BetWin      BetType = "win"
	BetPlace    BetType = "place"
	BetExacta   BetType = "exacta"
	BetQuinella BetType = "quinella"
	BetTrifecta BetType = "trifecta"
	BetFirst4   BetType = "first4"
	BetQPS      BetType = "qps"
)

const maxRunnerNumber = 30

// WinBet backs a runner to finish first.
type WinBet struct {
	Runner    int             `json:"runner"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// PlaceBet backs a runner to finish in the top three.
type PlaceBet struct {
	Runner    int             `json:"runner"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// ExactaBet nominates first and second in exact order.
type ExactaBet struct {
	First     int             `json:"first"`
	Second    int             `json:"second"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// QuinellaBet nominates first and second in either order.
type QuinellaBet struct {
	Runners   []int           `json:"runners"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// TrifectaBet nominates the first three in exact order.
type TrifectaBet struct {
	First     int             `json:"first"`
	Second    int             `json:"second"`
	Third     int             `json:"third"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// First4Bet nominates the first four in exact order.
type First4Bet struct {
	Runners   []int           `json:"runners"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// QPSBet (quinella place special) selects 2-4 runners; any two of them
// finishing in the top three wins.
type QPSBet struct {
	Runners   []int           `json:"runners"`
	Stake     decimal.Decimal `json:"stake"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// BetSlip is the structured recommendation a predictor produces for one race.
type BetSlip struct {
	RaceID     string       `json:"race_id"`
	Course     string       `json:"course"`
	RaceNumber int          `json:"race_number"`
	Summary    string       `json:"analysis_summary"`
	Confidence float64      `json:"confidence_score"`
	RiskLevel  string       `json:"risk_level,omitempty"`
	KeyFactors []string     `json:"key_factors,omitempty"`
	Win        *WinBet      `json:"win_bet,omitempty"`
	Place      *PlaceBet    `json:"place_bet,omitempty"`
	Exacta     *ExactaBet   `json:"exacta_bet,omitempty"`
	Quinella   *QuinellaBet `json:"quinella_bet,omitempty"`
	Trifecta   *TrifectaBet `json:"trifecta_bet,omitempty"`
	First4     *First4Bet   `json:"first4_bet,omitempty"`
	QPS        *QPSBet      `json:"qps_bet,omitempty"`
}

// Validate checks bounds and distinctness and normalises unordered
// selections (quinella and qps runners are kept sorted).
func (s *BetSlip) Validate() error {
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]", s.Confidence)
	}
	if s.Win != nil {
		if err := checkRunners([]int{s.Win.Runner}, 1); err != nil {
			return fmt.Errorf("win bet: %w", err)
		}
	}
	if s.Place != nil {
		if err := checkRunners([]int{s.Place.Runner}, 1); err != nil {
			return fmt.Errorf("place bet: %w", err)
		}
	}
	if s.Exacta != nil {
		if err := checkRunners([]int{s.Exacta.First, s.Exacta.Second}, 2); err != nil {
			return fmt.Errorf("exacta bet: %w", err)
		}
	}
	if s.Quinella != nil {
		if err := checkRunners(s.Quinella.Runners, 2); err != nil {
			return fmt.Errorf("quinella bet: %w", err)
		}
		sort.Ints(s.Quinella.Runners)
	}
	if s.Trifecta != nil {
		if err := checkRunners([]int{s.Trifecta.First, s.Trifecta.Second, s.Trifecta.Third}, 3); err != nil {
			return fmt.Errorf("trifecta bet: %w", err)
		}
	}
	if s.First4 != nil {
		if err := checkRunners(s.First4.Runners, 4); err != nil {
			return fmt.Errorf("first4 bet: %w", err)
		}
	}
	if s.QPS != nil {
		if len(s.QPS.Runners) < 2 || len(s.QPS.Runners) > 4 {
			return fmt.Errorf("qps bet: needs 2-4 runners, got %d", len(s.QPS.Runners))
		}
		if err := checkRunners(s.QPS.Runners, len(s.QPS.Runners)); err != nil {
			return fmt.Errorf("qps bet: %w", err)
		}
		sort.Ints(s.QPS.Runners)
	}
	return nil
}

func checkRunners(runners []int, want int) error {
	if len(runners) != want {
		return fmt.Errorf("needs %d runners, got %d", want, len(runners))
	}
	seen := make(map[int]struct{}, len(runners))
	for _, n := range runners {
		if n < 1 || n > maxRunnerNumber {
			return fmt.Errorf("runner number %d outside 1-%d", n, maxRunnerNumber)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("runner %d selected twice", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// TotalStake sums the stakes across all recommended bets.
func (s *BetSlip) TotalStake() decimal.Decimal {
	total := decimal.Zero
	if s.Win != nil {
		total = total.Add(s.Win.Stake)
	}
	if s.Place != nil {
		total = total.Add(s.Place.Stake)
	}
	if s.Exacta != nil {
		total = total.Add(s.Exacta.Stake)
	}
	if s.Quinella != nil {
		total = total.Add(s.Quinella.Stake)
	}
	if s.Trifecta != nil {
		total = total.Add(s.Trifecta.Stake)
	}
	if s.First4 != nil {
		total = total.Add(s.First4.Stake)
	}
	if s.QPS != nil {
		total = total.Add(s.QPS.Stake)
	}
	return total
}

// HasBets reports whether the slip recommends anything at all.
func (s *BetSlip) HasBets() bool {
	return s.Win != nil || s.Place != nil || s.Exacta != nil || s.Quinella != nil ||
		s.Trifecta != nil || s.First4 != nil || s.QPS != nil
}
