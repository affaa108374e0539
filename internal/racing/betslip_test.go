package racing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBetSlipValidate(t *testing.T) {
	cases := []struct {
		name    string
		slip    BetSlip
		wantErr bool
	}{
		{
			name: "valid win and quinella",
			slip: BetSlip{
				Confidence: 0.7,
				Win:        &WinBet{Runner: 5, Stake: decimal.NewFromInt(10)},
				Quinella:   &QuinellaBet{Runners: []int{7, 2}, Stake: decimal.NewFromInt(5)},
			},
		},
		{
			name:    "confidence out of range",
			slip:    BetSlip{Confidence: 1.2},
			wantErr: true,
		},
		{
			name: "runner number out of range",
			slip: BetSlip{
				Confidence: 0.5,
				Win:        &WinBet{Runner: 31, Stake: decimal.NewFromInt(10)},
			},
			wantErr: true,
		},
		{
			name: "exacta duplicate runner",
			slip: BetSlip{
				Confidence: 0.5,
				Exacta:     &ExactaBet{First: 4, Second: 4, Stake: decimal.NewFromInt(5)},
			},
			wantErr: true,
		},
		{
			name: "first4 needs four runners",
			slip: BetSlip{
				Confidence: 0.5,
				First4:     &First4Bet{Runners: []int{1, 2, 3}, Stake: decimal.NewFromInt(1)},
			},
			wantErr: true,
		},
		{
			name: "qps five runners",
			slip: BetSlip{
				Confidence: 0.5,
				QPS:        &QPSBet{Runners: []int{1, 2, 3, 4, 5}, Stake: decimal.NewFromInt(5)},
			},
			wantErr: true,
		},
		{
			name: "qps two runners ok",
			slip: BetSlip{
				Confidence: 0.5,
				QPS:        &QPSBet{Runners: []int{9, 3}, Stake: decimal.NewFromInt(5)},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.slip.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestBetSlipValidateSortsUnorderedSelections(t *testing.T) {
	slip := BetSlip{
		Confidence: 0.5,
		Quinella:   &QuinellaBet{Runners: []int{7, 2}, Stake: decimal.NewFromInt(5)},
		QPS:        &QPSBet{Runners: []int{9, 3, 1}, Stake: decimal.NewFromInt(5)},
	}
	if err := slip.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slip.Quinella.Runners[0] != 2 || slip.Quinella.Runners[1] != 7 {
		t.Fatalf("quinella runners not sorted: %v", slip.Quinella.Runners)
	}
	if slip.QPS.Runners[0] != 1 || slip.QPS.Runners[2] != 9 {
		t.Fatalf("qps runners not sorted: %v", slip.QPS.Runners)
	}
}

func TestBetSlipTotalStake(t *testing.T) {
	slip := BetSlip{
		Win:      &WinBet{Runner: 1, Stake: decimal.NewFromInt(10)},
		Place:    &PlaceBet{Runner: 1, Stake: decimal.NewFromInt(5)},
		Trifecta: &TrifectaBet{First: 1, Second: 2, Third: 3, Stake: decimal.NewFromInt(2)},
	}
	if got := slip.TotalStake(); !got.Equal(decimal.NewFromInt(17)) {
		t.Fatalf("total stake = %s, want 17", got)
	}

	empty := BetSlip{}
	if empty.HasBets() {
		t.Fatal("empty slip should report no bets")
	}
	if !empty.TotalStake().IsZero() {
		t.Fatal("empty slip should stake zero")
	}
}
