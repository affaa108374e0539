package settlement

import (
	"testing"

	"github.com/shopspring/decimal"

	"race-agents/internal/racing"
)

func sampleResult() *racing.RaceResult {
	return &racing.RaceResult{
		RaceID: "ascot-r4",
		FinishingOrder: []racing.Placing{
			{Number: 5, Name: "First Light", FixedWin: decimal.NewFromFloat(3.5), FixedPlace: decimal.NewFromFloat(1.4)},
			{Number: 2, Name: "Second Wind", FixedWin: decimal.NewFromFloat(6.0), FixedPlace: decimal.NewFromFloat(2.1)},
			{Number: 9, Name: "Third Rail", FixedWin: decimal.NewFromFloat(12.0), FixedPlace: decimal.NewFromFloat(3.0)},
			{Number: 1, Name: "Fourth Estate", FixedWin: decimal.NewFromFloat(8.0), FixedPlace: decimal.NewFromFloat(2.5)},
		},
		Dividends: map[racing.BetType]decimal.Decimal{
			racing.BetExacta:   decimal.NewFromFloat(18.50),
			racing.BetQuinella: decimal.NewFromFloat(9.20),
			racing.BetTrifecta: decimal.NewFromFloat(145.00),
			racing.BetQPS:      decimal.NewFromFloat(4.80),
		},
	}
}

func TestSettleWinAndPlace(t *testing.T) {
	slip := &racing.BetSlip{
		Win:   &racing.WinBet{Runner: 5, Stake: decimal.NewFromInt(10)},
		Place: &racing.PlaceBet{Runner: 9, Stake: decimal.NewFromInt(10)},
	}
	st := Settle(slip, sampleResult(), nil)

	if len(st.Bets) != 2 {
		t.Fatalf("expected 2 settled bets, got %d", len(st.Bets))
	}
	if !st.Bets[0].Won || !st.Bets[0].Payout.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("win bet: won=%v payout=%s", st.Bets[0].Won, st.Bets[0].Payout)
	}
	if !st.Bets[1].Won || !st.Bets[1].Payout.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("place bet: won=%v payout=%s", st.Bets[1].Won, st.Bets[1].Payout)
	}
	if !st.Net.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("net = %s, want 45", st.Net)
	}
}

func TestSettleWinLoses(t *testing.T) {
	slip := &racing.BetSlip{
		Win: &racing.WinBet{Runner: 2, Stake: decimal.NewFromInt(10)},
	}
	st := Settle(slip, sampleResult(), nil)

	if st.Bets[0].Won {
		t.Fatal("runner 2 finished second, win bet must lose")
	}
	if !st.Net.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("net = %s, want -10", st.Net)
	}
}

func TestSettleExactaRequiresExactOrder(t *testing.T) {
	right := &racing.BetSlip{Exacta: &racing.ExactaBet{First: 5, Second: 2, Stake: decimal.NewFromInt(2)}}
	wrong := &racing.BetSlip{Exacta: &racing.ExactaBet{First: 2, Second: 5, Stake: decimal.NewFromInt(2)}}

	if st := Settle(right, sampleResult(), nil); !st.Bets[0].Won {
		t.Fatal("exacta 5-2 should win")
	}
	if st := Settle(wrong, sampleResult(), nil); st.Bets[0].Won {
		t.Fatal("exacta 2-5 should lose: order matters")
	}
}

func TestSettleQuinellaEitherOrder(t *testing.T) {
	slip := &racing.BetSlip{Quinella: &racing.QuinellaBet{Runners: []int{2, 5}, Stake: decimal.NewFromInt(5)}}
	st := Settle(slip, sampleResult(), nil)

	if !st.Bets[0].Won {
		t.Fatal("quinella 2,5 should win in either order")
	}
	if !st.Bets[0].Payout.Equal(decimal.NewFromInt(46)) {
		t.Fatalf("quinella payout = %s, want 46", st.Bets[0].Payout)
	}
}

func TestSettleTrifectaAndFirst4(t *testing.T) {
	tri := &racing.BetSlip{Trifecta: &racing.TrifectaBet{First: 5, Second: 2, Third: 9, Stake: decimal.NewFromInt(1)}}
	if st := Settle(tri, sampleResult(), nil); !st.Bets[0].Won {
		t.Fatal("trifecta 5-2-9 should win")
	}

	triWrong := &racing.BetSlip{Trifecta: &racing.TrifectaBet{First: 5, Second: 9, Third: 2, Stake: decimal.NewFromInt(1)}}
	if st := Settle(triWrong, sampleResult(), nil); st.Bets[0].Won {
		t.Fatal("trifecta 5-9-2 should lose")
	}

	f4 := &racing.BetSlip{First4: &racing.First4Bet{Runners: []int{5, 2, 9, 1}, Stake: decimal.NewFromInt(1)}}
	st := Settle(f4, sampleResult(), nil)
	if !st.Bets[0].Won {
		t.Fatal("first4 5-2-9-1 should win")
	}
	// first4 缺少派彩时赔付为零
	if !st.Bets[0].Payout.IsZero() {
		t.Fatalf("first4 has no dividend in pool, payout = %s", st.Bets[0].Payout)
	}
}

func TestSettleQPS(t *testing.T) {
	twoPlaced := &racing.BetSlip{QPS: &racing.QPSBet{Runners: []int{2, 9, 7}, Stake: decimal.NewFromInt(5)}}
	if st := Settle(twoPlaced, sampleResult(), nil); !st.Bets[0].Won {
		t.Fatal("qps with runners 2 and 9 in top three should win")
	}

	onePlaced := &racing.BetSlip{QPS: &racing.QPSBet{Runners: []int{5, 7, 8}, Stake: decimal.NewFromInt(5)}}
	if st := Settle(onePlaced, sampleResult(), nil); st.Bets[0].Won {
		t.Fatal("qps with a single placed runner should lose")
	}
}

func TestSettleDeterministic(t *testing.T) {
	slip := &racing.BetSlip{
		Win:      &racing.WinBet{Runner: 5, Stake: decimal.NewFromInt(10)},
		Quinella: &racing.QuinellaBet{Runners: []int{2, 5}, Stake: decimal.NewFromInt(5)},
	}
	first := Settle(slip, sampleResult(), nil)
	second := Settle(slip, sampleResult(), nil)

	if !first.Net.Equal(second.Net) || len(first.Bets) != len(second.Bets) {
		t.Fatal("settlement must be a pure function of slip and result")
	}
}
