package dispatch

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"race-agents/internal/bus"
	"race-agents/internal/racing"
	"race-agents/internal/settlement"
	"race-agents/internal/storage"
)

// briefPredictionMessage is the fallback when the stored record is missing.
func briefPredictionMessage(msg bus.PredictionPublished) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏇 <b>New prediction</b> (%s)\n", html.EscapeString(msg.Predictor))
	fmt.Fprintf(&b, "Race: %s\n", html.EscapeString(msg.RaceID))
	if msg.Summary != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", html.EscapeString(msg.Summary))
	}
	return b.String()
}

// predictionMessage renders the full HTML notice for one stored prediction.
func predictionMessage(rec storage.PredictionRecord) (string, error) {
	var slip racing.BetSlip
	if err := json.Unmarshal(rec.BetSlip, &slip); err != nil {
		return "", fmt.Errorf("decode bet slip: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏇 <b>%s R%d</b>\n", html.EscapeString(slip.Course), slip.RaceNumber)
	fmt.Fprintf(&b, "🤖 Agent: %s\n", html.EscapeString(rec.Predictor))
	fmt.Fprintf(&b, "📊 Confidence: %.0f%%", slip.Confidence*100)
	if slip.RiskLevel != "" {
		fmt.Fprintf(&b, " · Risk: %s", html.EscapeString(slip.RiskLevel))
	}
	b.WriteString("\n")
	if start := rec.RaceStart; start != nil {
		fmt.Fprintf(&b, "🕐 Start: %s\n", start.UTC().Format("15:04 MST"))
	}

	if slip.Summary != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>\n", html.EscapeString(slip.Summary))
	}

	b.WriteString("\n💰 <b>Bets</b>\n")
	for _, line := range betLines(&slip) {
		fmt.Fprintf(&b, "• %s\n", line)
	}
	fmt.Fprintf(&b, "Total stake: $%s", slip.TotalStake().StringFixed(2))

	if len(slip.KeyFactors) > 0 {
		b.WriteString("\n\n🔑 ")
		escaped := make([]string, 0, len(slip.KeyFactors))
		for _, factor := range slip.KeyFactors {
			escaped = append(escaped, html.EscapeString(factor))
		}
		b.WriteString(strings.Join(escaped, " · "))
	}

	return b.String(), nil
}

// resultMessage renders the settlement notice, one tick or cross per bet.
func resultMessage(pred storage.PredictionRecord, outcome storage.OutcomeRecord, stats *storage.PredictorStats) (string, error) {
	var slip racing.BetSlip
	if err := json.Unmarshal(pred.BetSlip, &slip); err != nil {
		return "", fmt.Errorf("decode bet slip: %w", err)
	}
	var st settlement.Settlement
	if err := json.Unmarshal(outcome.BetResults, &st); err != nil {
		return "", fmt.Errorf("decode settlement: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏁 <b>Result: %s R%d</b>\n", html.EscapeString(slip.Course), slip.RaceNumber)
	fmt.Fprintf(&b, "🤖 Agent: %s\n\n", html.EscapeString(pred.Predictor))

	descriptions := betDescriptions(&slip)
	for _, bet := range st.Bets {
		mark := "❌"
		if bet.Won {
			mark = "✅"
		}
		desc := descriptions[bet.Type]
		if desc == "" {
			desc = string(bet.Type)
		}
		fmt.Fprintf(&b, "%s %s", mark, desc)
		if bet.Won {
			fmt.Fprintf(&b, " — paid $%s", bet.Payout.StringFixed(2))
		}
		b.WriteString("\n")
	}

	sign := ""
	if outcome.NetProfit.IsPositive() {
		sign = "+"
	}
	fmt.Fprintf(&b, "\nStaked $%s, returned $%s, net %s%s",
		outcome.TotalStaked.StringFixed(2),
		outcome.TotalPayout.StringFixed(2),
		sign, outcome.NetProfit.StringFixed(2))

	if stats != nil && stats.Settled > 0 {
		netSign := ""
		if stats.NetProfit.IsPositive() {
			netSign = "+"
		}
		fmt.Fprintf(&b, "\n\n📈 %s: %d settled, %.0f%% hit rate, net %s%s",
			html.EscapeString(stats.Predictor), stats.Settled,
			stats.HitRate()*100, netSign, stats.NetProfit.StringFixed(2))
	}

	return b.String(), nil
}

// betDescriptions maps each bet type on the slip to its display line.
func betDescriptions(slip *racing.BetSlip) map[racing.BetType]string {
	out := make(map[racing.BetType]string)
	if slip.Win != nil {
		out[racing.BetWin] = fmt.Sprintf("Win #%d ($%s)", slip.Win.Runner, slip.Win.Stake.StringFixed(2))
	}
	if slip.Place != nil {
		out[racing.BetPlace] = fmt.Sprintf("Place #%d ($%s)", slip.Place.Runner, slip.Place.Stake.StringFixed(2))
	}
	if slip.Exacta != nil {
		out[racing.BetExacta] = fmt.Sprintf("Exacta %d-%d ($%s)", slip.Exacta.First, slip.Exacta.Second, slip.Exacta.Stake.StringFixed(2))
	}
	if slip.Quinella != nil {
		out[racing.BetQuinella] = fmt.Sprintf("Quinella %s ($%s)", joinRunners(slip.Quinella.Runners), slip.Quinella.Stake.StringFixed(2))
	}
	if slip.Trifecta != nil {
		out[racing.BetTrifecta] = fmt.Sprintf("Trifecta %d-%d-%d ($%s)", slip.Trifecta.First, slip.Trifecta.Second, slip.Trifecta.Third, slip.Trifecta.Stake.StringFixed(2))
	}
	if slip.First4 != nil {
		out[racing.BetFirst4] = fmt.Sprintf("First4 %s ($%s)", joinRunners(slip.First4.Runners), slip.First4.Stake.StringFixed(2))
	}
	if slip.QPS != nil {
		out[racing.BetQPS] = fmt.Sprintf("QPS %s ($%s)", joinRunners(slip.QPS.Runners), slip.QPS.Stake.StringFixed(2))
	}
	return out
}

func betLines(slip *racing.BetSlip) []string {
	order := []racing.BetType{
		racing.BetWin, racing.BetPlace, racing.BetExacta, racing.BetQuinella,
		racing.BetTrifecta, racing.BetFirst4, racing.BetQPS,
	}
	descriptions := betDescriptions(slip)
	lines := make([]string, 0, len(descriptions))
	for _, bt := range order {
		if desc, ok := descriptions[bt]; ok {
			lines = append(lines, desc)
		}
	}
	return lines
}

func joinRunners(runners []int) string {
	parts := make([]string, 0, len(runners))
	for _, n := range runners {
		parts = append(parts, fmt.Sprintf("%d", n))
	}
	return strings.Join(parts, "-")
}
