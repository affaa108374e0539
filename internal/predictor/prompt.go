package predictor

import (
	"fmt"
	"strings"

	"race-agents/internal/racing"
)

const systemPrompt = `You are a professional horse racing analyst. You study the
race card and recommend bets across these types: win, place, exacta, quinella,
trifecta, first4, qps (quinella place special: pick 2-4 runners, any two of
them finishing in the top three wins).

Respond with a single JSON object and nothing else, using exactly this shape:
{
  "race_id": "...",
  "course": "...",
  "race_number": 1,
  "analysis_summary": "two or three sentences",
  "confidence_score": 0.0,
  "risk_level": "low|medium|high",
  "key_factors": ["..."],
  "win_bet": {"runner": 1, "stake": "10", "reasoning": "..."},
  "place_bet": {"runner": 1, "stake": "10", "reasoning": "..."},
  "exacta_bet": {"first": 1, "second": 2, "stake": "5", "reasoning": "..."},
  "quinella_bet": {"runners": [1, 2], "stake": "5", "reasoning": "..."},
  "trifecta_bet": {"first": 1, "second": 2, "third": 3, "stake": "2", "reasoning": "..."},
  "first4_bet": {"runners": [1, 2, 3, 4], "stake": "1", "reasoning": "..."},
  "qps_bet": {"runners": [1, 2, 3], "stake": "5", "reasoning": "..."}
}

Omit any bet you do not recommend. confidence_score is within [0,1]. Only use
runner numbers that appear on the card.`

// raceContext renders the race card as prompt text. Built once per race and
// shared through the research cache so concurrent predictors do not repeat it.
func raceContext(race *racing.Race) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Race: %s - %s\n", race.Label(), race.Name)
	if race.Distance != "" {
		fmt.Fprintf(&b, "Distance: %s\n", race.Distance)
	}
	if race.Going != "" {
		fmt.Fprintf(&b, "Going: %s\n", race.Going)
	}
	if start, ok := race.Start.Known(); ok {
		fmt.Fprintf(&b, "Start time: %s\n", start.Format("2006-01-02 15:04 MST"))
	}

	b.WriteString("\nRunners:\n")
	for _, r := range race.Runners {
		fmt.Fprintf(&b, "  %d. %s", r.Number, r.Name)
		if r.Barrier != "" {
			fmt.Fprintf(&b, " (barrier %s)", r.Barrier)
		}
		if r.Jockey != "" {
			fmt.Fprintf(&b, ", jockey %s", r.Jockey)
		}
		if r.Trainer != "" {
			fmt.Fprintf(&b, ", trainer %s", r.Trainer)
		}
		if r.Weight != "" {
			fmt.Fprintf(&b, ", %s", r.Weight)
		}
		if r.Form != "" {
			fmt.Fprintf(&b, ", form %s", r.Form)
		}
		if !r.FixedWin.IsZero() {
			fmt.Fprintf(&b, ", win $%s", r.FixedWin.StringFixed(2))
		}
		if !r.FixedPlace.IsZero() {
			fmt.Fprintf(&b, ", place $%s", r.FixedPlace.StringFixed(2))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func userPrompt(race *racing.Race, context string) string {
	var b strings.Builder
	b.WriteString(context)
	fmt.Fprintf(&b, "\nAnalyse this race and respond with the JSON bet slip. Use race_id %q, course %q, race_number %d.\n",
		race.ID, race.Course, race.Number)
	return b.String()
}

// extractJSON strips markdown fences and surrounding chatter, returning the
// outermost JSON object in the reply.
func extractJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in reply")
	}
	return trimmed[start : end+1], nil
}
