package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
)

// Show prints recent predictions with their settlement status.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	predictions, err := store.ListRecentPredictions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(predictions) == 0 {
		fmt.Fprintln(os.Stdout, "no predictions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tRace\tPredictor\tConfidence\tCreated (UTC)\tStatus\tNet")

	for _, pred := range predictions {
		status := "pending"
		net := ""
		outcome, err := store.GetOutcome(ctx, pred.ID)
		switch {
		case err == nil:
			status = "settled"
			net = outcome.NetProfit.StringFixed(2)
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return err
		}

		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			pred.ID,
			sanitizeInline(pred.RaceID),
			pred.Predictor,
			pred.Confidence,
			pred.CreatedAt.UTC().Format(time.RFC3339),
			status,
			net,
		)
	}

	writer.Flush()
	return nil
}

// Stats prints aggregated per-predictor performance.
func (a *App) Stats(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Statistics(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(os.Stdout, "no predictions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Predictor\tPredictions\tSettled\tWins\tHit%\tStaked\tPayout\tNet")

	for _, st := range stats {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%.1f\t%s\t%s\t%s\n",
			st.Predictor,
			st.Predictions,
			st.Settled,
			st.Wins,
			st.HitRate()*100,
			st.TotalStaked.StringFixed(2),
			st.TotalPayout.StringFixed(2),
			st.NetProfit.StringFixed(2),
		)
	}

	writer.Flush()
	return nil
}

// Upcoming prints the next races with their analysis window state.
func (a *App) Upcoming(ctx context.Context) error {
	races, err := a.newSource().ListUpcoming(ctx)
	if err != nil {
		return err
	}
	if len(races) == 0 {
		fmt.Fprintln(os.Stdout, "no upcoming races")
		return nil
	}

	now := time.Now().UTC()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Race\tName\tStart (UTC)\tMinutes\tWindow")

	for i := range races {
		race := &races[i]

		startStr := "unknown"
		minutesStr := ""
		window := "start missing"
		if start, ok := race.Start.Known(); ok {
			startStr = start.Format(time.RFC3339)
			minutes := race.Start.MinutesUntil(now)
			minutesStr = fmt.Sprintf("%.1f", minutes)
			switch {
			case minutes > a.Config.Watcher.WindowStartMinutes:
				window = "waiting"
			case minutes < a.Config.Watcher.WindowEndMinutes:
				window = "closed"
			default:
				window = "open"
			}
		}

		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			race.Label(),
			sanitizeInline(race.Name),
			startStr,
			minutesStr,
			window,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
