package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"race-agents/internal/storage"
)

const defaultExportPoints = 500

// exportRow is one settled outcome with the running profit total.
type exportRow struct {
	outcome    storage.OutcomeRecord
	cumulative decimal.Decimal
}

// Export renders settled outcomes as CSV and/or a cumulative profit PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultExportPoints
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	outcomes, err := store.ListOutcomesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		a.Logger.Info().Msg("no settled outcomes in export window")
		return nil
	}

	rows := make([]exportRow, 0, len(outcomes))
	running := decimal.Zero
	for _, outcome := range outcomes {
		running = running.Add(outcome.NetProfit)
		rows = append(rows, exportRow{outcome: outcome, cumulative: running})
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting outcomes")

	if opts.CSVPath != "" {
		if err := writeOutcomesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeOutcomesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeOutcomesCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"settled_at", "race_id", "prediction_id", "total_staked", "total_payout", "net_profit", "cumulative_net"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.outcome.SettledAt.UTC().Format(time.RFC3339),
			row.outcome.RaceID,
			strconv.FormatInt(row.outcome.PredictionID, 10),
			row.outcome.TotalStaked.String(),
			row.outcome.TotalPayout.String(),
			row.outcome.NetProfit.String(),
			row.cumulative.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeOutcomesPNG(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	cumulative := make([]float64, len(rows))
	perRace := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.outcome.SettledAt
		cumulative[i] = row.cumulative.InexactFloat64()
		perRace[i] = row.outcome.NetProfit.InexactFloat64()
	}

	moneyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative net ($)",
			ValueFormatter: moneyFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Per settlement ($)",
			ValueFormatter: moneyFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
			},
			chart.TimeSeries{
				Name:    "Per settlement",
				XValues: x,
				YValues: perRace,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
