package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	markTriggeredSQL = `INSERT INTO trigger_records (race_id, triggered_at, expires_at)
    VALUES ($1, now(), $2)
    ON CONFLICT (race_id) DO NOTHING;`

	hasTriggerSQL = `SELECT EXISTS (
        SELECT 1 FROM trigger_records
        WHERE race_id = $1 AND expires_at > now()
    );`

	purgeTriggersSQL = `DELETE FROM trigger_records WHERE expires_at <= now();`

	insertPredictionSQL = `INSERT INTO predictions (
        race_id,
        predictor,
        race_start,
        confidence,
        risk_level,
        summary,
        bet_slip
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING prediction_id, created_at;`

	predictionColumns = `prediction_id,
        race_id,
        predictor,
        race_start,
        confidence,
        risk_level,
        summary,
        bet_slip,
        created_at`

	predictionsForRaceSQL = `SELECT ` + predictionColumns + `
    FROM predictions
    WHERE race_id = $1
    ORDER BY prediction_id;`

	getPredictionSQL = `SELECT ` + predictionColumns + `
    FROM predictions
    WHERE prediction_id = $1;`

	listRecentPredictionsSQL = `SELECT ` + predictionColumns + `
    FROM predictions
    ORDER BY prediction_id DESC
    LIMIT $1;`

	pendingChecksSQL = `SELECT DISTINCT p.race_id, p.race_start
    FROM predictions p
    LEFT JOIN outcomes o ON o.prediction_id = p.prediction_id
    WHERE o.outcome_id IS NULL
      AND p.race_start IS NOT NULL
      AND p.race_start > now() - $1::interval
    ORDER BY p.race_start;`

	insertOutcomeSQL = `INSERT INTO outcomes (
        prediction_id,
        race_id,
        finishing_order,
        dividends,
        bet_results,
        total_staked,
        total_payout,
        net_profit
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (prediction_id) DO NOTHING
    RETURNING outcome_id, settled_at;`

	hasOutcomeSQL = `SELECT EXISTS (SELECT 1 FROM outcomes WHERE prediction_id = $1);`

	outcomeColumns = `outcome_id,
        prediction_id,
        race_id,
        finishing_order,
        dividends,
        bet_results,
        total_staked,
        total_payout,
        net_profit,
        settled_at`

	getOutcomeSQL = `SELECT ` + outcomeColumns + `
    FROM outcomes
    WHERE prediction_id = $1;`

	listOutcomesBetweenSQL = `SELECT ` + outcomeColumns + `
    FROM outcomes
    WHERE settled_at >= $1
      AND settled_at < $2
    ORDER BY settled_at;`

	statisticsSQL = `SELECT
        p.predictor,
        COUNT(p.prediction_id),
        COUNT(o.outcome_id),
        COUNT(o.outcome_id) FILTER (WHERE o.net_profit > 0),
        COALESCE(SUM(o.total_staked), 0),
        COALESCE(SUM(o.total_payout), 0),
        COALESCE(SUM(o.net_profit), 0)
    FROM predictions p
    LEFT JOIN outcomes o ON o.prediction_id = p.prediction_id
    GROUP BY p.predictor
    ORDER BY p.predictor;`
)

// TriggerStore is the once-per-race barrier behind the watcher.
type TriggerStore interface {
	MarkTriggered(ctx context.Context, raceID string, ttl time.Duration) (bool, error)
	Has(ctx context.Context, raceID string) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// PredictionStore defines prediction persistence.
type PredictionStore interface {
	InsertPrediction(ctx context.Context, rec PredictionRecord) (PredictionRecord, error)
	PredictionsForRace(ctx context.Context, raceID string) ([]PredictionRecord, error)
	GetPrediction(ctx context.Context, id int64) (PredictionRecord, error)
	ListRecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error)
	PendingChecks(ctx context.Context, horizon time.Duration) ([]PendingCheck, error)
}

// OutcomeStore defines settlement persistence.
type OutcomeStore interface {
	InsertOutcome(ctx context.Context, rec OutcomeRecord) (OutcomeRecord, bool, error)
	HasOutcome(ctx context.Context, predictionID int64) (bool, error)
	GetOutcome(ctx context.Context, predictionID int64) (OutcomeRecord, error)
	ListOutcomesBetween(ctx context.Context, from, to time.Time) ([]OutcomeRecord, error)
	Statistics(ctx context.Context) ([]PredictorStats, error)
}

// Store aggregates access to triggers, predictions, and outcomes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// MarkTriggered records the trigger for a race. Returns true when this call
// created the record, false when another instance (or an earlier poll) beat
// it; the losing caller must not publish.
func (s *Store) MarkTriggered(ctx context.Context, raceID string, ttl time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, markTriggeredSQL, raceID, time.Now().Add(ttl))
	if execErr != nil {
		return false, fmt.Errorf("mark triggered: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// Has reports whether an unexpired trigger record exists for the race.
func (s *Store) Has(ctx context.Context, raceID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, hasTriggerSQL, raceID).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check trigger: %w", scanErr)
	}
	return exists, nil
}

// PurgeExpired drops trigger records past their TTL.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, purgeTriggersSQL)
	if execErr != nil {
		return 0, fmt.Errorf("purge triggers: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertPrediction persists one prediction and returns it with its id.
func (s *Store) InsertPrediction(ctx context.Context, rec PredictionRecord) (PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PredictionRecord{}, err
	}

	var start interface{}
	if rec.RaceStart != nil {
		start = *rec.RaceStart
	}

	row := pool.QueryRow(ctx, insertPredictionSQL,
		rec.RaceID,
		rec.Predictor,
		start,
		rec.Confidence,
		rec.RiskLevel,
		rec.Summary,
		[]byte(rec.BetSlip),
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return PredictionRecord{}, fmt.Errorf("insert prediction: %w", scanErr)
	}
	return rec, nil
}

// PredictionsForRace lists every prediction made for a race.
func (s *Store) PredictionsForRace(ctx context.Context, raceID string) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, predictionsForRaceSQL, raceID)
	if queryErr != nil {
		return nil, fmt.Errorf("predictions for race: %w", queryErr)
	}
	defer rows.Close()

	return collectPredictions(rows)
}

// GetPrediction fetches one prediction by id.
func (s *Store) GetPrediction(ctx context.Context, id int64) (PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PredictionRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getPredictionSQL, id)
	if queryErr != nil {
		return PredictionRecord{}, fmt.Errorf("get prediction: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return PredictionRecord{}, rows.Err()
		}
		return PredictionRecord{}, pgx.ErrNoRows
	}
	return scanPrediction(rows)
}

// ListRecentPredictions lists the most recent predictions, newest first.
func (s *Store) ListRecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPredictionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent predictions: %w", queryErr)
	}
	defer rows.Close()

	return collectPredictions(rows)
}

// PendingChecks lists races with predictions still awaiting settlement,
// bounded to races that started within the horizon.
func (s *Store) PendingChecks(ctx context.Context, horizon time.Duration) ([]PendingCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pendingChecksSQL, horizon.String())
	if queryErr != nil {
		return nil, fmt.Errorf("pending checks: %w", queryErr)
	}
	defer rows.Close()

	checks := make([]PendingCheck, 0)
	for rows.Next() {
		var check PendingCheck
		if err := rows.Scan(&check.RaceID, &check.RaceStart); err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return checks, nil
}

// InsertOutcome persists a settlement. The unique prediction_id constraint
// makes this idempotent: the second return value is false when the
// prediction was already settled, and the stored record is left untouched.
func (s *Store) InsertOutcome(ctx context.Context, rec OutcomeRecord) (OutcomeRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return OutcomeRecord{}, false, err
	}

	row := pool.QueryRow(ctx, insertOutcomeSQL,
		rec.PredictionID,
		rec.RaceID,
		[]byte(rec.FinishingOrder),
		nullableJSON(rec.Dividends),
		[]byte(rec.BetResults),
		rec.TotalStaked.String(),
		rec.TotalPayout.String(),
		rec.NetProfit.String(),
	)
	if scanErr := row.Scan(&rec.ID, &rec.SettledAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return OutcomeRecord{}, false, nil
		}
		return OutcomeRecord{}, false, fmt.Errorf("insert outcome: %w", scanErr)
	}
	return rec, true, nil
}

// HasOutcome reports whether a prediction is already settled.
func (s *Store) HasOutcome(ctx context.Context, predictionID int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, hasOutcomeSQL, predictionID).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check outcome: %w", scanErr)
	}
	return exists, nil
}

// GetOutcome fetches the settlement for one prediction.
func (s *Store) GetOutcome(ctx context.Context, predictionID int64) (OutcomeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return OutcomeRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getOutcomeSQL, predictionID)
	if queryErr != nil {
		return OutcomeRecord{}, fmt.Errorf("get outcome: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return OutcomeRecord{}, rows.Err()
		}
		return OutcomeRecord{}, pgx.ErrNoRows
	}
	return scanOutcome(rows)
}

// ListOutcomesBetween lists settlements inside a time window, oldest first.
func (s *Store) ListOutcomesBetween(ctx context.Context, from, to time.Time) ([]OutcomeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOutcomesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list outcomes between: %w", queryErr)
	}
	defer rows.Close()

	outcomes := make([]OutcomeRecord, 0)
	for rows.Next() {
		rec, scanErr := scanOutcome(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		outcomes = append(outcomes, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

// Statistics aggregates per-predictor performance over all settled outcomes.
func (s *Store) Statistics(ctx context.Context) ([]PredictorStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, statisticsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("predictor statistics: %w", queryErr)
	}
	defer rows.Close()

	stats := make([]PredictorStats, 0)
	for rows.Next() {
		var (
			st        PredictorStats
			stakedStr string
			payoutStr string
			profitStr string
		)
		if err := rows.Scan(
			&st.Predictor,
			&st.Predictions,
			&st.Settled,
			&st.Wins,
			&stakedStr,
			&payoutStr,
			&profitStr,
		); err != nil {
			return nil, err
		}

		var convErr error
		st.TotalStaked, convErr = decimal.NewFromString(stakedStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse total staked: %w", convErr)
		}
		st.TotalPayout, convErr = decimal.NewFromString(payoutStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse total payout: %w", convErr)
		}
		st.NetProfit, convErr = decimal.NewFromString(profitStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse net profit: %w", convErr)
		}

		stats = append(stats, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stats, nil
}

func collectPredictions(rows pgx.Rows) ([]PredictionRecord, error) {
	records := make([]PredictionRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPrediction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPrediction(rows pgx.Rows) (PredictionRecord, error) {
	var (
		rec   PredictionRecord
		start sql.NullTime
		slip  json.RawMessage
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.RaceID,
		&rec.Predictor,
		&start,
		&rec.Confidence,
		&rec.RiskLevel,
		&rec.Summary,
		&slip,
		&rec.CreatedAt,
	); err != nil {
		return PredictionRecord{}, err
	}
	if start.Valid {
		value := start.Time
		rec.RaceStart = &value
	}
	rec.BetSlip = slip
	return rec, nil
}

func scanOutcome(rows pgx.Rows) (OutcomeRecord, error) {
	var (
		rec       OutcomeRecord
		dividends json.RawMessage
		stakedStr string
		payoutStr string
		profitStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.PredictionID,
		&rec.RaceID,
		&rec.FinishingOrder,
		&dividends,
		&rec.BetResults,
		&stakedStr,
		&payoutStr,
		&profitStr,
		&rec.SettledAt,
	); err != nil {
		return OutcomeRecord{}, err
	}

	rec.Dividends = dividends

	var convErr error
	rec.TotalStaked, convErr = decimal.NewFromString(stakedStr)
	if convErr != nil {
		return OutcomeRecord{}, fmt.Errorf("parse total staked: %w", convErr)
	}
	rec.TotalPayout, convErr = decimal.NewFromString(payoutStr)
	if convErr != nil {
		return OutcomeRecord{}, fmt.Errorf("parse total payout: %w", convErr)
	}
	rec.NetProfit, convErr = decimal.NewFromString(profitStr)
	if convErr != nil {
		return OutcomeRecord{}, fmt.Errorf("parse net profit: %w", convErr)
	}

	return rec, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var (
	_ TriggerStore    = (*Store)(nil)
	_ PredictionStore = (*Store)(nil)
	_ OutcomeStore    = (*Store)(nil)
)
