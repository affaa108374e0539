package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PredictionRecord is one persisted predictor recommendation.
type PredictionRecord struct {
	ID         int64
	RaceID     string
	Predictor  string
	RaceStart  *time.Time
	Confidence float64
	RiskLevel  string
	Summary    string
	BetSlip    json.RawMessage
	CreatedAt  time.Time
}

// OutcomeRecord captures the settlement of one prediction against the
// official result. prediction_id is unique, so settling twice is a no-op.
type OutcomeRecord struct {
	ID             int64
	PredictionID   int64
	RaceID         string
	FinishingOrder json.RawMessage
	Dividends      json.RawMessage
	BetResults     json.RawMessage
	TotalStaked    decimal.Decimal
	TotalPayout    decimal.Decimal
	NetProfit      decimal.Decimal
	SettledAt      time.Time
}

// PendingCheck identifies a race with unsettled predictions.
type PendingCheck struct {
	RaceID    string
	RaceStart time.Time
}

// PredictorStats aggregates settled performance per predictor. Derived by
// aggregation over outcomes rather than kept as counters, so re-settling a
// race can never double-count.
type PredictorStats struct {
	Predictor   string
	Predictions int64
	Settled     int64
	Wins        int64
	TotalStaked decimal.Decimal
	TotalPayout decimal.Decimal
	NetProfit   decimal.Decimal
}

// HitRate is the share of settled predictions that closed profitable.
func (s PredictorStats) HitRate() float64 {
	if s.Settled == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Settled)
}
