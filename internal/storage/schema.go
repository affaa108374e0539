package storage

import (
	"context"
	"fmt"
)

// Schema DDL. Idempotent so the migrate command can run on every deploy.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS trigger_records (
        race_id      TEXT PRIMARY KEY,
        triggered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        expires_at   TIMESTAMPTZ NOT NULL
    );`,

	`CREATE TABLE IF NOT EXISTS predictions (
        prediction_id BIGSERIAL PRIMARY KEY,
        race_id       TEXT NOT NULL,
        predictor     TEXT NOT NULL,
        race_start    TIMESTAMPTZ,
        confidence    DOUBLE PRECISION NOT NULL,
        risk_level    TEXT NOT NULL DEFAULT '',
        summary       TEXT NOT NULL DEFAULT '',
        bet_slip      JSONB NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE INDEX IF NOT EXISTS idx_predictions_race ON predictions (race_id);`,

	`CREATE TABLE IF NOT EXISTS outcomes (
        outcome_id      BIGSERIAL PRIMARY KEY,
        prediction_id   BIGINT NOT NULL UNIQUE REFERENCES predictions (prediction_id),
        race_id         TEXT NOT NULL,
        finishing_order JSONB NOT NULL,
        dividends       JSONB,
        bet_results     JSONB NOT NULL,
        total_staked    NUMERIC(18,2) NOT NULL,
        total_payout    NUMERIC(18,2) NOT NULL,
        net_profit      NUMERIC(18,2) NOT NULL,
        settled_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE INDEX IF NOT EXISTS idx_outcomes_race ON outcomes (race_id);`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_settled_at ON outcomes (settled_at);`,
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("apply schema: %w", execErr)
		}
	}
	return nil
}
