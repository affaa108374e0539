// Package analysis fans one triggered race out to every configured predictor,
// persists the slips that clear the confidence gate, and announces them.
package analysis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"race-agents/internal/bus"
	"race-agents/internal/metrics"
	"race-agents/internal/predictor"
	"race-agents/internal/racing"
	"race-agents/internal/storage"
)

// Options tune the coordinator.
type Options struct {
	// MinConfidence drops slips the predictor itself is not sure about.
	MinConfidence float64
}

// Coordinator consumes analysis triggers and runs the predictor pool.
type Coordinator struct {
	opts       Options
	predictors []predictor.Predictor
	store      storage.PredictionStore
	publisher  bus.Publisher
	logger     zerolog.Logger

	wg sync.WaitGroup
}

// New constructs a Coordinator.
func New(opts Options, predictors []predictor.Predictor, store storage.PredictionStore, publisher bus.Publisher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		opts:       opts,
		predictors: predictors,
		store:      store,
		publisher:  publisher,
		logger:     logger.With().Str("component", "analysis").Logger(),
	}
}

// Run subscribes the coordinator to the trigger channel.
func (c *Coordinator) Run(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, bus.ChannelAnalysisReady, c.HandleAnalysisReady)
}

// Wait blocks until in-flight analyses finish. Used during shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// HandleAnalysisReady processes one trigger message. A message without a
// start time is a contract violation from upstream: it is rejected loudly
// and dropped, never analysed against a guessed time.
func (c *Coordinator) HandleAnalysisReady(ctx context.Context, payload []byte) {
	var msg bus.AnalysisReady
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MessagesRejected.WithLabelValues(bus.ChannelAnalysisReady).Inc()
		c.logger.Error().Err(err).Msg("malformed analysis trigger rejected")
		return
	}

	start, ok := msg.Start.Known()
	if !ok {
		metrics.MessagesRejected.WithLabelValues(bus.ChannelAnalysisReady).Inc()
		c.logger.Error().Str("race_id", msg.RaceID).
			Msg("analysis trigger missing start time, message rejected")
		return
	}

	race := msg.Race
	if race.ID == "" {
		race.ID = msg.RaceID
	}

	c.logger.Info().Str("race_id", race.ID).Str("race", race.Label()).
		Int("predictors", len(c.predictors)).Msg("race analysis started")

	var wg sync.WaitGroup
	for _, p := range c.predictors {
		wg.Add(1)
		c.wg.Add(1)
		go func(p predictor.Predictor) {
			defer wg.Done()
			defer c.wg.Done()
			c.analyzeOne(ctx, p, &race, start)
		}(p)
	}
	wg.Wait()

	c.logger.Info().Str("race_id", race.ID).Msg("race analysis finished")
}

// analyzeOne runs one predictor in isolation; its failure never touches the
// other agents working the same race.
func (c *Coordinator) analyzeOne(ctx context.Context, p predictor.Predictor, race *racing.Race, start time.Time) {
	slip, err := p.Analyze(ctx, race)
	if err != nil {
		metrics.PredictorFailures.WithLabelValues(p.Name()).Inc()
		c.logger.Error().Err(err).Str("race_id", race.ID).Str("predictor", p.Name()).
			Msg("predictor failed")
		return
	}

	if slip.Confidence < c.opts.MinConfidence {
		c.logger.Info().Str("race_id", race.ID).Str("predictor", p.Name()).
			Float64("confidence", slip.Confidence).Msg("bet slip below confidence gate, discarded")
		return
	}
	if !slip.HasBets() {
		c.logger.Info().Str("race_id", race.ID).Str("predictor", p.Name()).
			Msg("predictor recommended no bets")
		return
	}

	body, err := json.Marshal(slip)
	if err != nil {
		c.logger.Error().Err(err).Str("race_id", race.ID).Str("predictor", p.Name()).
			Msg("encode bet slip failed")
		return
	}

	rec, err := c.store.InsertPrediction(ctx, storage.PredictionRecord{
		RaceID:     race.ID,
		Predictor:  p.Name(),
		RaceStart:  &start,
		Confidence: slip.Confidence,
		RiskLevel:  slip.RiskLevel,
		Summary:    slip.Summary,
		BetSlip:    body,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("race_id", race.ID).Str("predictor", p.Name()).
			Msg("persist prediction failed")
		return
	}

	metrics.PredictionsSaved.WithLabelValues(p.Name()).Inc()

	announce := bus.PredictionPublished{
		RaceID:       race.ID,
		PredictionID: rec.ID,
		Predictor:    p.Name(),
		Summary:      slip.Summary,
		PublishedAt:  time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, bus.ChannelPredictions, announce); err != nil {
		c.logger.Error().Err(err).Str("race_id", race.ID).Int64("prediction_id", rec.ID).
			Msg("publish prediction failed")
		return
	}

	c.logger.Info().Str("race_id", race.ID).Str("predictor", p.Name()).
		Int64("prediction_id", rec.ID).Float64("confidence", slip.Confidence).
		Msg("prediction saved")
}
