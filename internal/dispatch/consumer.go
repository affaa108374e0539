package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"race-agents/internal/bus"
	"race-agents/internal/metrics"
	"race-agents/internal/storage"
)

// Consumer turns pipeline announcements into queued notifications.
type Consumer struct {
	dispatcher  *Dispatcher
	predictions storage.PredictionStore
	outcomes    storage.OutcomeStore
	logger      zerolog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(dispatcher *Dispatcher, predictions storage.PredictionStore, outcomes storage.OutcomeStore, logger zerolog.Logger) *Consumer {
	return &Consumer{
		dispatcher:  dispatcher,
		predictions: predictions,
		outcomes:    outcomes,
		logger:      logger.With().Str("component", "dispatch_consumer").Logger(),
	}
}

// Run subscribes the consumer to both announcement channels.
func (c *Consumer) Run(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, bus.ChannelPredictions, c.HandlePredictionPublished)
	b.Subscribe(ctx, bus.ChannelResults, c.HandleResultPublished)
}

// HandlePredictionPublished formats and queues one prediction notice. When
// the stored record cannot be loaded the announcement's own summary is sent
// instead, so the subscriber still hears about the prediction.
func (c *Consumer) HandlePredictionPublished(ctx context.Context, payload []byte) {
	var msg bus.PredictionPublished
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MessagesRejected.WithLabelValues(bus.ChannelPredictions).Inc()
		c.logger.Error().Err(err).Msg("malformed prediction announcement rejected")
		return
	}

	rec, err := c.predictions.GetPrediction(ctx, msg.PredictionID)
	if err != nil {
		c.logger.Warn().Err(err).Int64("prediction_id", msg.PredictionID).
			Msg("load prediction failed, sending brief notice")
		c.dispatcher.Enqueue(briefPredictionMessage(msg))
		return
	}

	text, err := predictionMessage(rec)
	if err != nil {
		c.logger.Error().Err(err).Int64("prediction_id", msg.PredictionID).
			Msg("format prediction failed, sending brief notice")
		c.dispatcher.Enqueue(briefPredictionMessage(msg))
		return
	}
	c.dispatcher.Enqueue(text)
}

// HandleResultPublished formats and queues one settlement notice, including
// the predictor's running statistics.
func (c *Consumer) HandleResultPublished(ctx context.Context, payload []byte) {
	var msg bus.ResultPublished
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MessagesRejected.WithLabelValues(bus.ChannelResults).Inc()
		c.logger.Error().Err(err).Msg("malformed result announcement rejected")
		return
	}

	pred, err := c.predictions.GetPrediction(ctx, msg.PredictionID)
	if err != nil {
		c.logger.Error().Err(err).Int64("prediction_id", msg.PredictionID).
			Msg("load settled prediction failed")
		return
	}
	outcome, err := c.outcomes.GetOutcome(ctx, msg.PredictionID)
	if err != nil {
		c.logger.Error().Err(err).Int64("prediction_id", msg.PredictionID).
			Msg("load outcome failed")
		return
	}

	stats := c.statsFor(ctx, pred.Predictor)

	text, err := resultMessage(pred, outcome, stats)
	if err != nil {
		c.logger.Error().Err(err).Int64("outcome_id", outcome.ID).
			Msg("format result failed")
		return
	}
	c.dispatcher.Enqueue(text)
}

func (c *Consumer) statsFor(ctx context.Context, predictor string) *storage.PredictorStats {
	all, err := c.outcomes.Statistics(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("load predictor statistics failed")
		return nil
	}
	for i := range all {
		if all[i].Predictor == predictor {
			return &all[i]
		}
	}
	return nil
}
