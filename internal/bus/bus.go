// Package bus carries the pipeline's scheduling messages over Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"race-agents/internal/racing"
)

// Channel names. One channel per pipeline edge.
const (
	ChannelAnalysisReady = "race:ready_for_analysis"
	ChannelResultCheck   = "race:schedule_result_check"
	ChannelPredictions   = "predictions:new"
	ChannelResults       = "results:evaluated"
)

// AnalysisReady tells the coordinator a race is inside its trigger window.
// StartTime is mandatory; consumers reject messages where it is missing.
type AnalysisReady struct {
	RaceID      string           `json:"race_id"`
	Race        racing.Race      `json:"race"`
	Start       racing.StartTime `json:"start_time"`
	PublishedAt time.Time        `json:"timestamp"`
}

// ResultCheckScheduled tells the resolver when to first poll for a result.
type ResultCheckScheduled struct {
	RaceID      string    `json:"race_id"`
	CheckTime   time.Time `json:"check_time"`
	PublishedAt time.Time `json:"timestamp"`
}

// PredictionPublished announces one persisted prediction.
type PredictionPublished struct {
	RaceID       string    `json:"race_id"`
	PredictionID int64     `json:"prediction_id"`
	Predictor    string    `json:"predictor_id"`
	Summary      string    `json:"prediction_summary"`
	PublishedAt  time.Time `json:"timestamp"`
}

// ResultPublished announces one settled prediction.
type ResultPublished struct {
	RaceID       string    `json:"race_id"`
	PredictionID int64     `json:"prediction_id"`
	OutcomeID    int64     `json:"outcome_id"`
	Summary      string    `json:"outcome_summary"`
	PublishedAt  time.Time `json:"timestamp"`
}

// Publisher is the producing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Handler consumes one raw message. Handlers own their failure boundary: a
// bad message is logged inside the handler, never allowed to stop the loop.
type Handler func(ctx context.Context, payload []byte)

// Bus is the Redis-backed implementation of both halves.
type Bus struct {
	client *redis.Client
	logger zerolog.Logger
}

// New wires a redis client into a Bus.
func New(client *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{client: client, logger: logger.With().Str("component", "bus").Logger()}
}

// Publish marshals the payload and publishes it on the channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a goroutine that feeds channel messages to the handler.
// Each message is handled in its own goroutine so independent events are
// never serialised behind one slow handler.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) {
	sub := b.client.Subscribe(ctx, channel)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				go b.dispatch(ctx, channel, handler, []byte(msg.Payload))
			}
		}
	}()

	b.logger.Info().Str("channel", channel).Msg("subscribed")
}

func (b *Bus) dispatch(ctx context.Context, channel string, handler Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("channel", channel).Interface("panic", r).Msg("handler panicked")
		}
	}()
	handler(ctx, payload)
}

var _ Publisher = (*Bus)(nil)
