// Package predictor turns a race card into a structured bet slip via an
// OpenAI-compatible chat model. Each configured agent is one Predictor; they
// run concurrently and share one HTTP client and one research cache.
package predictor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"race-agents/internal/config"
	"race-agents/internal/racing"
	"race-agents/internal/research"
)

// Predictor produces one bet slip for one race.
type Predictor interface {
	Name() string
	Analyze(ctx context.Context, race *racing.Race) (*racing.BetSlip, error)
}

// ChatPredictor is a Predictor backed by a chat completion model.
type ChatPredictor struct {
	name        string
	model       string
	temperature float64
	maxTokens   int
	client      *Client
	cache       *research.Cache
	logger      zerolog.Logger
}

// NewChatPredictor builds one predictor from its agent configuration.
func NewChatPredictor(cfg config.AgentConfig, client *Client, cache *research.Cache, logger zerolog.Logger) *ChatPredictor {
	return &ChatPredictor{
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      client,
		cache:       cache,
		logger:      logger.With().Str("component", "predictor").Str("predictor", cfg.Name).Logger(),
	}
}

// Name returns the configured agent name.
func (p *ChatPredictor) Name() string {
	return p.name
}

// Analyze asks the model for a bet slip and validates the reply.
func (p *ChatPredictor) Analyze(ctx context.Context, race *racing.Race) (*racing.BetSlip, error) {
	card := p.contextFor(race)

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt(race, card)},
	}

	raw, err := p.client.ChatCompletion(ctx, p.model, messages, p.temperature, p.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("predictor %s: %w", p.name, err)
	}

	payload, err := extractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("predictor %s: %w", p.name, err)
	}

	var slip racing.BetSlip
	if err := json.Unmarshal([]byte(payload), &slip); err != nil {
		return nil, fmt.Errorf("predictor %s: decode bet slip: %w", p.name, err)
	}

	// The model occasionally invents identifiers; pin them to the card.
	slip.RaceID = race.ID
	slip.Course = race.Course
	slip.RaceNumber = race.Number

	if err := slip.Validate(); err != nil {
		return nil, fmt.Errorf("predictor %s: invalid bet slip: %w", p.name, err)
	}

	p.logger.Debug().
		Str("race_id", race.ID).
		Float64("confidence", slip.Confidence).
		Str("total_stake", slip.TotalStake().String()).
		Msg("bet slip produced")

	return &slip, nil
}

// contextFor returns the shared race card text, building it at most once per
// race across concurrent predictors.
func (p *ChatPredictor) contextFor(race *racing.Race) string {
	if p.cache == nil {
		return raceContext(race)
	}

	key := research.Key("race_context", race.ID)
	if cached, ok := p.cache.Get(key); ok {
		if text, ok := cached.(string); ok {
			return text
		}
	}

	text := raceContext(race)
	p.cache.Set(key, text, 0)
	return text
}

var _ Predictor = (*ChatPredictor)(nil)
