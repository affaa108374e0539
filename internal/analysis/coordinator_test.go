package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"race-agents/internal/bus"
	"race-agents/internal/predictor"
	"race-agents/internal/racing"
	"race-agents/internal/storage"
)

type fakePredictor struct {
	name string
	slip *racing.BetSlip
	err  error
}

func (f *fakePredictor) Name() string { return f.name }

func (f *fakePredictor) Analyze(context.Context, *racing.Race) (*racing.BetSlip, error) {
	if f.err != nil {
		return nil, f.err
	}
	clone := *f.slip
	return &clone, nil
}

type memoryPredictionStore struct {
	mu      sync.Mutex
	nextID  int64
	records []storage.PredictionRecord
}

func (m *memoryPredictionStore) InsertPrediction(_ context.Context, rec storage.PredictionRecord) (storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now().UTC()
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memoryPredictionStore) PredictionsForRace(_ context.Context, raceID string) ([]storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PredictionRecord
	for _, rec := range m.records {
		if rec.RaceID == raceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryPredictionStore) GetPrediction(_ context.Context, id int64) (storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return storage.PredictionRecord{}, errors.New("not found")
}

func (m *memoryPredictionStore) ListRecentPredictions(context.Context, int) ([]storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.PredictionRecord(nil), m.records...), nil
}

func (m *memoryPredictionStore) PendingChecks(context.Context, time.Duration) ([]storage.PendingCheck, error) {
	return nil, nil
}

func (m *memoryPredictionStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
}

func (f *fakePublisher) Publish(_ context.Context, channel string, _ any) error {
	f.mu.Lock()
	f.channels = append(f.channels, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) published(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.channels {
		if c == channel {
			n++
		}
	}
	return n
}

func goodSlip(confidence float64) *racing.BetSlip {
	return &racing.BetSlip{
		Summary:    "pace suits the leader",
		Confidence: confidence,
		Win:        &racing.WinBet{Runner: 5, Stake: decimal.NewFromInt(10)},
	}
}

func triggerPayload(t *testing.T, start racing.StartTime) []byte {
	t.Helper()
	msg := bus.AnalysisReady{
		RaceID: "ascot-r4",
		Race: racing.Race{
			ID: "ascot-r4", Course: "Ascot", Number: 4, Start: start,
			Runners: []racing.Runner{{Number: 5, Name: "First Light"}},
		},
		Start:       start,
		PublishedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal trigger: %v", err)
	}
	return body
}

func predictors(ps ...predictor.Predictor) []predictor.Predictor {
	return ps
}

func TestHandleAnalysisReadyFanOut(t *testing.T) {
	store := &memoryPredictionStore{}
	pub := &fakePublisher{}
	coordinator := New(Options{MinConfidence: 0.5}, predictors(
		&fakePredictor{name: "gemini", slip: goodSlip(0.8)},
		&fakePredictor{name: "grok", slip: goodSlip(0.7)},
	), store, pub, zerolog.Nop())

	start := racing.StartAt(time.Now().Add(3 * time.Minute))
	coordinator.HandleAnalysisReady(context.Background(), triggerPayload(t, start))

	if store.count() != 2 {
		t.Fatalf("expected 2 predictions saved, got %d", store.count())
	}
	if got := pub.published(bus.ChannelPredictions); got != 2 {
		t.Fatalf("expected 2 announcements, got %d", got)
	}
}

func TestPredictorFailureIsIsolated(t *testing.T) {
	store := &memoryPredictionStore{}
	pub := &fakePublisher{}
	coordinator := New(Options{MinConfidence: 0.5}, predictors(
		&fakePredictor{name: "gemini", err: errors.New("model timeout")},
		&fakePredictor{name: "grok", slip: goodSlip(0.9)},
	), store, pub, zerolog.Nop())

	start := racing.StartAt(time.Now().Add(3 * time.Minute))
	coordinator.HandleAnalysisReady(context.Background(), triggerPayload(t, start))

	if store.count() != 1 {
		t.Fatalf("one predictor failed, still expected 1 saved prediction, got %d", store.count())
	}
	if got := pub.published(bus.ChannelPredictions); got != 1 {
		t.Fatalf("expected 1 announcement, got %d", got)
	}
}

func TestLowConfidenceSlipDiscarded(t *testing.T) {
	store := &memoryPredictionStore{}
	pub := &fakePublisher{}
	coordinator := New(Options{MinConfidence: 0.5}, predictors(
		&fakePredictor{name: "gemini", slip: goodSlip(0.3)},
	), store, pub, zerolog.Nop())

	start := racing.StartAt(time.Now().Add(3 * time.Minute))
	coordinator.HandleAnalysisReady(context.Background(), triggerPayload(t, start))

	if store.count() != 0 {
		t.Fatalf("low-confidence slip must not be saved, got %d", store.count())
	}
}

func TestMissingStartTimeRejected(t *testing.T) {
	store := &memoryPredictionStore{}
	pub := &fakePublisher{}
	coordinator := New(Options{MinConfidence: 0.5}, predictors(
		&fakePredictor{name: "gemini", slip: goodSlip(0.9)},
	), store, pub, zerolog.Nop())

	coordinator.HandleAnalysisReady(context.Background(), triggerPayload(t, racing.MissingStart()))

	if store.count() != 0 {
		t.Fatal("message without start time must be rejected before analysis")
	}
	if got := pub.published(bus.ChannelPredictions); got != 0 {
		t.Fatalf("rejected message must announce nothing, got %d", got)
	}
}

func TestMalformedTriggerRejected(t *testing.T) {
	store := &memoryPredictionStore{}
	pub := &fakePublisher{}
	coordinator := New(Options{MinConfidence: 0.5}, predictors(
		&fakePredictor{name: "gemini", slip: goodSlip(0.9)},
	), store, pub, zerolog.Nop())

	coordinator.HandleAnalysisReady(context.Background(), []byte("{not json"))

	if store.count() != 0 {
		t.Fatal("malformed message must be dropped")
	}
}
