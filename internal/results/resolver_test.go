package results

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
	"race-agents/internal/racing"
	"race-agents/internal/retry"
	"race-agents/internal/storage"
)

type countingSource struct {
	mu     sync.Mutex
	calls  int
	result *racing.RaceResult
	// availableAfter gates the result behind N empty polls.
	availableAfter int
}

func (c *countingSource) ListUpcoming(context.Context) ([]racing.Race, error) {
	return nil, nil
}

func (c *countingSource) FetchResult(context.Context, string) (*racing.RaceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.result != nil && c.calls > c.availableAfter {
		return c.result, nil
	}
	return nil, nil
}

func (c *countingSource) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memoryStore struct {
	mu          sync.Mutex
	predictions []storage.PredictionRecord
	outcomes    map[int64]storage.OutcomeRecord
	nextOutcome int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{outcomes: make(map[int64]storage.OutcomeRecord)}
}

func (m *memoryStore) InsertPrediction(_ context.Context, rec storage.PredictionRecord) (storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.predictions) + 1)
	m.predictions = append(m.predictions, rec)
	return rec, nil
}

func (m *memoryStore) PredictionsForRace(_ context.Context, raceID string) ([]storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PredictionRecord
	for _, rec := range m.predictions {
		if rec.RaceID == raceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryStore) GetPrediction(_ context.Context, id int64) (storage.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.predictions {
		if rec.ID == id {
			return rec, nil
		}
	}
	return storage.PredictionRecord{}, errors.New("not found")
}

func (m *memoryStore) ListRecentPredictions(context.Context, int) ([]storage.PredictionRecord, error) {
	return nil, nil
}

func (m *memoryStore) PendingChecks(context.Context, time.Duration) ([]storage.PendingCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PendingCheck
	for _, rec := range m.predictions {
		if _, settled := m.outcomes[rec.ID]; !settled && rec.RaceStart != nil {
			out = append(out, storage.PendingCheck{RaceID: rec.RaceID, RaceStart: *rec.RaceStart})
		}
	}
	return out, nil
}

func (m *memoryStore) InsertOutcome(_ context.Context, rec storage.OutcomeRecord) (storage.OutcomeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.outcomes[rec.PredictionID]; exists {
		return storage.OutcomeRecord{}, false, nil
	}
	m.nextOutcome++
	rec.ID = m.nextOutcome
	rec.SettledAt = time.Now().UTC()
	m.outcomes[rec.PredictionID] = rec
	return rec, true, nil
}

func (m *memoryStore) HasOutcome(_ context.Context, predictionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.outcomes[predictionID]
	return ok, nil
}

func (m *memoryStore) GetOutcome(_ context.Context, predictionID int64) (storage.OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outcomes[predictionID]
	if !ok {
		return storage.OutcomeRecord{}, errors.New("not found")
	}
	return rec, nil
}

func (m *memoryStore) ListOutcomesBetween(context.Context, time.Time, time.Time) ([]storage.OutcomeRecord, error) {
	return nil, nil
}

func (m *memoryStore) Statistics(context.Context) ([]storage.PredictorStats, error) {
	return nil, nil
}

func (m *memoryStore) outcomeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
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

func testOptions() Options {
	return Options{
		Policy: retry.Policy{
			MaxAttempts: 5,
			Interval:    time.Millisecond,
			Backoff:     retry.Fixed(),
		},
		ResultWait:     15 * time.Minute,
		RestoreHorizon: 24 * time.Hour,
	}
}

func storedPrediction(t *testing.T, store *memoryStore, raceID string) storage.PredictionRecord {
	t.Helper()
	slip := racing.BetSlip{
		RaceID:     raceID,
		Confidence: 0.8,
		Win:        &racing.WinBet{Runner: 5, Stake: decimal.NewFromInt(10)},
	}
	body, err := json.Marshal(&slip)
	if err != nil {
		t.Fatalf("marshal slip: %v", err)
	}
	start := time.Now().Add(-20 * time.Minute).UTC()
	rec, err := store.InsertPrediction(context.Background(), storage.PredictionRecord{
		RaceID:    raceID,
		Predictor: "gemini",
		RaceStart: &start,
		BetSlip:   body,
	})
	if err != nil {
		t.Fatalf("insert prediction: %v", err)
	}
	return rec
}

func schedulePayload(t *testing.T, raceID string, checkAt time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(bus.ResultCheckScheduled{
		RaceID:      raceID,
		CheckTime:   checkAt,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal schedule: %v", err)
	}
	return body
}

func winningResult(raceID string) *racing.RaceResult {
	return &racing.RaceResult{
		RaceID: raceID,
		FinishingOrder: []racing.Placing{
			{Number: 5, FixedWin: decimal.NewFromFloat(3.5), FixedPlace: decimal.NewFromFloat(1.4)},
			{Number: 2, FixedWin: decimal.NewFromFloat(6.0), FixedPlace: decimal.NewFromFloat(2.1)},
			{Number: 9, FixedWin: decimal.NewFromFloat(12.0), FixedPlace: decimal.NewFromFloat(3.0)},
		},
	}
}

func TestCheckExhaustsRetryBudget(t *testing.T) {
	src := &countingSource{}
	store := newMemoryStore()
	storedPrediction(t, store, "ascot-r4")
	pub := &fakePublisher{}

	r := New(testOptions(), src, store, store, pub, zerolog.Nop())
	r.HandleScheduled(context.Background(), schedulePayload(t, "ascot-r4", time.Now().Add(-time.Minute)))
	r.Wait()

	if got := src.callCount(); got != 5 {
		t.Fatalf("expected exactly 5 poll attempts, got %d", got)
	}
	if store.outcomeCount() != 0 {
		t.Fatal("exhausted check must not settle anything")
	}
	if got := pub.published(bus.ChannelResults); got != 0 {
		t.Fatalf("exhausted check must publish nothing, got %d", got)
	}
}

func TestResultAfterRetriesSettles(t *testing.T) {
	src := &countingSource{result: winningResult("ascot-r4"), availableAfter: 2}
	store := newMemoryStore()
	pred := storedPrediction(t, store, "ascot-r4")
	pub := &fakePublisher{}

	r := New(testOptions(), src, store, store, pub, zerolog.Nop())
	r.HandleScheduled(context.Background(), schedulePayload(t, "ascot-r4", time.Now().Add(-time.Minute)))
	r.Wait()

	if got := src.callCount(); got != 3 {
		t.Fatalf("expected 3 poll attempts, got %d", got)
	}
	if store.outcomeCount() != 1 {
		t.Fatalf("expected 1 outcome, got %d", store.outcomeCount())
	}
	if got := pub.published(bus.ChannelResults); got != 1 {
		t.Fatalf("expected 1 announcement, got %d", got)
	}

	outcome, err := store.GetOutcome(context.Background(), pred.ID)
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	// win 10 @ 3.5 = 35 payout, net +25
	if !outcome.NetProfit.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("net profit = %s, want 25", outcome.NetProfit)
	}
}

func TestSettlementIsIdempotent(t *testing.T) {
	src := &countingSource{result: winningResult("ascot-r4")}
	store := newMemoryStore()
	storedPrediction(t, store, "ascot-r4")
	pub := &fakePublisher{}

	r := New(testOptions(), src, store, store, pub, zerolog.Nop())

	payload := schedulePayload(t, "ascot-r4", time.Now().Add(-time.Minute))
	r.HandleScheduled(context.Background(), payload)
	r.Wait()
	r.HandleScheduled(context.Background(), payload)
	r.Wait()

	if store.outcomeCount() != 1 {
		t.Fatalf("re-settling must be a no-op, got %d outcomes", store.outcomeCount())
	}
	if got := pub.published(bus.ChannelResults); got != 1 {
		t.Fatalf("expected 1 announcement across both runs, got %d", got)
	}
}

func TestDuplicateScheduleCollapses(t *testing.T) {
	src := &countingSource{}
	store := newMemoryStore()
	storedPrediction(t, store, "ascot-r4")
	pub := &fakePublisher{}

	opts := testOptions()
	opts.Policy.MaxAttempts = 1
	r := New(opts, src, store, store, pub, zerolog.Nop())

	// Far-future check time keeps the first goroutine parked while the
	// duplicate arrives.
	payload := schedulePayload(t, "ascot-r4", time.Now().Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	r.HandleScheduled(ctx, payload)
	r.HandleScheduled(ctx, payload)

	r.mu.Lock()
	inflight := len(r.inflight)
	r.mu.Unlock()
	if inflight != 1 {
		t.Fatalf("expected 1 in-flight check, got %d", inflight)
	}

	cancel()
	r.Wait()
}

func TestRestorePendingRearmsChecks(t *testing.T) {
	src := &countingSource{result: winningResult("ascot-r4")}
	store := newMemoryStore()
	storedPrediction(t, store, "ascot-r4")
	pub := &fakePublisher{}

	r := New(testOptions(), src, store, store, pub, zerolog.Nop())
	if err := r.RestorePending(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	r.Wait()

	if store.outcomeCount() != 1 {
		t.Fatalf("restored check should settle the prediction, got %d outcomes", store.outcomeCount())
	}
}

func TestMalformedScheduleRejected(t *testing.T) {
	src := &countingSource{}
	store := newMemoryStore()
	pub := &fakePublisher{}

	r := New(testOptions(), src, store, store, pub, zerolog.Nop())
	r.HandleScheduled(context.Background(), []byte("{not json"))
	r.HandleScheduled(context.Background(), schedulePayload(t, "", time.Now()))
	r.Wait()

	if got := src.callCount(); got != 0 {
		t.Fatalf("rejected schedules must not poll, got %d calls", got)
	}
}
