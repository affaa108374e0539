package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"race-agents/internal/bus"
	"race-agents/internal/racing"
	"race-agents/internal/storage"
)

type fakeSource struct {
	races []racing.Race
	err   error
}

func (f *fakeSource) ListUpcoming(context.Context) ([]racing.Race, error) {
	return f.races, f.err
}

func (f *fakeSource) FetchResult(context.Context, string) (*racing.RaceResult, error) {
	return nil, nil
}

type capturedMessage struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []capturedMessage
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, capturedMessage{channel: channel, payload: body})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) onChannel(channel string) []capturedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedMessage
	for _, msg := range f.messages {
		if msg.channel == channel {
			out = append(out, msg)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		WindowStartMinutes: 5,
		WindowEndMinutes:   0.5,
		ResultWait:         15 * time.Minute,
		TriggerTTL:         24 * time.Hour,
	}
}

func raceAt(id string, start racing.StartTime) racing.Race {
	return racing.Race{ID: id, Course: "Ascot", Number: 4, Start: start}
}

func TestTickWindowClassification(t *testing.T) {
	now := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{races: []racing.Race{
		raceAt("in-window", racing.StartAt(now.Add(3*time.Minute))),
		raceAt("too-early", racing.StartAt(now.Add(6*time.Minute))),
		raceAt("too-close", racing.StartAt(now.Add(12*time.Second))),
		raceAt("no-start", racing.MissingStart()),
	}}
	pub := &fakePublisher{}
	w := New(testOptions(), src, storage.NewMemoryTriggerStore(), pub, zerolog.Nop())

	if err := w.Tick(context.Background(), now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	triggers := pub.onChannel(bus.ChannelAnalysisReady)
	if len(triggers) != 1 {
		t.Fatalf("expected 1 analysis trigger, got %d", len(triggers))
	}
	var trigger bus.AnalysisReady
	if err := json.Unmarshal(triggers[0].payload, &trigger); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if trigger.RaceID != "in-window" {
		t.Fatalf("triggered race = %s, want in-window", trigger.RaceID)
	}
	if _, ok := trigger.Start.Known(); !ok {
		t.Fatal("trigger must carry the start time")
	}

	// Result checks go out for every race with a known start, window or not.
	checks := pub.onChannel(bus.ChannelResultCheck)
	if len(checks) != 3 {
		t.Fatalf("expected 3 result checks, got %d", len(checks))
	}
	var check bus.ResultCheckScheduled
	if err := json.Unmarshal(checks[0].payload, &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if want := now.Add(3*time.Minute + 15*time.Minute); !check.CheckTime.Equal(want) {
		t.Fatalf("check time = %v, want %v", check.CheckTime, want)
	}
}

func TestTickTriggersOncePerRace(t *testing.T) {
	now := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{races: []racing.Race{
		raceAt("ascot-r4", racing.StartAt(now.Add(3 * time.Minute))),
	}}
	pub := &fakePublisher{}
	triggers := storage.NewMemoryTriggerStore()
	w := New(testOptions(), src, triggers, pub, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := w.Tick(context.Background(), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("tick %d failed: %v", i, err)
		}
	}

	if got := len(pub.onChannel(bus.ChannelAnalysisReady)); got != 1 {
		t.Fatalf("race triggered %d times, want exactly once", got)
	}
	if got := len(pub.onChannel(bus.ChannelResultCheck)); got != 1 {
		t.Fatalf("result check scheduled %d times, want exactly once", got)
	}
}

func TestTriggerBarrierSurvivesRestart(t *testing.T) {
	now := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{races: []racing.Race{
		raceAt("ascot-r4", racing.StartAt(now.Add(3 * time.Minute))),
	}}
	triggers := storage.NewMemoryTriggerStore()

	first := &fakePublisher{}
	w1 := New(testOptions(), src, triggers, first, zerolog.Nop())
	if err := w1.Tick(context.Background(), now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := len(first.onChannel(bus.ChannelAnalysisReady)); got != 1 {
		t.Fatalf("expected 1 trigger before restart, got %d", got)
	}

	// New watcher, same persistent barrier: the race must not re-trigger.
	second := &fakePublisher{}
	w2 := New(testOptions(), src, triggers, second, zerolog.Nop())
	if err := w2.Tick(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("tick after restart failed: %v", err)
	}
	if got := len(second.onChannel(bus.ChannelAnalysisReady)); got != 0 {
		t.Fatalf("race re-triggered after restart: %d messages", got)
	}
}

func TestTickSourceFailureIsIsolated(t *testing.T) {
	src := &fakeSource{err: errors.New("upstream down")}
	pub := &fakePublisher{}
	w := New(testOptions(), src, storage.NewMemoryTriggerStore(), pub, zerolog.Nop())

	now := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	if err := w.Tick(context.Background(), now); err == nil {
		t.Fatal("tick should surface the fetch error")
	}
	if len(pub.messages) != 0 {
		t.Fatal("failed fetch must publish nothing")
	}

	// Next cycle recovers cleanly.
	src.err = nil
	src.races = []racing.Race{raceAt("ascot-r4", racing.StartAt(now.Add(2 * time.Minute)))}
	if err := w.Tick(context.Background(), now); err != nil {
		t.Fatalf("recovery tick failed: %v", err)
	}
	if got := len(pub.onChannel(bus.ChannelAnalysisReady)); got != 1 {
		t.Fatalf("expected 1 trigger after recovery, got %d", got)
	}
}

func TestTooCloseRaceNeverTriggers(t *testing.T) {
	now := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{races: []racing.Race{
		raceAt("late-seen", racing.StartAt(now.Add(10 * time.Second))),
	}}
	pub := &fakePublisher{}
	w := New(testOptions(), src, storage.NewMemoryTriggerStore(), pub, zerolog.Nop())

	if err := w.Tick(context.Background(), now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if got := len(pub.onChannel(bus.ChannelAnalysisReady)); got != 0 {
		t.Fatalf("too-close race must not trigger analysis, got %d", got)
	}
	if got := len(pub.onChannel(bus.ChannelResultCheck)); got != 1 {
		t.Fatalf("too-close race still gets a result check, got %d", got)
	}
}
