// Package watcher polls the race source and opens the pipeline: it publishes
// analysis triggers for races entering the pre-start window and schedules the
// first result check for every upcoming race.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"race-agents/internal/bus"
	"race-agents/internal/metrics"
	"race-agents/internal/racing"
	"race-agents/internal/source"
	"race-agents/internal/storage"
)

// Options tune the trigger window and downstream scheduling.
type Options struct {
	// WindowStartMinutes/WindowEndMinutes bound the trigger window before
	// the advertised start. A race triggers once when
	// end <= minutes-until-start <= start.
	WindowStartMinutes float64
	WindowEndMinutes   float64

	// ResultWait offsets the first result check from the race start.
	ResultWait time.Duration

	// TriggerTTL bounds how long a trigger record blocks re-triggering.
	TriggerTTL time.Duration
}

// Watcher is the polling half of the pipeline.
type Watcher struct {
	opts      Options
	source    source.EventSource
	triggers  storage.TriggerStore
	publisher bus.Publisher
	logger    zerolog.Logger

	mu sync.Mutex
	// scheduled holds races whose result check was already announced,
	// keyed by race id with the check time for pruning.
	scheduled map[string]time.Time
	// tooClose suppresses repeat warnings for races first seen after the
	// window closed.
	tooClose map[string]time.Time
}

// New constructs a Watcher.
func New(opts Options, src source.EventSource, triggers storage.TriggerStore, publisher bus.Publisher, logger zerolog.Logger) *Watcher {
	return &Watcher{
		opts:      opts,
		source:    src,
		triggers:  triggers,
		publisher: publisher,
		logger:    logger.With().Str("component", "watcher").Logger(),
		scheduled: make(map[string]time.Time),
		tooClose:  make(map[string]time.Time),
	}
}

// Tick runs one poll cycle. A failed source fetch fails the tick; the
// scheduler logs it and the next cycle starts clean.
func (w *Watcher) Tick(ctx context.Context, now time.Time) error {
	races, err := w.source.ListUpcoming(ctx)
	if err != nil {
		return fmt.Errorf("list upcoming races: %w", err)
	}

	if purged, err := w.triggers.PurgeExpired(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("purge expired triggers failed")
	} else if purged > 0 {
		w.logger.Debug().Int64("purged", purged).Msg("expired trigger records removed")
	}

	for i := range races {
		race := &races[i]
		w.inspect(ctx, race, now)
	}

	w.prune(now)
	return nil
}

func (w *Watcher) inspect(ctx context.Context, race *racing.Race, now time.Time) {
	start, ok := race.Start.Known()
	if !ok {
		w.logger.Debug().Str("race_id", race.ID).Str("race", race.Label()).
			Msg("start time missing, race skipped")
		return
	}

	w.scheduleResultCheck(ctx, race, start)

	minutes := race.Start.MinutesUntil(now)
	switch {
	case minutes > w.opts.WindowStartMinutes:
		w.logger.Debug().Str("race_id", race.ID).Float64("minutes_to_start", minutes).
			Msg("race not yet inside analysis window")

	case minutes < w.opts.WindowEndMinutes:
		w.markTooClose(race, minutes)

	default:
		w.trigger(ctx, race, minutes)
	}
}

// trigger publishes the analysis message if this instance wins the barrier.
func (w *Watcher) trigger(ctx context.Context, race *racing.Race, minutes float64) {
	created, err := w.triggers.MarkTriggered(ctx, race.ID, w.opts.TriggerTTL)
	if err != nil {
		w.logger.Error().Err(err).Str("race_id", race.ID).Msg("trigger barrier check failed")
		return
	}
	if !created {
		return
	}

	msg := bus.AnalysisReady{
		RaceID:      race.ID,
		Race:        *race,
		Start:       race.Start,
		PublishedAt: time.Now().UTC(),
	}
	if err := w.publisher.Publish(ctx, bus.ChannelAnalysisReady, msg); err != nil {
		w.logger.Error().Err(err).Str("race_id", race.ID).Msg("publish analysis trigger failed")
		return
	}

	metrics.RacesTriggered.Inc()
	w.logger.Info().Str("race_id", race.ID).Str("race", race.Label()).
		Float64("minutes_to_start", minutes).Msg("race triggered for analysis")
}

// markTooClose logs the distinct skip reason once per race.
func (w *Watcher) markTooClose(race *racing.Race, minutes float64) {
	w.mu.Lock()
	_, seen := w.tooClose[race.ID]
	if !seen {
		w.tooClose[race.ID] = time.Now().Add(w.opts.TriggerTTL)
	}
	w.mu.Unlock()
	if seen {
		return
	}

	metrics.RacesTooClose.Inc()
	w.logger.Warn().Str("race_id", race.ID).Str("race", race.Label()).
		Float64("minutes_to_start", minutes).Msg("race too close to start, analysis skipped")
}

// scheduleResultCheck announces the first result poll for the race, once.
// Scheduling is independent of the analysis window so results are tracked
// even for races whose analysis never ran.
func (w *Watcher) scheduleResultCheck(ctx context.Context, race *racing.Race, start time.Time) {
	w.mu.Lock()
	if _, done := w.scheduled[race.ID]; done {
		w.mu.Unlock()
		return
	}
	checkAt := start.Add(w.opts.ResultWait)
	w.scheduled[race.ID] = checkAt
	w.mu.Unlock()

	msg := bus.ResultCheckScheduled{
		RaceID:      race.ID,
		CheckTime:   checkAt.UTC(),
		PublishedAt: time.Now().UTC(),
	}
	if err := w.publisher.Publish(ctx, bus.ChannelResultCheck, msg); err != nil {
		w.logger.Error().Err(err).Str("race_id", race.ID).Msg("publish result check failed")
		w.mu.Lock()
		delete(w.scheduled, race.ID)
		w.mu.Unlock()
		return
	}

	w.logger.Debug().Str("race_id", race.ID).Time("check_at", checkAt).
		Msg("result check scheduled")
}

// prune drops bookkeeping entries whose relevance has passed.
func (w *Watcher) prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for raceID, checkAt := range w.scheduled {
		if now.After(checkAt.Add(w.opts.TriggerTTL)) {
			delete(w.scheduled, raceID)
		}
	}
	for raceID, expiry := range w.tooClose {
		if now.After(expiry) {
			delete(w.tooClose, raceID)
		}
	}
}
