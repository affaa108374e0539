// Package results waits out each race, polls the source for the official
// result under a bounded retry budget, and settles every stored prediction
// exactly once.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"race-agents/internal/bus"
	"race-agents/internal/metrics"
	"race-agents/internal/racing"
	"race-agents/internal/retry"
	"race-agents/internal/settlement"
	"race-agents/internal/source"
	"race-agents/internal/storage"
)

// Options tune result polling and startup recovery.
type Options struct {
	// Policy bounds the poll loop once the check time arrives.
	Policy retry.Policy

	// ResultWait offsets restored checks from the race start, mirroring
	// the offset the watcher used when it scheduled them.
	ResultWait time.Duration

	// RestoreHorizon bounds how far back startup recovery reaches.
	RestoreHorizon time.Duration
}

// Resolver is the settlement half of the pipeline.
type Resolver struct {
	opts        Options
	source      source.EventSource
	predictions storage.PredictionStore
	outcomes    storage.OutcomeStore
	publisher   bus.Publisher
	logger      zerolog.Logger

	now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New constructs a Resolver.
func New(opts Options, src source.EventSource, predictions storage.PredictionStore, outcomes storage.OutcomeStore, publisher bus.Publisher, logger zerolog.Logger) *Resolver {
	return &Resolver{
		opts:        opts,
		source:      src,
		predictions: predictions,
		outcomes:    outcomes,
		publisher:   publisher,
		logger:      logger.With().Str("component", "results").Logger(),
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
}

// Run subscribes the resolver to the schedule channel.
func (r *Resolver) Run(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, bus.ChannelResultCheck, r.HandleScheduled)
}

// Wait blocks until in-flight checks finish. Used during shutdown.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// HandleScheduled processes one schedule message.
func (r *Resolver) HandleScheduled(ctx context.Context, payload []byte) {
	var msg bus.ResultCheckScheduled
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MessagesRejected.WithLabelValues(bus.ChannelResultCheck).Inc()
		r.logger.Error().Err(err).Msg("malformed result schedule rejected")
		return
	}
	if msg.RaceID == "" || msg.CheckTime.IsZero() {
		metrics.MessagesRejected.WithLabelValues(bus.ChannelResultCheck).Inc()
		r.logger.Error().Str("race_id", msg.RaceID).Msg("incomplete result schedule rejected")
		return
	}

	r.start(ctx, msg.RaceID, msg.CheckTime)
}

// RestorePending re-arms checks for races that have predictions but no
// outcome, so a restart between schedule and settlement loses nothing.
func (r *Resolver) RestorePending(ctx context.Context) error {
	checks, err := r.predictions.PendingChecks(ctx, r.opts.RestoreHorizon)
	if err != nil {
		return fmt.Errorf("restore pending checks: %w", err)
	}

	for _, check := range checks {
		r.start(ctx, check.RaceID, check.RaceStart.Add(r.opts.ResultWait))
	}
	if len(checks) > 0 {
		r.logger.Info().Int("count", len(checks)).Msg("pending result checks restored")
	}
	return nil
}

// start launches the check goroutine unless one is already running for the
// race. The duplicate-schedule case is common after restarts: the watcher
// re-announces races while RestorePending re-arms them from the database.
func (r *Resolver) start(ctx context.Context, raceID string, checkAt time.Time) {
	r.mu.Lock()
	if _, running := r.inflight[raceID]; running {
		r.mu.Unlock()
		return
	}
	r.inflight[raceID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runCheck(ctx, raceID, checkAt)
}

func (r *Resolver) runCheck(ctx context.Context, raceID string, checkAt time.Time) {
	defer func() {
		r.mu.Lock()
		delete(r.inflight, raceID)
		r.mu.Unlock()
		r.wg.Done()
	}()

	if wait := checkAt.Sub(r.now()); wait > 0 {
		r.logger.Debug().Str("race_id", raceID).Dur("wait", wait).Msg("waiting for check time")
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	for attempt := 1; ; attempt++ {
		result, err := r.source.FetchResult(ctx, raceID)
		if err != nil {
			r.logger.Warn().Err(err).Str("race_id", raceID).Int("attempt", attempt).
				Msg("result fetch failed")
		} else if result != nil {
			r.settle(ctx, result)
			return
		}

		if r.opts.Policy.Exhausted(attempt) {
			metrics.ChecksExhausted.Inc()
			r.logger.Error().Str("race_id", raceID).Int("attempts", attempt).
				Msg("race result unavailable, checks exhausted")
			return
		}

		if err := r.opts.Policy.Sleep(ctx, attempt); err != nil {
			return
		}
	}
}

// settle writes one outcome per stored prediction. The unique constraint on
// prediction_id plus the HasOutcome pre-check make repeated settlement of
// the same race a no-op.
func (r *Resolver) settle(ctx context.Context, result *racing.RaceResult) {
	preds, err := r.predictions.PredictionsForRace(ctx, result.RaceID)
	if err != nil {
		r.logger.Error().Err(err).Str("race_id", result.RaceID).Msg("load predictions failed")
		return
	}
	if len(preds) == 0 {
		r.logger.Info().Str("race_id", result.RaceID).Msg("result received, no predictions to settle")
		return
	}

	for _, pred := range preds {
		r.settleOne(ctx, pred, result)
	}
}

func (r *Resolver) settleOne(ctx context.Context, pred storage.PredictionRecord, result *racing.RaceResult) {
	settled, err := r.outcomes.HasOutcome(ctx, pred.ID)
	if err != nil {
		r.logger.Error().Err(err).Int64("prediction_id", pred.ID).Msg("check outcome failed")
		return
	}
	if settled {
		r.logger.Debug().Int64("prediction_id", pred.ID).Msg("prediction already settled")
		return
	}

	var slip racing.BetSlip
	if err := json.Unmarshal(pred.BetSlip, &slip); err != nil {
		r.logger.Error().Err(err).Int64("prediction_id", pred.ID).Msg("decode stored bet slip failed")
		return
	}

	st := settlement.Settle(&slip, result, nil)

	order, err := json.Marshal(result.FinishingOrder)
	if err != nil {
		r.logger.Error().Err(err).Str("race_id", result.RaceID).Msg("encode finishing order failed")
		return
	}
	var dividends json.RawMessage
	if len(result.Dividends) > 0 {
		dividends, err = json.Marshal(result.Dividends)
		if err != nil {
			r.logger.Error().Err(err).Str("race_id", result.RaceID).Msg("encode dividends failed")
			return
		}
	}
	bets, err := json.Marshal(st)
	if err != nil {
		r.logger.Error().Err(err).Int64("prediction_id", pred.ID).Msg("encode settlement failed")
		return
	}

	rec, inserted, err := r.outcomes.InsertOutcome(ctx, storage.OutcomeRecord{
		PredictionID:   pred.ID,
		RaceID:         result.RaceID,
		FinishingOrder: order,
		Dividends:      dividends,
		BetResults:     bets,
		TotalStaked:    st.TotalStaked,
		TotalPayout:    st.TotalPayout,
		NetProfit:      st.Net,
	})
	if err != nil {
		r.logger.Error().Err(err).Int64("prediction_id", pred.ID).Msg("persist outcome failed")
		return
	}
	if !inserted {
		r.logger.Debug().Int64("prediction_id", pred.ID).Msg("outcome already recorded")
		return
	}

	metrics.SettlementsRecorded.Inc()

	announce := bus.ResultPublished{
		RaceID:       result.RaceID,
		PredictionID: pred.ID,
		OutcomeID:    rec.ID,
		Summary:      outcomeSummary(st),
		PublishedAt:  time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, bus.ChannelResults, announce); err != nil {
		r.logger.Error().Err(err).Int64("outcome_id", rec.ID).Msg("publish outcome failed")
		return
	}

	r.logger.Info().Str("race_id", result.RaceID).Str("predictor", pred.Predictor).
		Int64("prediction_id", pred.ID).Str("net", st.Net.StringFixed(2)).
		Msg("prediction settled")
}

func outcomeSummary(st settlement.Settlement) string {
	won := 0
	for _, bet := range st.Bets {
		if bet.Won {
			won++
		}
	}
	return fmt.Sprintf("%d/%d bets won, net %s", won, len(st.Bets), st.Net.StringFixed(2))
}
