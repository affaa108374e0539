package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"race-agents/internal/analysis"
	"race-agents/internal/bus"
	"race-agents/internal/config"
	"race-agents/internal/dispatch"
	"race-agents/internal/metrics"
	"race-agents/internal/predictor"
	"race-agents/internal/research"
	"race-agents/internal/results"
	"race-agents/internal/retry"
	"race-agents/internal/scheduler"
	"race-agents/internal/source"
	"race-agents/internal/storage"
	"race-agents/internal/watcher"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (a *App) newSource() source.EventSource {
	return source.NewTabTouch(source.TabTouchOptions{
		BaseURL:   a.Config.Source.BaseURL,
		Timeout:   a.Config.Source.RequestTimeout,
		UserAgent: a.Config.Source.UserAgent,
	}, a.Logger)
}

func (a *App) newPredictors(cache *research.Cache) []predictor.Predictor {
	client := predictor.NewClient(
		a.Config.Predictors.Endpoint,
		a.Config.Predictors.APIKey,
		a.Config.Predictors.RequestTimeout,
	)

	predictors := make([]predictor.Predictor, 0, len(a.Config.Predictors.Agents))
	for _, agent := range a.Config.Predictors.Agents {
		predictors = append(predictors, predictor.NewChatPredictor(agent, client, cache, a.Logger))
	}
	return predictors
}

func (a *App) newNotifier() dispatch.Notifier {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return dispatch.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return dispatch.NewLogNotifier(a.Logger)
}

// Run executes the long-running pipeline service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	b := bus.New(redisClient, a.Logger)
	cache := research.NewCache(a.Config.Research.TTL, a.Config.Research.MaxEntries)

	w := watcher.New(watcher.Options{
		WindowStartMinutes: a.Config.Watcher.WindowStartMinutes,
		WindowEndMinutes:   a.Config.Watcher.WindowEndMinutes,
		ResultWait:         a.Config.Results.WaitAfterStart,
		TriggerTTL:         a.Config.Watcher.TriggerTTL,
	}, a.newSource(), store, b, a.Logger)

	coordinator := analysis.New(analysis.Options{
		MinConfidence: a.Config.Analysis.MinConfidence,
	}, a.newPredictors(cache), store, b, a.Logger)

	resolver := results.New(results.Options{
		Policy: retry.Policy{
			MaxAttempts: a.Config.Results.MaxRetries,
			Interval:    a.Config.Results.RetryInterval,
			Backoff:     retry.Fixed(),
		},
		ResultWait:     a.Config.Results.WaitAfterStart,
		RestoreHorizon: a.Config.Results.RestoreHorizon,
	}, a.newSource(), store, store, b, a.Logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		PerSecond: a.Config.Dispatch.PerSecond,
		Policy: retry.Policy{
			MaxAttempts: a.Config.Dispatch.MaxAttempts,
			Interval:    a.Config.Dispatch.BackoffBase,
			Backoff:     retry.Exponential(a.Config.Dispatch.BackoffCap),
		},
	}, a.newNotifier(), a.Logger)
	consumer := dispatch.NewConsumer(dispatcher, store, store, a.Logger)

	if a.Config.Metrics.Enabled {
		go metrics.Serve(ctx, a.Config.Metrics.Port, a.Logger)
	}

	if err := resolver.RestorePending(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("restore pending checks failed")
	}

	coordinator.Run(ctx, b)
	resolver.Run(ctx, b)
	consumer.Run(ctx, b)
	go dispatcher.Run(ctx)

	loop := scheduler.New(scheduler.Options{
		Interval:     a.Config.Watcher.PollInterval,
		StartupDelay: a.Config.Watcher.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting race pipeline")
	err = loop.Run(ctx, w.Tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.drain(coordinator, resolver)
	a.Logger.Info().Msg("race pipeline stopped")
	return nil
}

// drain waits out in-flight analyses and settlements, bounded by the
// configured shutdown grace.
func (a *App) drain(coordinator *analysis.Coordinator, resolver *results.Resolver) {
	grace := a.Config.App.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		coordinator.Wait()
		resolver.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		a.Logger.Warn().Dur("grace", grace).Msg("shutdown grace expired with work in flight")
	}
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting settled outcomes.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}
