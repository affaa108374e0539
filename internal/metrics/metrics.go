// Package metrics exposes pipeline counters and the optional scrape server.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	RacesTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_races_triggered_total",
		Help: "Races that entered the analysis window and were published.",
	})

	RacesTooClose = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_races_too_close_total",
		Help: "Races first seen after the window had already closed.",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racewatcher_messages_rejected_total",
		Help: "Bus messages dropped as malformed or incomplete.",
	}, []string{"channel"})

	PredictionsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racewatcher_predictions_saved_total",
		Help: "Predictions persisted, per predictor.",
	}, []string{"predictor"})

	PredictorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racewatcher_predictor_failures_total",
		Help: "Predictor calls that returned an error, per predictor.",
	}, []string{"predictor"})

	SettlementsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_settlements_total",
		Help: "Prediction outcomes written.",
	})

	ChecksExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_result_checks_exhausted_total",
		Help: "Result polls abandoned after the retry budget.",
	})

	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_notifications_sent_total",
		Help: "Notifications delivered.",
	})

	NotificationsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_notifications_throttled_total",
		Help: "Notification sends deferred by provider rate limiting.",
	})

	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racewatcher_notifications_failed_total",
		Help: "Notifications dropped after exhausting delivery attempts.",
	})
)

// Serve runs the scrape endpoint until the context is cancelled.
func Serve(ctx context.Context, port string, logger zerolog.Logger) {
	log := logger.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
