package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	WebhookUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_updates_total",
		Help: "Входящие обновления вебхука по исходу",
	}, []string{"outcome"})

	GroupsSettledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_groups_settled_total",
		Help: "Медиагруппы, зафиксированные по тихому окну",
	})

	CaptionConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_caption_conflicts_total",
		Help: "Конфликты подписей внутри одной медиагруппы",
	})

	MediaTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_tasks_total",
		Help: "Задачи обработки медиа по исходу",
	}, []string{"outcome"})

	MediaProcessSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_process_seconds",
		Help:    "Время обработки одной задачи медиа",
		Buckets: prometheus.DefBuckets,
	})

	OutboxDrainedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_drained_total",
		Help: "Записи outbox по результату применения",
	}, []string{"operation", "status"})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Необработанные записи outbox на момент прохода",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		WebhookUpdatesTotal,
		GroupsSettledTotal,
		CaptionConflictsTotal,
		MediaTasksTotal,
		MediaProcessSeconds,
		OutboxDrainedTotal,
		OutboxPending,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
