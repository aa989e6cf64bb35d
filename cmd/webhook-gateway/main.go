package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-media-vault/internal/adapters/analyzer"
	"tg-media-vault/internal/adapters/repo"
	"tg-media-vault/internal/adapters/webhook"
	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/cache"
	"tg-media-vault/internal/infra/config"
	"tg-media-vault/internal/infra/db"
	httpserver "tg-media-vault/internal/infra/http"
	"tg-media-vault/internal/infra/log"
	"tg-media-vault/internal/infra/metrics"
	"tg-media-vault/internal/infra/queue"
	"tg-media-vault/internal/usecase/ingest"
	"tg-media-vault/internal/usecase/reconcile"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("webhook-gateway: подключение к postgres")
	}
	defer pool.Close()
	repos := repo.NewPostgres(pool)
	outbox := repo.NewPostgresOutbox(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	var tasks domain.MediaTaskQueue
	switch {
	case cfg.AMQP.URL != "":
		rabbit, err := queue.NewRabbitMediaQueue(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			logger.Fatal().Err(err).Msg("webhook-gateway: подключение к amqp")
		}
		defer rabbit.Close()
		tasks = rabbit
	case redisClient != nil:
		tasks = queue.NewRedisMediaQueue(redisClient, cfg.AMQP.Queue)
	default:
		logger.Fatal().Msg("webhook-gateway: не настроен ни AMQP_URL, ни REDIS_ADDR")
	}

	var captions domain.CaptionAnalyzer = analyzer.NewRules()
	if cfg.Analyzer.APIKey != "" {
		client := analyzer.NewClient(cfg.Analyzer.APIKey, cfg.Analyzer.BaseURL, cfg.Analyzer.Timeout)
		captions = analyzer.NewLLM(client, cfg.Analyzer.Model, logger)
	}
	if redisClient != nil {
		captions = analyzer.NewCached(captions, cache.NewRedis(redisClient), cfg.Analyzer.CacheTTL)
	}

	reconciler := reconcile.NewService(repos, repos, captions, tasks, outbox, cfg.Pipeline.QuietWindow, logger)
	ingestSvc := ingest.NewService(repos, reconciler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(cfg.Pipeline.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := reconciler.SweepSettled(time.Now().UTC()); err != nil {
					logger.Error().Err(err).Msg("webhook-gateway: проход свипера не удался")
				}
			}
		}
	}()

	server := httpserver.NewServer(logger)
	handler := webhook.NewHandler(cfg.Telegram.WebhookSecret, ingestSvc, repos, tasks, logger)
	handler.Register(server.Router)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("webhook-gateway: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("webhook-gateway: graceful shutdown не удался")
		os.Exit(1)
	}
	logger.Info().Msg("webhook-gateway: остановлен")
}
