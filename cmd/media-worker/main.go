package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-media-vault/internal/adapters/repo"
	"tg-media-vault/internal/adapters/storage"
	"tg-media-vault/internal/adapters/telegram"
	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/config"
	"tg-media-vault/internal/infra/db"
	"tg-media-vault/internal/infra/log"
	"tg-media-vault/internal/infra/metrics"
	"tg-media-vault/internal/infra/queue"
	"tg-media-vault/internal/pkg/retry"
	"tg-media-vault/internal/usecase/process"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("media-worker: подключение к postgres")
	}
	defer pool.Close()
	repos := repo.NewPostgres(pool)
	outbox := repo.NewPostgresOutbox(pool)

	var tasks domain.MediaTaskQueue
	switch {
	case cfg.AMQP.URL != "":
		rabbit, err := queue.NewRabbitMediaQueue(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			logger.Fatal().Err(err).Msg("media-worker: подключение к amqp")
		}
		defer rabbit.Close()
		tasks = rabbit
	case cfg.RedisAddr != "":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		tasks = queue.NewRedisMediaQueue(redisClient, cfg.AMQP.Queue)
	default:
		logger.Fatal().Msg("media-worker: не настроен ни AMQP_URL, ни REDIS_ADDR")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("media-worker: инициализация Bot API")
	}
	fetcher := telegram.NewBotFileFetcher(bot, cfg.Pipeline.FetchTimeout)

	blobs, err := storage.NewS3BlobStore(ctx, storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("media-worker: инициализация хранилища")
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Base:        cfg.Pipeline.BackoffBase,
		Cap:         cfg.Pipeline.BackoffCap,
	}
	svc := process.NewService(repos, fetcher, blobs, outbox, policy, logger)

	metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.Port))

	logger.Info().Str("queue", cfg.AMQP.Queue).Msg("media-worker: запущен")
	if err := svc.Run(ctx, tasks); err != nil {
		logger.Error().Err(err).Msg("media-worker: цикл обработки завершился с ошибкой")
	}
	logger.Info().Msg("media-worker: остановлен")
}
