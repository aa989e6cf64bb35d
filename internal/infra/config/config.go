package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token         string `envconfig:"TG_BOT_TOKEN"`
		WebhookSecret string `envconfig:"TG_WEBHOOK_SECRET"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL   string `envconfig:"AMQP_URL"`
		Queue string `envconfig:"MEDIA_QUEUE" default:"media_tasks"`
	} `envconfig:""`

	Storage struct {
		Endpoint  string `envconfig:"S3_ENDPOINT"`
		Region    string `envconfig:"S3_REGION" default:"us-east-1"`
		Bucket    string `envconfig:"S3_BUCKET" default:"telegram-media"`
		PublicURL string `envconfig:"S3_PUBLIC_URL"`
	} `envconfig:""`

	Glide struct {
		Token   string        `envconfig:"GLIDE_API_TOKEN"`
		AppID   string        `envconfig:"GLIDE_APP_ID"`
		TableID string        `envconfig:"GLIDE_TABLE_ID"`
		BaseURL string        `envconfig:"GLIDE_BASE_URL"`
		Timeout time.Duration `envconfig:"GLIDE_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Analyzer struct {
		APIKey  string        `envconfig:"ANALYZER_API_KEY"`
		BaseURL string        `envconfig:"ANALYZER_BASE_URL"`
		Model   string        `envconfig:"ANALYZER_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"ANALYZER_TIMEOUT" default:"30s"`
		CacheTTL time.Duration `envconfig:"ANALYZER_CACHE_TTL" default:"24h"`
	} `envconfig:""`

	Pipeline struct {
		QuietWindow   time.Duration `envconfig:"GROUP_QUIET_WINDOW" default:"15s"`
		SweepInterval time.Duration `envconfig:"GROUP_SWEEP_INTERVAL" default:"5s"`
		MaxAttempts   int           `envconfig:"TASK_MAX_ATTEMPTS" default:"5"`
		BackoffBase   time.Duration `envconfig:"TASK_BACKOFF_BASE" default:"500ms"`
		BackoffCap    time.Duration `envconfig:"TASK_BACKOFF_CAP" default:"30s"`
		FetchTimeout  time.Duration `envconfig:"FETCH_TIMEOUT" default:"60s"`
		DrainBatch    int           `envconfig:"SYNC_DRAIN_BATCH" default:"50"`
		DrainInterval time.Duration `envconfig:"SYNC_DRAIN_INTERVAL" default:"1m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
