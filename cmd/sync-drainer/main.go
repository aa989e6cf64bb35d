package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tg-media-vault/internal/adapters/glide"
	"tg-media-vault/internal/adapters/repo"
	"tg-media-vault/internal/infra/config"
	"tg-media-vault/internal/infra/db"
	httpserver "tg-media-vault/internal/infra/http"
	"tg-media-vault/internal/infra/log"
	"tg-media-vault/internal/infra/metrics"
	"tg-media-vault/internal/usecase/syncer"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("sync-drainer: подключение к postgres")
	}
	defer pool.Close()
	repos := repo.NewPostgres(pool)
	outbox := repo.NewPostgresOutbox(pool)

	client := glide.NewClient(glide.Config{
		BaseURL: cfg.Glide.BaseURL,
		Token:   cfg.Glide.Token,
		AppID:   cfg.Glide.AppID,
		Timeout: cfg.Glide.Timeout,
	})
	svc := syncer.NewService(outbox, repos, client, cfg.Glide.TableID, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.Run(ctx, cfg.Pipeline.DrainInterval, cfg.Pipeline.DrainBatch)

	server := httpserver.NewServer(logger)
	server.Router.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
		// Тело опционально: пустой запрос означает полный проход.
		var req struct {
			TableID   string   `json:"tableId"`
			RecordIDs []string `json:"recordIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		result, err := svc.DrainFiltered(r.Context(), cfg.Pipeline.DrainBatch, req.TableID, req.RecordIDs)
		if err != nil {
			logger.Error().Err(err).Msg("sync-drainer: проход по запросу не удался")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("sync-drainer: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("sync-drainer: graceful shutdown не удался")
		os.Exit(1)
	}
	logger.Info().Msg("sync-drainer: остановлен")
}
