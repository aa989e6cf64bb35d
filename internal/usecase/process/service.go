package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
	"tg-media-vault/internal/pkg/retry"
)

// Service обрабатывает задачи из очереди: скачивает файл из Telegram, кладёт
// его в хранилище и ставит изменение в outbox. Дедупликация по FileUniqueRef
// делает обработку идемпотентной: повторная задача на уже сохранённый файл
// обновляет только подпись.
type Service struct {
	records domain.MediaRecordRepo
	fetcher domain.FileFetcher
	blobs   domain.BlobStore
	outbox  domain.OutboxRepo
	policy  retry.Policy
	log     zerolog.Logger
}

// NewService создаёт обработчик медиа.
func NewService(records domain.MediaRecordRepo, fetcher domain.FileFetcher, blobs domain.BlobStore, outbox domain.OutboxRepo, policy retry.Policy, logger zerolog.Logger) *Service {
	return &Service{records: records, fetcher: fetcher, blobs: blobs, outbox: outbox, policy: policy, log: logger}
}

// Run читает очередь до отмены контекста. Транзиентные ошибки инфраструктуры
// возвращают задачу в очередь, терминальные исходы подтверждают её.
func (s *Service) Run(ctx context.Context, queue domain.MediaTaskQueue) error {
	for {
		task, ack, err := queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.log.Error().Err(err).Msg("process: получение задачи не удалось")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		err = s.Handle(ctx, task)
		if ackErr := ack(err == nil); ackErr != nil {
			s.log.Error().Err(ackErr).Str("file", task.FileUniqueRef).Msg("process: подтверждение задачи не удалось")
		}
		if err != nil {
			s.log.Error().Err(err).Str("file", task.FileUniqueRef).Msg("process: задача вернётся в очередь")
		}
	}
}

// Handle обрабатывает одну задачу. Ошибка означает транзиентный сбой
// инфраструктуры и требует возврата задачи в очередь; все остальные исходы,
// включая исчерпание попыток, поглощают задачу.
func (s *Service) Handle(ctx context.Context, task domain.MediaTask) error {
	start := time.Now()
	defer func() { metrics.MediaProcessSeconds.Observe(time.Since(start).Seconds()) }()

	record, _, err := s.records.EnsurePending(domain.MediaRecord{
		FileUniqueRef:   task.FileUniqueRef,
		FileKind:        task.Kind,
		Width:           task.Width,
		Height:          task.Height,
		DurationSec:     task.DurationSec,
		SizeBytes:       task.SizeBytes,
		Caption:         task.Caption,
		Product:         task.Product,
		SourceMessageID: task.SourceMessageID,
		ChatID:          task.ChatID,
		GroupID:         task.GroupID,
	})
	if err != nil {
		return fmt.Errorf("получение записи: %w", err)
	}

	switch record.State {
	case domain.ProcessingStateStored:
		// Файл уже в хранилище: повторной загрузки нет, но более полная
		// подпись из новой доставки всё же применяется.
		if err := s.refreshCaption(record, task); err != nil {
			return err
		}
		metrics.MediaTasksTotal.WithLabelValues("deduplicated").Inc()
		return nil
	case domain.ProcessingStateFailed:
		// Возврат из FAILED идёт только через ручной requeue.
		metrics.MediaTasksTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	if reason := validate(task); reason != "" {
		if err := s.records.MarkFailed(task.FileUniqueRef, reason, record.RetryCount); err != nil {
			return fmt.Errorf("фиксация невалидной задачи: %w", err)
		}
		metrics.MediaTasksTotal.WithLabelValues("invalid").Inc()
		s.log.Warn().Str("file", task.FileUniqueRef).Str("reason", reason).Msg("process: задача отклонена валидацией")
		return nil
	}

	if err := s.records.SetState(task.FileUniqueRef, domain.ProcessingStateProcessing); err != nil {
		return fmt.Errorf("смена состояния: %w", err)
	}

	key := storageKey(task)
	retryCount := record.RetryCount

	// Объект мог остаться в хранилище от прерванной обработки: процесс
	// упал между загрузкой и фиксацией записи. Ключ детерминирован,
	// поэтому наличие объекта делает повторное скачивание лишним.
	publicURL, found, err := s.blobs.Lookup(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("file", task.FileUniqueRef).Msg("process: проверка хранилища не удалась")
		found = false
	}
	if !found {
		if err := s.fetchAndStore(ctx, task, key, &publicURL, &retryCount); err != nil {
			return err
		}
		if publicURL == "" {
			// Попытки исчерпаны, отказ уже зафиксирован.
			return nil
		}
	}

	if err := s.records.MarkStored(task.FileUniqueRef, key, publicURL); err != nil {
		return fmt.Errorf("фиксация загрузки: %w", err)
	}

	stored := record
	stored.State = domain.ProcessingStateStored
	stored.StorageKey = key
	stored.PublicURL = publicURL
	if domain.CandidateRank(task.Caption, task.Product) > domain.CandidateRank(record.Caption, record.Product) {
		stored.Caption = task.Caption
		stored.Product = domain.MergeProductInfo(record.Product, task.Product)
		if err := s.records.UpdateCaption(task.FileUniqueRef, stored.Caption, stored.Product); err != nil {
			return fmt.Errorf("обновление подписи: %w", err)
		}
	}

	op := domain.OutboxOpInsert
	if record.ExternalRowID != "" {
		op = domain.OutboxOpUpdate
	}
	payload, err := json.Marshal(domain.SnapshotOf(stored))
	if err != nil {
		return fmt.Errorf("снапшот записи: %w", err)
	}
	if _, err := s.outbox.Enqueue(stored.FileUniqueRef, op, payload); err != nil {
		return fmt.Errorf("постановка в outbox: %w", err)
	}

	metrics.MediaTasksTotal.WithLabelValues("stored").Inc()
	s.log.Info().Str("file", task.FileUniqueRef).Str("key", key).Msg("process: файл сохранён")
	return nil
}

// fetchAndStore скачивает файл с ограниченными повторами и загружает его в
// хранилище. Исчерпание попыток фиксирует FAILED и оставляет publicURL
// пустым; ошибка означает транзиентный сбой и возврат задачи в очередь.
func (s *Service) fetchAndStore(ctx context.Context, task domain.MediaTask, key string, publicURL *string, retryCount *int) error {
	fetchErr := retry.Do(ctx, s.log, "media_fetch_store", s.policy, func(ctx context.Context) error {
		data, err := s.fetcher.Fetch(ctx, task.FileRef)
		if err == nil {
			*publicURL, err = s.blobs.Put(ctx, key, data, mimeType(task.Kind))
		}
		if err != nil {
			if _, incErr := s.records.IncrementRetry(task.FileUniqueRef, err.Error()); incErr != nil {
				s.log.Error().Err(incErr).Str("file", task.FileUniqueRef).Msg("process: не удалось записать попытку")
			} else {
				*retryCount++
			}
		}
		return err
	})
	if fetchErr == nil {
		return nil
	}
	if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
		// Остановка воркера: задача вернётся в очередь без потери попыток.
		return fetchErr
	}
	if err := s.records.MarkFailed(task.FileUniqueRef, fetchErr.Error(), *retryCount); err != nil {
		return fmt.Errorf("фиксация отказа: %w", err)
	}
	metrics.MediaTasksTotal.WithLabelValues("failed").Inc()
	s.log.Error().Err(fetchErr).Str("file", task.FileUniqueRef).Int("retries", *retryCount).Msg("process: попытки исчерпаны")
	*publicURL = ""
	return nil
}

// refreshCaption применяет более полную подпись к уже сохранённой записи и
// ставит UPDATE в outbox.
func (s *Service) refreshCaption(record domain.MediaRecord, task domain.MediaTask) error {
	if domain.CandidateRank(task.Caption, task.Product) <= domain.CandidateRank(record.Caption, record.Product) {
		return nil
	}
	merged := domain.MergeProductInfo(record.Product, task.Product)
	if err := s.records.UpdateCaption(task.FileUniqueRef, task.Caption, merged); err != nil {
		return fmt.Errorf("обновление подписи: %w", err)
	}
	record.Caption = task.Caption
	record.Product = merged
	payload, err := json.Marshal(domain.SnapshotOf(record))
	if err != nil {
		return fmt.Errorf("снапшот записи: %w", err)
	}
	if _, err := s.outbox.Enqueue(record.FileUniqueRef, domain.OutboxOpUpdate, payload); err != nil {
		return fmt.Errorf("постановка в outbox: %w", err)
	}
	return nil
}

// validate проверяет метаданные задачи. Провал валидации терминален и не
// тратит попытки загрузки.
func validate(task domain.MediaTask) string {
	switch task.Kind {
	case domain.MediaKindPhoto:
		if task.Width <= 0 || task.Height <= 0 {
			return "фото без размеров"
		}
	case domain.MediaKindVideo:
		if task.Width <= 0 || task.Height <= 0 {
			return "видео без размеров"
		}
		if task.DurationSec <= 0 {
			return "видео без длительности"
		}
	case domain.MediaKindAnimation:
		if task.DurationSec <= 0 {
			return "анимация без длительности"
		}
	case domain.MediaKindDocument:
	default:
		return "неизвестный тип медиа"
	}
	if task.FileRef == "" || task.FileUniqueRef == "" {
		return "пустая ссылка на файл"
	}
	return ""
}

func storageKey(task domain.MediaTask) string {
	return "media/" + task.FileUniqueRef + extension(task.Kind)
}

func extension(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaKindPhoto:
		return ".jpg"
	case domain.MediaKindVideo, domain.MediaKindAnimation:
		return ".mp4"
	default:
		return ".bin"
	}
}

func mimeType(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaKindPhoto:
		return "image/jpeg"
	case domain.MediaKindVideo, domain.MediaKindAnimation:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
