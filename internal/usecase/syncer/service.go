package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// Service переносит записи outbox во внешнюю таблицу. Изменения одного
// EntityID применяются строго в порядке постановки: после первой ошибки
// остальные записи этой сущности в проходе пропускаются и ждут следующего.
type Service struct {
	outbox  domain.OutboxRepo
	records domain.MediaRecordRepo
	client  domain.ExternalSyncClient
	tableID string
	log     zerolog.Logger
}

// NewService создаёт дрейнер outbox.
func NewService(outbox domain.OutboxRepo, records domain.MediaRecordRepo, client domain.ExternalSyncClient, tableID string, logger zerolog.Logger) *Service {
	return &Service{outbox: outbox, records: records, client: client, tableID: tableID, log: logger}
}

// Run запускает периодические проходы до отмены контекста.
func (s *Service) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.Drain(ctx, batchSize)
			if err != nil {
				s.log.Error().Err(err).Msg("syncer: проход не удался")
				continue
			}
			if result.Added+result.Updated+result.Deleted+len(result.Errors) > 0 {
				s.log.Info().Int("added", result.Added).Int("updated", result.Updated).
					Int("deleted", result.Deleted).Int("errors", len(result.Errors)).Msg("syncer: проход завершён")
			}
		}
	}
}

// Drain выполняет один проход: применяет до batchSize необработанных записей.
// Частичный отказ не прерывает проход, кроме ответа rate-limit: он означает,
// что внешняя система просит паузу целиком.
func (s *Service) Drain(ctx context.Context, batchSize int) (domain.SyncResult, error) {
	return s.drain(ctx, batchSize, s.tableID, nil)
}

// DrainFiltered — проход по запросу оператора: изменения применяются в таблицу
// tableID, при непустом recordIDs переносятся только записи перечисленных
// сущностей, остальные остаются ждать планового прохода.
func (s *Service) DrainFiltered(ctx context.Context, batchSize int, tableID string, recordIDs []string) (domain.SyncResult, error) {
	if tableID == "" {
		tableID = s.tableID
	}
	var filter map[string]bool
	if len(recordIDs) > 0 {
		filter = make(map[string]bool, len(recordIDs))
		for _, id := range recordIDs {
			filter[id] = true
		}
	}
	return s.drain(ctx, batchSize, tableID, filter)
}

func (s *Service) drain(ctx context.Context, batchSize int, tableID string, filter map[string]bool) (domain.SyncResult, error) {
	result := domain.SyncResult{Errors: []string{}}

	entries, err := s.outbox.ListPending(batchSize)
	if err != nil {
		return result, fmt.Errorf("выборка outbox: %w", err)
	}
	metrics.OutboxPending.Set(float64(len(entries)))

	failedEntities := make(map[string]bool)
	for _, entry := range entries {
		if filter != nil && !filter[entry.EntityID] {
			continue
		}
		if failedEntities[entry.EntityID] {
			// Порядок внутри сущности важнее прогресса: запись подождёт.
			continue
		}

		err := s.apply(ctx, tableID, entry, &result)
		if err == nil {
			if markErr := s.outbox.MarkProcessed(entry.ID); markErr != nil {
				return result, fmt.Errorf("подтверждение записи %d: %w", entry.ID, markErr)
			}
			metrics.OutboxDrainedTotal.WithLabelValues(string(entry.Operation), "ok").Inc()
			continue
		}

		metrics.OutboxDrainedTotal.WithLabelValues(string(entry.Operation), "error").Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("запись %d (%s): %v", entry.ID, entry.EntityID, err))
		failedEntities[entry.EntityID] = true
		if markErr := s.outbox.MarkFailed(entry.ID, err.Error()); markErr != nil {
			return result, fmt.Errorf("фиксация ошибки записи %d: %w", entry.ID, markErr)
		}
		if errors.Is(err, domain.ErrRateLimited) {
			s.log.Warn().Msg("syncer: внешняя система ограничила частоту, проход прерван")
			return result, nil
		}
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, tableID string, entry domain.OutboxEntry, result *domain.SyncResult) error {
	var snapshot domain.RecordSnapshot
	if err := json.Unmarshal(entry.PayloadSnapshot, &snapshot); err != nil {
		return fmt.Errorf("разбор снапшота: %w", err)
	}

	// Снапшот может быть старше записи: rowID берётся из БД, а не из payload.
	rowID := snapshot.ExternalRowID
	record, err := s.records.GetByFileUniqueRef(entry.EntityID)
	switch {
	case err == nil && record.ExternalRowID != "":
		rowID = record.ExternalRowID
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("чтение записи: %w", err)
	}

	switch entry.Operation {
	case domain.OutboxOpInsert:
		if rowID != "" {
			// Повтор INSERT после сбоя между AddRow и подтверждением:
			// строка уже есть, применяем как обновление.
			if err := s.client.UpdateRow(ctx, tableID, rowID, mapRow(snapshot)); err != nil {
				return err
			}
			result.Updated++
			return nil
		}
		newRowID, err := s.client.AddRow(ctx, tableID, mapRow(snapshot))
		if err != nil {
			return err
		}
		if newRowID != "" {
			if err := s.records.SetExternalRowID(entry.EntityID, newRowID); err != nil {
				return fmt.Errorf("сохранение rowID: %w", err)
			}
		}
		result.Added++
		return nil

	case domain.OutboxOpUpdate:
		if rowID == "" {
			return errors.New("строка во внешней системе ещё не создана")
		}
		if err := s.client.UpdateRow(ctx, tableID, rowID, mapRow(snapshot)); err != nil {
			return err
		}
		result.Updated++
		return nil

	case domain.OutboxOpDelete:
		if rowID == "" {
			// Удалять нечего, запись закрывается.
			result.Deleted++
			return nil
		}
		if err := s.client.DeleteRow(ctx, tableID, rowID); err != nil {
			return err
		}
		result.Deleted++
		return nil
	}
	return fmt.Errorf("неизвестная операция %q", entry.Operation)
}

// mapRow переименовывает поля снапшота в колонки внешней таблицы.
func mapRow(snapshot domain.RecordSnapshot) domain.ExternalRow {
	row := domain.ExternalRow{
		"fileUniqueRef": snapshot.FileUniqueRef,
		"mediaKind":     string(snapshot.FileKind),
		"mediaUrl":      snapshot.PublicURL,
		"caption":       snapshot.Caption,
		"chatId":        snapshot.ChatID,
		"messageId":     snapshot.SourceMessageID,
	}
	if snapshot.Product != nil {
		row["productName"] = snapshot.Product.ProductName
		row["productCode"] = snapshot.Product.ProductCode
		row["vendorUid"] = snapshot.Product.VendorUID
		if snapshot.Product.PurchaseDate != nil {
			row["purchaseDate"] = snapshot.Product.PurchaseDate.Format("2006-01-02")
		}
		if snapshot.Product.Quantity > 0 {
			row["quantity"] = snapshot.Product.Quantity
		}
		row["notes"] = snapshot.Product.Notes
	}
	return row
}
