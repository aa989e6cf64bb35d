package reconcile

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

// casRetryMax ограничивает повторы compare-and-swap при гонке за группу.
const casRetryMax = 5

// sweepBatch — число групп, обрабатываемых за один проход свипера.
const sweepBatch = 100

// ErrGroupContention возвращается, когда переход группы не удалось применить
// из-за непрекращающихся конкурентных изменений.
var ErrGroupContention = errors.New("группа изменяется конкурентно, попытки исчерпаны")

// Service превращает поток одиночных доставок в согласованные решения уровня
// медиагруппы: собирает участников, выбирает каноническую подпись по правилу
// «побеждает более полный», распространяет её на уже обработанные записи и
// фиксирует группу по тихому окну.
type Service struct {
	groups      domain.GroupRepo
	records     domain.MediaRecordRepo
	analyzer    domain.CaptionAnalyzer
	queue       domain.MediaTaskQueue
	outbox      domain.OutboxRepo
	quietWindow time.Duration
	log         zerolog.Logger
}

// NewService создаёт reconciler.
func NewService(groups domain.GroupRepo, records domain.MediaRecordRepo, analyzer domain.CaptionAnalyzer, queue domain.MediaTaskQueue, outbox domain.OutboxRepo, quietWindow time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		groups:      groups,
		records:     records,
		analyzer:    analyzer,
		queue:       queue,
		outbox:      outbox,
		quietWindow: quietWindow,
		log:         logger,
	}
}

// OnPost обрабатывает одну доставку. Сообщение без group_id — одиночная
// группа размера 1, минующая состояние в БД.
func (s *Service) OnPost(ctx context.Context, post domain.IncomingPost) error {
	product, err := s.analyzeCaption(ctx, post.Caption)
	if err != nil {
		// Анализ не блокирует конвейер: подпись доедет финальной сверкой.
		s.log.Warn().Err(err).Int64("message_id", post.ExternalMessageID).Msg("reconcile: анализ подписи не удался")
		product = nil
	}

	if post.GroupID == "" {
		return s.scheduleTask(ctx, post, post.Caption, product)
	}

	group, changedCanonical, err := s.applyMember(post, product)
	if err != nil {
		return err
	}

	if changedCanonical {
		if err := s.propagateCanonical(group); err != nil {
			return err
		}
	}

	if err := s.scheduleTask(ctx, post, group.CanonicalCaption, group.CanonicalProduct); err != nil {
		return err
	}

	if group.State == domain.GroupStateComplete {
		return s.finalize(group)
	}
	return nil
}

func (s *Service) analyzeCaption(ctx context.Context, caption string) (*domain.ProductInfo, error) {
	if caption == "" {
		return nil, nil
	}
	return s.analyzer.Analyze(ctx, caption)
}

// applyMember применяет «добавить участника» и «обновить канонические поля»
// как один атомарный переход: read-modify-write сериализуется CAS-ом по
// версии группы.
func (s *Service) applyMember(post domain.IncomingPost, product *domain.ProductInfo) (domain.MediaGroup, bool, error) {
	for attempt := 0; attempt < casRetryMax; attempt++ {
		group, err := s.groups.GetOrCreate(post.GroupID, post.ReceivedAt)
		if err != nil {
			return domain.MediaGroup{}, false, fmt.Errorf("получение группы: %w", err)
		}

		if !group.HasMember(post.ExternalMessageID) {
			group.Members = append(group.Members, post.ExternalMessageID)
		}
		if group.State == domain.GroupStateSettling {
			// Опоздавший участник возвращает группу в окно ожидания:
			// фиксация у свипера сорвётся на CAS-е.
			group.State = domain.GroupStateOpen
		}

		changedCanonical := false
		if group.State != domain.GroupStateComplete {
			incomingRank := domain.CandidateRank(post.Caption, product)
			existingRank := domain.CandidateRank(group.CanonicalCaption, group.CanonicalProduct)
			switch {
			case incomingRank > existingRank:
				group.CanonicalCaption = post.Caption
				group.CanonicalProduct = domain.MergeProductInfo(group.CanonicalProduct, product)
				changedCanonical = true
			case post.Caption != "" && group.CanonicalCaption != "" && post.Caption != group.CanonicalCaption:
				// Две разные подписи в одной группе: выигрывает первая,
				// конфликт только фиксируется.
				metrics.CaptionConflictsTotal.Inc()
				s.log.Warn().Str("group", post.GroupID).Int64("message_id", post.ExternalMessageID).Msg("reconcile: конфликт подписей в группе")
			}
		}

		if post.ReceivedAt.After(group.LastSeenAt) {
			group.LastSeenAt = post.ReceivedAt
		}
		if len(group.Members) >= domain.MaxGroupSize && group.State != domain.GroupStateComplete {
			group.State = domain.GroupStateComplete
			metrics.GroupsSettledTotal.Inc()
		}

		saved, err := s.groups.Save(group)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return domain.MediaGroup{}, false, fmt.Errorf("сохранение группы: %w", err)
		}
		return saved, changedCanonical, nil
	}
	return domain.MediaGroup{}, false, ErrGroupContention
}

// propagateCanonical применяет канонические поля ко всем записям группы.
// Подпись, пришедшая третьим сообщением, задним числом достаётся первым двум;
// уже сохранённые записи дополнительно получают запись UPDATE в outbox.
func (s *Service) propagateCanonical(group domain.MediaGroup) error {
	affected, err := s.records.ApplyCanonical(group.GroupID, group.CanonicalCaption, group.CanonicalProduct)
	if err != nil {
		return fmt.Errorf("распространение подписи: %w", err)
	}
	for _, record := range affected {
		if record.State != domain.ProcessingStateStored {
			continue
		}
		payload, err := json.Marshal(domain.SnapshotOf(record))
		if err != nil {
			return fmt.Errorf("снапшот записи: %w", err)
		}
		if _, err := s.outbox.Enqueue(record.FileUniqueRef, domain.OutboxOpUpdate, payload); err != nil {
			return fmt.Errorf("постановка в outbox: %w", err)
		}
	}
	return nil
}

// scheduleTask создаёт запись PENDING и ставит задачу обработки со снапшотом
// канонических полей на момент постановки.
func (s *Service) scheduleTask(ctx context.Context, post domain.IncomingPost, caption string, product *domain.ProductInfo) error {
	if post.Media == nil {
		return nil
	}

	record := domain.MediaRecord{
		FileUniqueRef:   post.Media.FileUniqueRef,
		FileKind:        post.Media.Kind,
		Width:           post.Media.Width,
		Height:          post.Media.Height,
		DurationSec:     post.Media.DurationSec,
		SizeBytes:       post.Media.SizeBytes,
		Caption:         caption,
		Product:         product,
		SourceMessageID: post.ExternalMessageID,
		ChatID:          post.ChatID,
		GroupID:         post.GroupID,
	}
	if _, _, err := s.records.EnsurePending(record); err != nil {
		return fmt.Errorf("создание записи: %w", err)
	}

	task := domain.MediaTask{
		FileUniqueRef:   post.Media.FileUniqueRef,
		FileRef:         post.Media.FileRef,
		Kind:            post.Media.Kind,
		Width:           post.Media.Width,
		Height:          post.Media.Height,
		DurationSec:     post.Media.DurationSec,
		SizeBytes:       post.Media.SizeBytes,
		SourceMessageID: post.ExternalMessageID,
		ChatID:          post.ChatID,
		GroupID:         post.GroupID,
		Caption:         caption,
		Product:         product,
		EnqueuedAt:      time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("постановка задачи: %w", err)
	}
	return nil
}

// SweepSettled фиксирует группы, у которых тихое окно прошло без новых
// участников, и проводит финальную сверку. Состояние ожидания — только
// LastSeenAt в БД, поэтому свипер работает без таймеров в процессе и
// переживает рестарты.
func (s *Service) SweepSettled(now time.Time) error {
	threshold := now.Add(-s.quietWindow)
	groups, err := s.groups.ListQuiet(threshold, sweepBatch)
	if err != nil {
		return fmt.Errorf("выборка затихших групп: %w", err)
	}
	for _, group := range groups {
		if err := s.settle(group); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Пока свипер работал, приехал новый участник — окно продлено.
				continue
			}
			s.log.Error().Err(err).Str("group", group.GroupID).Msg("reconcile: не удалось зафиксировать группу")
		}
	}
	return s.collectGarbage(now)
}

// settle проводит группу через SETTLING в COMPLETE. Первый CAS резервирует
// группу за свипером, второй фиксирует её: участник, приехавший между ними,
// перебивает версию и возвращает группу в окно ожидания.
func (s *Service) settle(group domain.MediaGroup) error {
	group.State = domain.GroupStateSettling
	saved, err := s.groups.Save(group)
	if err != nil {
		return err
	}
	saved.State = domain.GroupStateComplete
	saved, err = s.groups.Save(saved)
	if err != nil {
		return err
	}
	metrics.GroupsSettledTotal.Inc()
	return s.finalize(saved)
}

// finalize — финальная сверка: канонические поля ещё раз применяются ко всем
// записям группы. Покрывает случай, когда подпись несло последнее сообщение.
func (s *Service) finalize(group domain.MediaGroup) error {
	if group.CanonicalCaption == "" && group.CanonicalProduct == nil {
		// Группа без подписи валидна: записи остаются без данных товара.
		return nil
	}
	return s.propagateCanonical(group)
}

// collectGarbage удаляет завершённые группы, все записи которых дошли до
// терминального состояния.
func (s *Service) collectGarbage(now time.Time) error {
	completed, err := s.groups.ListCompletedBefore(now.Add(-2*s.quietWindow), sweepBatch)
	if err != nil {
		return fmt.Errorf("выборка завершённых групп: %w", err)
	}
	for _, group := range completed {
		records, err := s.records.ListByGroup(group.GroupID)
		if err != nil {
			return fmt.Errorf("записи группы: %w", err)
		}
		terminal := true
		for _, record := range records {
			if record.State != domain.ProcessingStateStored && record.State != domain.ProcessingStateFailed {
				terminal = false
				break
			}
		}
		if !terminal {
			continue
		}
		if err := s.groups.Delete(group.GroupID); err != nil {
			return fmt.Errorf("удаление группы: %w", err)
		}
	}
	return nil
}
