package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// Reconciler принимает дедуплицированную доставку.
type Reconciler interface {
	OnPost(ctx context.Context, post domain.IncomingPost) error
}

// Service — входной шлюз конвейера: отбрасывает повторные доставки вебхука
// и передаёт первые дальше. Транспортных типов здесь нет, только домен.
type Service struct {
	ingestLog  domain.IngestLogRepo
	reconciler Reconciler
	log        zerolog.Logger
}

// NewService создаёт сервис приёма.
func NewService(ingestLog domain.IngestLogRepo, reconciler Reconciler, logger zerolog.Logger) *Service {
	return &Service{ingestLog: ingestLog, reconciler: reconciler, log: logger}
}

// Accept обрабатывает одну доставку. Повтор по (ChatID, ExternalMessageID)
// завершается успешно без побочных эффектов.
func (s *Service) Accept(ctx context.Context, post domain.IncomingPost) error {
	first, err := s.ingestLog.AcquireDelivery(post.ChatID, post.ExternalMessageID)
	if err != nil {
		metrics.WebhookUpdatesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("регистрация доставки: %w", err)
	}
	if !first {
		metrics.WebhookUpdatesTotal.WithLabelValues("duplicate").Inc()
		s.log.Debug().Int64("chat_id", post.ChatID).Int64("message_id", post.ExternalMessageID).Msg("ingest: повторная доставка")
		return nil
	}

	if err := s.reconciler.OnPost(ctx, post); err != nil {
		// Регистрация снимается, иначе повторная доставка Telegram
		// отсеется как дубликат и пост будет потерян навсегда.
		if relErr := s.ingestLog.ReleaseDelivery(post.ChatID, post.ExternalMessageID); relErr != nil {
			s.log.Error().Err(relErr).Int64("chat_id", post.ChatID).Int64("message_id", post.ExternalMessageID).Msg("ingest: не удалось снять регистрацию доставки")
		}
		metrics.WebhookUpdatesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("обработка доставки: %w", err)
	}
	metrics.WebhookUpdatesTotal.WithLabelValues("accepted").Inc()
	return nil
}
