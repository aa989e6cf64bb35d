package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// secretHeader — заголовок, который Telegram присылает при настроенном
// secret_token вебхука.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Ingestor принимает нормализованную доставку.
type Ingestor interface {
	Accept(ctx context.Context, post domain.IncomingPost) error
}

// Handler — HTTP-слой приёма: проверяет секрет, разбирает Update и передаёт
// нормализованный пост сервису приёма. Telegram повторяет доставку при
// не-2xx ответе, поэтому валидный запрос всегда получает 200, даже если
// обработка упала: повтор всё равно отсеется дедупликацией.
type Handler struct {
	secret  string
	ingest  Ingestor
	records domain.MediaRecordRepo
	queue   domain.MediaTaskQueue
	log     zerolog.Logger
}

// NewHandler создаёт обработчик вебхука.
func NewHandler(secret string, ingest Ingestor, records domain.MediaRecordRepo, queue domain.MediaTaskQueue, logger zerolog.Logger) *Handler {
	return &Handler{secret: secret, ingest: ingest, records: records, queue: queue, log: logger}
}

// Register навешивает маршруты на роутер.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook", h.handleUpdate)
	r.Post("/requeue", h.handleRequeue)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get(secretHeader) != h.secret {
		metrics.WebhookUpdatesTotal.WithLabelValues("forbidden").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		metrics.WebhookUpdatesTotal.WithLabelValues("malformed").Inc()
		h.log.Warn().Err(err).Msg("webhook: не удалось разобрать update")
		writeOK(w)
		return
	}

	post, ok := normalize(&update)
	if !ok {
		metrics.WebhookUpdatesTotal.WithLabelValues("skipped").Inc()
		writeOK(w)
		return
	}

	if err := h.ingest.Accept(r.Context(), post); err != nil {
		h.log.Error().Err(err).Int64("message_id", post.ExternalMessageID).Msg("webhook: обработка доставки не удалась")
	}
	writeOK(w)
}

// normalize приводит Update к доменному виду. Сообщения без медиа и подписи
// конвейеру не интересны.
func normalize(update *tgbotapi.Update) (domain.IncomingPost, bool) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return domain.IncomingPost{}, false
	}

	post := domain.IncomingPost{
		ExternalMessageID: int64(msg.MessageID),
		ChatID:            msg.Chat.ID,
		GroupID:           msg.MediaGroupID,
		Caption:           msg.Caption,
		Media:             extractMedia(msg),
		ReceivedAt:        time.Now().UTC(),
	}
	if post.Caption == "" {
		post.Caption = msg.Text
	}
	if post.Media == nil && post.Caption == "" {
		return domain.IncomingPost{}, false
	}
	return post, true
}

func extractMedia(msg *tgbotapi.Message) *domain.MediaRef {
	switch {
	case len(msg.Photo) > 0:
		// Telegram присылает все размеры, берём самый крупный.
		best := msg.Photo[0]
		for _, size := range msg.Photo[1:] {
			if size.Width*size.Height > best.Width*best.Height {
				best = size
			}
		}
		return &domain.MediaRef{
			Kind:          domain.MediaKindPhoto,
			FileRef:       best.FileID,
			FileUniqueRef: best.FileUniqueID,
			SizeBytes:     int64(best.FileSize),
			Width:         best.Width,
			Height:        best.Height,
		}
	case msg.Video != nil:
		return &domain.MediaRef{
			Kind:          domain.MediaKindVideo,
			FileRef:       msg.Video.FileID,
			FileUniqueRef: msg.Video.FileUniqueID,
			SizeBytes:     int64(msg.Video.FileSize),
			Width:         msg.Video.Width,
			Height:        msg.Video.Height,
			DurationSec:   msg.Video.Duration,
		}
	case msg.Animation != nil:
		return &domain.MediaRef{
			Kind:          domain.MediaKindAnimation,
			FileRef:       msg.Animation.FileID,
			FileUniqueRef: msg.Animation.FileUniqueID,
			SizeBytes:     int64(msg.Animation.FileSize),
			Width:         msg.Animation.Width,
			Height:        msg.Animation.Height,
			DurationSec:   msg.Animation.Duration,
		}
	case msg.Document != nil:
		return &domain.MediaRef{
			Kind:          domain.MediaKindDocument,
			FileRef:       msg.Document.FileID,
			FileUniqueRef: msg.Document.FileUniqueID,
			SizeBytes:     int64(msg.Document.FileSize),
		}
	}
	return nil
}

type requeueRequest struct {
	FileUniqueRef string `json:"file_unique_ref"`
	FileRef       string `json:"file_ref"`
}

// handleRequeue возвращает запись из FAILED обратно в обработку. FileRef
// передаётся оператором заново: старые file_id Telegram протухают.
func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get(secretHeader) != h.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileUniqueRef == "" || req.FileRef == "" {
		http.Error(w, "file_unique_ref and file_ref are required", http.StatusBadRequest)
		return
	}

	record, err := h.records.GetByFileUniqueRef(req.FileUniqueRef)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if record.State != domain.ProcessingStateFailed {
		http.Error(w, "record is not in failed state", http.StatusConflict)
		return
	}

	if err := h.records.SetState(req.FileUniqueRef, domain.ProcessingStatePending); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	task := domain.MediaTask{
		FileUniqueRef:   record.FileUniqueRef,
		FileRef:         req.FileRef,
		Kind:            record.FileKind,
		Width:           record.Width,
		Height:          record.Height,
		DurationSec:     record.DurationSec,
		SizeBytes:       record.SizeBytes,
		SourceMessageID: record.SourceMessageID,
		ChatID:          record.ChatID,
		GroupID:         record.GroupID,
		Caption:         record.Caption,
		Product:         record.Product,
		EnqueuedAt:      time.Now().UTC(),
	}
	if err := h.queue.Enqueue(r.Context(), task); err != nil {
		h.log.Error().Err(err).Str("file", req.FileUniqueRef).Msg("webhook: не удалось поставить задачу повторно")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info().Str("file", req.FileUniqueRef).Msg("webhook: запись возвращена в обработку")
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
