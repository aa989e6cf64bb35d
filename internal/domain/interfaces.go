package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается репозиториями при отсутствии записи.
var ErrNotFound = errors.New("запись не найдена")

// ErrVersionConflict возвращается при конкурентном изменении группы;
// вызывающая сторона перечитывает группу и повторяет переход.
var ErrVersionConflict = errors.New("конфликт версий медиагруппы")

// CaptionAnalyzer извлекает структурированные поля из подписи.
// Возвращает nil без ошибки, если из текста ничего не извлечь.
type CaptionAnalyzer interface {
	Analyze(ctx context.Context, caption string) (*ProductInfo, error)
}

// FileFetcher скачивает содержимое файла по его ссылке.
type FileFetcher interface {
	Fetch(ctx context.Context, fileRef string) ([]byte, error)
}

// BlobStore — хранилище файлов с upsert-семантикой по ключу.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (string, error)
	// Lookup возвращает публичный URL объекта и признак его наличия.
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// ExternalRow — строка во внешней таблице после маппинга полей.
type ExternalRow map[string]any

// ExternalSyncClient применяет изменения к внешней системе.
// ErrRateLimited сигнализирует о необходимости отложенного повтора.
type ExternalSyncClient interface {
	AddRow(ctx context.Context, tableID string, row ExternalRow) (string, error)
	UpdateRow(ctx context.Context, tableID, rowID string, row ExternalRow) error
	DeleteRow(ctx context.Context, tableID, rowID string) error
}

// ErrRateLimited возвращается внешним клиентом при превышении лимита запросов.
var ErrRateLimited = errors.New("внешняя система ограничила частоту запросов")

// IngestLogRepo дедуплицирует доставки вебхука по (ChatID, ExternalMessageID).
type IngestLogRepo interface {
	// AcquireDelivery регистрирует доставку и возвращает true, если она первая.
	AcquireDelivery(chatID, externalMessageID int64) (bool, error)
	// ReleaseDelivery снимает регистрацию, если обработка не удалась:
	// повторная доставка Telegram должна пройти заново, а не отсеяться
	// как дубликат.
	ReleaseDelivery(chatID, externalMessageID int64) error
}

// GroupRepo управляет медиагруппами. Save выполняет compare-and-swap по
// Version и возвращает ErrVersionConflict при гонке.
type GroupRepo interface {
	GetOrCreate(groupID string, now time.Time) (MediaGroup, error)
	Save(group MediaGroup) (MediaGroup, error)
	// ListQuiet возвращает незавершённые группы, у которых LastSeenAt раньше порога.
	ListQuiet(before time.Time, limit int) ([]MediaGroup, error)
	// ListCompletedBefore возвращает завершённые группы для сборки мусора.
	ListCompletedBefore(before time.Time, limit int) ([]MediaGroup, error)
	Delete(groupID string) error
}

// MediaRecordRepo управляет записями медиафайлов.
type MediaRecordRepo interface {
	// EnsurePending атомарно создаёт запись PENDING либо возвращает
	// существующую с тем же FileUniqueRef. Второй результат — признак вставки.
	EnsurePending(record MediaRecord) (MediaRecord, bool, error)
	GetByFileUniqueRef(fileUniqueRef string) (MediaRecord, error)
	SetState(fileUniqueRef string, state ProcessingState) error
	MarkStored(fileUniqueRef, storageKey, publicURL string) error
	MarkFailed(fileUniqueRef, lastError string, retryCount int) error
	IncrementRetry(fileUniqueRef string, lastError string) (int, error)
	// ApplyCanonical проставляет подпись и данные товара всем записям группы.
	// Канонические поля перетирают локальные: вызывающая сторона передаёт
	// победителя сравнения по полноте. Возвращает затронутые записи.
	ApplyCanonical(groupID, caption string, product *ProductInfo) ([]MediaRecord, error)
	UpdateCaption(fileUniqueRef, caption string, product *ProductInfo) error
	SetExternalRowID(fileUniqueRef, rowID string) error
	// ListByGroup возвращает записи группы в порядке исходных сообщений.
	ListByGroup(groupID string) ([]MediaRecord, error)
}

// OutboxRepo управляет очередью изменений для внешней системы.
type OutboxRepo interface {
	Enqueue(entityID string, op OutboxOperation, payload []byte) (int64, error)
	// ListPending возвращает необработанные записи в порядке постановки.
	ListPending(limit int) ([]OutboxEntry, error)
	MarkProcessed(id int64) error
	MarkFailed(id int64, errMsg string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// ErrCacheMiss возвращается Cache.Get при отсутствии ключа.
var ErrCacheMiss = errors.New("ключ не найден в кэше")
