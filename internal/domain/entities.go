package domain

import "time"

// MediaKind описывает тип медиафайла.
type MediaKind string

const (
	// MediaKindPhoto — фотография.
	MediaKindPhoto MediaKind = "photo"
	// MediaKindVideo — видео.
	MediaKindVideo MediaKind = "video"
	// MediaKindDocument — документ.
	MediaKindDocument MediaKind = "document"
	// MediaKindAnimation — анимация (GIF/MP4).
	MediaKindAnimation MediaKind = "animation"
)

// MediaRef указывает на файл в Telegram.
type MediaRef struct {
	Kind          MediaKind
	FileRef       string
	FileUniqueRef string
	SizeBytes     int64
	Width         int
	Height        int
	DurationSec   int
}

// IncomingPost — нормализованное входящее обновление. Неизменяемо после
// создания; повторные доставки дедуплицируются по (ExternalMessageID, ChatID).
type IncomingPost struct {
	ExternalMessageID int64
	ChatID            int64
	GroupID           string
	Caption           string
	Media             *MediaRef
	ReceivedAt        time.Time
}

// GroupState описывает состояние медиагруппы.
type GroupState string

const (
	// GroupStateOpen — группа принимает новых участников.
	GroupStateOpen GroupState = "open"
	// GroupStateSettling — тихое окно истекло, идёт финальная сверка.
	GroupStateSettling GroupState = "settling"
	// GroupStateComplete — группа зафиксирована, канонические поля заморожены.
	GroupStateComplete GroupState = "complete"
)

// MaxGroupSize — максимальный размер альбома Telegram.
const MaxGroupSize = 10

// MediaGroup — логический альбом, собираемый из отдельных доставок вебхука.
// Version используется для optimistic locking: append участника и обновление
// канонических полей применяются как один атомарный переход.
type MediaGroup struct {
	GroupID          string
	Members          []int64
	CanonicalCaption string
	CanonicalProduct *ProductInfo
	State            GroupState
	LastSeenAt       time.Time
	Version          int64
	CreatedAt        time.Time
}

// HasMember сообщает, есть ли сообщение среди участников группы.
func (g *MediaGroup) HasMember(externalMessageID int64) bool {
	for _, id := range g.Members {
		if id == externalMessageID {
			return true
		}
	}
	return false
}

// ProcessingState описывает жизненный цикл MediaRecord.
type ProcessingState string

const (
	// ProcessingStatePending — задача запланирована, обработка не начата.
	ProcessingStatePending ProcessingState = "pending"
	// ProcessingStateProcessing — загрузка выполняется.
	ProcessingStateProcessing ProcessingState = "processing"
	// ProcessingStateStored — файл сохранён, терминальное состояние.
	ProcessingStateStored ProcessingState = "stored"
	// ProcessingStateFailed — попытки исчерпаны; допускается ручной перезапуск.
	ProcessingStateFailed ProcessingState = "failed"
)

// MediaRecord — единица хранения. Истинный ключ дедупликации — FileUniqueRef:
// вторая доставка с тем же FileUniqueRef разрешается в ту же запись.
type MediaRecord struct {
	ID              int64
	FileUniqueRef   string
	FileKind        MediaKind
	Width           int
	Height          int
	DurationSec     int
	SizeBytes       int64
	StorageKey      string
	PublicURL       string
	Caption         string
	Product         *ProductInfo
	SourceMessageID int64
	ChatID          int64
	GroupID         string
	State           ProcessingState
	RetryCount      int
	LastError       string
	ExternalRowID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OutboxOperation описывает тип изменения для внешней системы.
type OutboxOperation string

const (
	// OutboxOpInsert — создание строки во внешней таблице.
	OutboxOpInsert OutboxOperation = "insert"
	// OutboxOpUpdate — обновление существующей строки.
	OutboxOpUpdate OutboxOperation = "update"
	// OutboxOpDelete — удаление строки.
	OutboxOpDelete OutboxOperation = "delete"
)

// OutboxEntry — отложенное изменение для внешней системы. Записи одного
// EntityID применяются в порядке постановки; запись не удаляется до
// установки ProcessedAt, ошибочные записи остаются с инкрементом RetryCount.
type OutboxEntry struct {
	ID              int64
	EntityID        string
	Operation       OutboxOperation
	PayloadSnapshot []byte
	EnqueuedAt      time.Time
	ProcessedAt     *time.Time
	Error           string
	RetryCount      int
}

// SyncResult агрегирует результат одного прохода дрейнера.
type SyncResult struct {
	Added   int      `json:"added"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Errors  []string `json:"errors"`
}
