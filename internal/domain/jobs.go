package domain

import (
	"context"
	"time"
)

// MediaTask — задача обработки одного медиафайла. Несёт снапшот канонических
// полей группы на момент постановки; более свежие значения доедут через
// финальную сверку группы.
type MediaTask struct {
	ID              string       `json:"task_id,omitempty"`
	FileUniqueRef   string       `json:"file_unique_ref"`
	FileRef         string       `json:"file_ref"`
	Kind            MediaKind    `json:"kind"`
	Width           int          `json:"width,omitempty"`
	Height          int          `json:"height,omitempty"`
	DurationSec     int          `json:"duration_sec,omitempty"`
	SizeBytes       int64        `json:"size_bytes,omitempty"`
	SourceMessageID int64        `json:"source_message_id"`
	ChatID          int64        `json:"chat_id"`
	GroupID         string       `json:"group_id,omitempty"`
	Caption         string       `json:"caption,omitempty"`
	Product         *ProductInfo `json:"product,omitempty"`
	EnqueuedAt      time.Time    `json:"enqueued_at"`
}

// MediaTaskQueue описывает очередь задач обработки медиа.
type MediaTaskQueue interface {
	Enqueue(ctx context.Context, task MediaTask) error
	Receive(ctx context.Context) (MediaTask, MediaAckFunc, error)
}

// MediaAckFunc подтверждает обработку либо возвращает задачу в очередь.
type MediaAckFunc func(success bool) error
