package domain

// RecordSnapshot — срез MediaRecord, сохраняемый в payload записи outbox.
// Дрейнер переименовывает эти поля в колонки внешней системы; никакой
// бизнес-логики на этом уровне нет.
type RecordSnapshot struct {
	FileUniqueRef   string       `json:"file_unique_ref"`
	FileKind        MediaKind    `json:"file_kind"`
	PublicURL       string       `json:"public_url,omitempty"`
	Caption         string       `json:"caption,omitempty"`
	Product         *ProductInfo `json:"product,omitempty"`
	SourceMessageID int64        `json:"source_message_id"`
	ChatID          int64        `json:"chat_id"`
	GroupID         string       `json:"group_id,omitempty"`
	ExternalRowID   string       `json:"external_row_id,omitempty"`
}

// SnapshotOf строит снапшот записи для outbox.
func SnapshotOf(record MediaRecord) RecordSnapshot {
	return RecordSnapshot{
		FileUniqueRef:   record.FileUniqueRef,
		FileKind:        record.FileKind,
		PublicURL:       record.PublicURL,
		Caption:         record.Caption,
		Product:         record.Product,
		SourceMessageID: record.SourceMessageID,
		ChatID:          record.ChatID,
		GroupID:         record.GroupID,
		ExternalRowID:   record.ExternalRowID,
	}
}
