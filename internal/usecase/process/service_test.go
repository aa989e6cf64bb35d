package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/pkg/retry"
)

type stubRecords struct {
	records map[string]domain.MediaRecord
}

func newStubRecords() *stubRecords {
	return &stubRecords{records: make(map[string]domain.MediaRecord)}
}

func (s *stubRecords) EnsurePending(record domain.MediaRecord) (domain.MediaRecord, bool, error) {
	if existing, ok := s.records[record.FileUniqueRef]; ok {
		return existing, false, nil
	}
	record.State = domain.ProcessingStatePending
	s.records[record.FileUniqueRef] = record
	return record, true, nil
}

func (s *stubRecords) GetByFileUniqueRef(ref string) (domain.MediaRecord, error) {
	record, ok := s.records[ref]
	if !ok {
		return domain.MediaRecord{}, domain.ErrNotFound
	}
	return record, nil
}

func (s *stubRecords) SetState(ref string, state domain.ProcessingState) error {
	record := s.records[ref]
	record.State = state
	s.records[ref] = record
	return nil
}

func (s *stubRecords) MarkStored(ref, storageKey, publicURL string) error {
	record := s.records[ref]
	record.State = domain.ProcessingStateStored
	record.StorageKey = storageKey
	record.PublicURL = publicURL
	s.records[ref] = record
	return nil
}

func (s *stubRecords) MarkFailed(ref, lastError string, retryCount int) error {
	record := s.records[ref]
	record.State = domain.ProcessingStateFailed
	record.LastError = lastError
	record.RetryCount = retryCount
	s.records[ref] = record
	return nil
}

func (s *stubRecords) IncrementRetry(ref, lastError string) (int, error) {
	record := s.records[ref]
	record.RetryCount++
	record.LastError = lastError
	s.records[ref] = record
	return record.RetryCount, nil
}

func (s *stubRecords) ApplyCanonical(groupID, caption string, product *domain.ProductInfo) ([]domain.MediaRecord, error) {
	return nil, nil
}

func (s *stubRecords) UpdateCaption(ref, caption string, product *domain.ProductInfo) error {
	record := s.records[ref]
	record.Caption = caption
	record.Product = product
	s.records[ref] = record
	return nil
}

func (s *stubRecords) SetExternalRowID(ref, rowID string) error {
	record := s.records[ref]
	record.ExternalRowID = rowID
	s.records[ref] = record
	return nil
}

func (s *stubRecords) ListByGroup(groupID string) ([]domain.MediaRecord, error) { return nil, nil }

type stubFetcher struct {
	calls int
	data  []byte
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type stubBlobs struct {
	puts map[string][]byte
}

func newStubBlobs() *stubBlobs {
	return &stubBlobs{puts: make(map[string][]byte)}
}

func (s *stubBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.puts[key] = data
	return "https://cdn/" + key, nil
}

func (s *stubBlobs) Lookup(_ context.Context, key string) (string, bool, error) {
	if _, ok := s.puts[key]; ok {
		return "https://cdn/" + key, true, nil
	}
	return "", false, nil
}

type stubOutbox struct {
	entries []domain.OutboxEntry
}

func (s *stubOutbox) Enqueue(entityID string, op domain.OutboxOperation, payload []byte) (int64, error) {
	id := int64(len(s.entries) + 1)
	s.entries = append(s.entries, domain.OutboxEntry{ID: id, EntityID: entityID, Operation: op, PayloadSnapshot: payload})
	return id, nil
}

func (s *stubOutbox) ListPending(limit int) ([]domain.OutboxEntry, error) { return s.entries, nil }
func (s *stubOutbox) MarkProcessed(id int64) error                       { return nil }
func (s *stubOutbox) MarkFailed(id int64, errMsg string) error           { return nil }

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}
}

func photoTask(ref string) domain.MediaTask {
	return domain.MediaTask{
		FileUniqueRef:   ref,
		FileRef:         "file_" + ref,
		Kind:            domain.MediaKindPhoto,
		Width:           800,
		Height:          600,
		SourceMessageID: 1,
		ChatID:          100,
	}
}

func TestHandleStoresFile(t *testing.T) {
	records := newStubRecords()
	fetcher := &stubFetcher{data: []byte("jpeg")}
	blobs := newStubBlobs()
	outbox := &stubOutbox{}
	svc := NewService(records, fetcher, blobs, outbox, testPolicy(), zerolog.Nop())

	if err := svc.Handle(context.Background(), photoTask("u1")); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	record := records.records["u1"]
	if record.State != domain.ProcessingStateStored {
		t.Fatalf("запись должна быть сохранена, состояние %s", record.State)
	}
	if record.StorageKey != "media/u1.jpg" {
		t.Fatalf("неожиданный ключ хранилища %q", record.StorageKey)
	}
	if record.PublicURL != "https://cdn/media/u1.jpg" {
		t.Fatalf("неожиданный публичный URL %q", record.PublicURL)
	}
	if len(outbox.entries) != 1 || outbox.entries[0].Operation != domain.OutboxOpInsert {
		t.Fatalf("ожидался один INSERT в outbox, получено %+v", outbox.entries)
	}
}

func TestHandleDeduplicatesStoredFile(t *testing.T) {
	records := newStubRecords()
	records.records["u1"] = domain.MediaRecord{
		FileUniqueRef: "u1",
		FileKind:      domain.MediaKindPhoto,
		State:         domain.ProcessingStateStored,
		StorageKey:    "media/u1.jpg",
		PublicURL:     "https://cdn/media/u1.jpg",
	}
	fetcher := &stubFetcher{data: []byte("jpeg")}
	outbox := &stubOutbox{}
	svc := NewService(records, fetcher, newStubBlobs(), outbox, testPolicy(), zerolog.Nop())

	if err := svc.Handle(context.Background(), photoTask("u1")); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("повторная задача не должна скачивать файл, вызовов %d", fetcher.calls)
	}
}

func TestHandleRefreshesCaptionOnDuplicate(t *testing.T) {
	records := newStubRecords()
	records.records["u1"] = domain.MediaRecord{
		FileUniqueRef: "u1",
		FileKind:      domain.MediaKindPhoto,
		State:         domain.ProcessingStateStored,
		PublicURL:     "https://cdn/media/u1.jpg",
	}
	outbox := &stubOutbox{}
	svc := NewService(records, &stubFetcher{}, newStubBlobs(), outbox, testPolicy(), zerolog.Nop())

	task := photoTask("u1")
	task.Caption = "WidgetX #AB12345"
	task.Product = &domain.ProductInfo{ProductName: "WidgetX", ProductCode: "AB12345"}
	if err := svc.Handle(context.Background(), task); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	record := records.records["u1"]
	if record.Caption != "WidgetX #AB12345" {
		t.Fatalf("более полная подпись должна примениться, получено %q", record.Caption)
	}
	if len(outbox.entries) != 1 || outbox.entries[0].Operation != domain.OutboxOpUpdate {
		t.Fatalf("ожидался UPDATE в outbox, получено %+v", outbox.entries)
	}
}

func TestHandleExhaustsRetries(t *testing.T) {
	records := newStubRecords()
	fetcher := &stubFetcher{err: errors.New("сеть недоступна")}
	svc := NewService(records, fetcher, newStubBlobs(), &stubOutbox{}, testPolicy(), zerolog.Nop())

	if err := svc.Handle(context.Background(), photoTask("u1")); err != nil {
		t.Fatalf("исчерпание попыток должно поглощать задачу, получено %v", err)
	}

	if fetcher.calls != 3 {
		t.Fatalf("ожидалось ровно 3 попытки, получено %d", fetcher.calls)
	}
	record := records.records["u1"]
	if record.State != domain.ProcessingStateFailed {
		t.Fatalf("запись должна перейти в FAILED, состояние %s", record.State)
	}
	if record.RetryCount != 3 {
		t.Fatalf("счётчик попыток должен быть 3, получено %d", record.RetryCount)
	}
	if record.LastError == "" {
		t.Fatalf("последняя ошибка должна сохраниться")
	}
}

func TestHandleRejectsInvalidTask(t *testing.T) {
	records := newStubRecords()
	fetcher := &stubFetcher{}
	outbox := &stubOutbox{}
	svc := NewService(records, fetcher, newStubBlobs(), outbox, testPolicy(), zerolog.Nop())

	task := photoTask("u1")
	task.Width = 0
	if err := svc.Handle(context.Background(), task); err != nil {
		t.Fatalf("невалидная задача должна поглощаться, получено %v", err)
	}

	if fetcher.calls != 0 {
		t.Fatalf("невалидная задача не должна скачиваться")
	}
	record := records.records["u1"]
	if record.State != domain.ProcessingStateFailed {
		t.Fatalf("невалидная задача должна фиксироваться как FAILED, состояние %s", record.State)
	}
	if len(outbox.entries) != 0 {
		t.Fatalf("невалидная задача не должна попадать в outbox")
	}
}

func TestHandleReusesBlobAfterInterruptedRun(t *testing.T) {
	records := newStubRecords()
	fetcher := &stubFetcher{data: []byte("jpeg")}
	blobs := newStubBlobs()
	// Прерванная обработка: объект загружен, но запись не зафиксирована.
	blobs.puts["media/u1.jpg"] = []byte("jpeg")
	svc := NewService(records, fetcher, blobs, &stubOutbox{}, testPolicy(), zerolog.Nop())

	if err := svc.Handle(context.Background(), photoTask("u1")); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("готовый объект не должен скачиваться повторно, вызовов %d", fetcher.calls)
	}
	record := records.records["u1"]
	if record.State != domain.ProcessingStateStored {
		t.Fatalf("запись должна быть зафиксирована, состояние %s", record.State)
	}
	if record.PublicURL != "https://cdn/media/u1.jpg" {
		t.Fatalf("URL должен взяться из хранилища, получено %q", record.PublicURL)
	}
}

func TestHandleProcessesRequeuedPhoto(t *testing.T) {
	records := newStubRecords()
	// Запись после ручного возврата из FAILED: размеры сохранены в БД.
	records.records["u1"] = domain.MediaRecord{
		FileUniqueRef: "u1",
		FileKind:      domain.MediaKindPhoto,
		Width:         800,
		Height:        600,
		State:         domain.ProcessingStatePending,
		RetryCount:    3,
	}
	fetcher := &stubFetcher{data: []byte("jpeg")}
	svc := NewService(records, fetcher, newStubBlobs(), &stubOutbox{}, testPolicy(), zerolog.Nop())

	task := domain.MediaTask{
		FileUniqueRef: "u1",
		FileRef:       "fresh_file_id",
		Kind:          domain.MediaKindPhoto,
		Width:         records.records["u1"].Width,
		Height:        records.records["u1"].Height,
		ChatID:        100,
	}
	if err := svc.Handle(context.Background(), task); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if fetcher.calls == 0 {
		t.Fatalf("повторная задача должна дойти до скачивания, а не отсеяться валидацией")
	}
	if got := records.records["u1"].State; got != domain.ProcessingStateStored {
		t.Fatalf("повторная задача должна завершиться сохранением, состояние %s", got)
	}
}

func TestHandleSkipsFailedRecord(t *testing.T) {
	records := newStubRecords()
	records.records["u1"] = domain.MediaRecord{
		FileUniqueRef: "u1",
		FileKind:      domain.MediaKindPhoto,
		State:         domain.ProcessingStateFailed,
	}
	fetcher := &stubFetcher{}
	svc := NewService(records, fetcher, newStubBlobs(), &stubOutbox{}, testPolicy(), zerolog.Nop())

	if err := svc.Handle(context.Background(), photoTask("u1")); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("запись в FAILED не должна обрабатываться без ручного requeue")
	}
}
