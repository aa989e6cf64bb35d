package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
)

type stubOutbox struct {
	entries   []domain.OutboxEntry
	processed []int64
	failed    map[int64]string
}

func newStubOutbox(entries ...domain.OutboxEntry) *stubOutbox {
	return &stubOutbox{entries: entries, failed: make(map[int64]string)}
}

func (s *stubOutbox) Enqueue(entityID string, op domain.OutboxOperation, payload []byte) (int64, error) {
	id := int64(len(s.entries) + 1)
	s.entries = append(s.entries, domain.OutboxEntry{ID: id, EntityID: entityID, Operation: op, PayloadSnapshot: payload})
	return id, nil
}

func (s *stubOutbox) ListPending(limit int) ([]domain.OutboxEntry, error) {
	if len(s.entries) > limit {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func (s *stubOutbox) MarkProcessed(id int64) error {
	s.processed = append(s.processed, id)
	return nil
}

func (s *stubOutbox) MarkFailed(id int64, errMsg string) error {
	s.failed[id] = errMsg
	return nil
}

type stubRecords struct {
	records map[string]domain.MediaRecord
}

func newStubRecords() *stubRecords {
	return &stubRecords{records: make(map[string]domain.MediaRecord)}
}

func (s *stubRecords) EnsurePending(record domain.MediaRecord) (domain.MediaRecord, bool, error) {
	return record, false, nil
}

func (s *stubRecords) GetByFileUniqueRef(ref string) (domain.MediaRecord, error) {
	record, ok := s.records[ref]
	if !ok {
		return domain.MediaRecord{}, domain.ErrNotFound
	}
	return record, nil
}

func (s *stubRecords) SetState(ref string, state domain.ProcessingState) error { return nil }
func (s *stubRecords) MarkStored(ref, storageKey, publicURL string) error      { return nil }
func (s *stubRecords) MarkFailed(ref, lastError string, retryCount int) error  { return nil }
func (s *stubRecords) IncrementRetry(ref, lastError string) (int, error)       { return 0, nil }

func (s *stubRecords) ApplyCanonical(groupID, caption string, product *domain.ProductInfo) ([]domain.MediaRecord, error) {
	return nil, nil
}

func (s *stubRecords) UpdateCaption(ref, caption string, product *domain.ProductInfo) error {
	return nil
}

func (s *stubRecords) SetExternalRowID(ref, rowID string) error {
	record := s.records[ref]
	record.FileUniqueRef = ref
	record.ExternalRowID = rowID
	s.records[ref] = record
	return nil
}

func (s *stubRecords) ListByGroup(groupID string) ([]domain.MediaRecord, error) { return nil, nil }

type clientCall struct {
	op    string
	rowID string
}

type stubClient struct {
	calls     []clientCall
	tables    []string
	nextRowID string
	failOn    map[string]error
}

func newStubClient() *stubClient {
	return &stubClient{nextRowID: "row-1", failOn: make(map[string]error)}
}

func (s *stubClient) AddRow(_ context.Context, tableID string, row domain.ExternalRow) (string, error) {
	if err := s.failOn["add"]; err != nil {
		return "", err
	}
	s.calls = append(s.calls, clientCall{op: "add"})
	s.tables = append(s.tables, tableID)
	return s.nextRowID, nil
}

func (s *stubClient) UpdateRow(_ context.Context, tableID string, rowID string, row domain.ExternalRow) error {
	if err := s.failOn["update"]; err != nil {
		return err
	}
	s.calls = append(s.calls, clientCall{op: "update", rowID: rowID})
	s.tables = append(s.tables, tableID)
	return nil
}

func (s *stubClient) DeleteRow(_ context.Context, tableID string, rowID string) error {
	if err := s.failOn["delete"]; err != nil {
		return err
	}
	s.calls = append(s.calls, clientCall{op: "delete", rowID: rowID})
	s.tables = append(s.tables, tableID)
	return nil
}

func snapshotPayload(t *testing.T, ref string) []byte {
	t.Helper()
	payload, err := json.Marshal(domain.RecordSnapshot{FileUniqueRef: ref, FileKind: domain.MediaKindPhoto, ChatID: 100})
	if err != nil {
		t.Fatalf("не удалось подготовить снапшот: %v", err)
	}
	return payload
}

func TestDrainAppliesInOrder(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u1")},
		domain.OutboxEntry{ID: 2, EntityID: "u1", Operation: domain.OutboxOpUpdate, PayloadSnapshot: snapshotPayload(t, "u1")},
	)
	records := newStubRecords()
	client := newStubClient()
	svc := NewService(outbox, records, client, "table-1", zerolog.Nop())

	result, err := svc.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Added != 1 || result.Updated != 1 {
		t.Fatalf("ожидался один add и один update, получено %+v", result)
	}
	if len(client.calls) != 2 || client.calls[0].op != "add" || client.calls[1].op != "update" {
		t.Fatalf("операции должны применяться в порядке постановки, получено %+v", client.calls)
	}
	if client.calls[1].rowID != "row-1" {
		t.Fatalf("update должен использовать rowID из предыдущего insert, получено %q", client.calls[1].rowID)
	}
	if got := records.records["u1"].ExternalRowID; got != "row-1" {
		t.Fatalf("rowID должен сохраниться в записи, получено %q", got)
	}
	if len(outbox.processed) != 2 {
		t.Fatalf("обе записи должны быть подтверждены, получено %v", outbox.processed)
	}
}

func TestDrainSkipsEntityAfterFailure(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u1")},
		domain.OutboxEntry{ID: 2, EntityID: "u1", Operation: domain.OutboxOpUpdate, PayloadSnapshot: snapshotPayload(t, "u1")},
		domain.OutboxEntry{ID: 3, EntityID: "u2", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u2")},
	)
	records := newStubRecords()
	client := newStubClient()
	client.failOn["add"] = errors.New("таблица недоступна")
	svc := NewService(outbox, records, client, "table-1", zerolog.Nop())

	result, err := svc.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	// Оба insert провалились, update u1 пропущен ради порядка.
	if len(result.Errors) != 2 {
		t.Fatalf("ожидались две ошибки, получено %+v", result.Errors)
	}
	if _, ok := outbox.failed[2]; ok {
		t.Fatalf("пропущенная запись не должна помечаться ошибкой")
	}
	if _, ok := outbox.failed[1]; !ok {
		t.Fatalf("провалившаяся запись должна сохранить ошибку")
	}
	if len(outbox.processed) != 0 {
		t.Fatalf("ни одна запись не должна быть подтверждена, получено %v", outbox.processed)
	}
}

func TestDrainReplaysInsertAsUpdate(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u1")},
	)
	records := newStubRecords()
	// Сбой между AddRow и подтверждением: rowID уже сохранён.
	records.records["u1"] = domain.MediaRecord{FileUniqueRef: "u1", ExternalRowID: "row-9"}
	client := newStubClient()
	svc := NewService(outbox, records, client, "table-1", zerolog.Nop())

	result, err := svc.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Added != 0 || result.Updated != 1 {
		t.Fatalf("повтор insert должен применяться как update, получено %+v", result)
	}
	if len(client.calls) != 1 || client.calls[0].op != "update" || client.calls[0].rowID != "row-9" {
		t.Fatalf("ожидался update строки row-9, получено %+v", client.calls)
	}
}

func TestDrainFilteredAppliesOnlyRequestedRecords(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u1")},
		domain.OutboxEntry{ID: 2, EntityID: "u2", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u2")},
	)
	records := newStubRecords()
	client := newStubClient()
	svc := NewService(outbox, records, client, "table-1", zerolog.Nop())

	result, err := svc.DrainFiltered(context.Background(), 10, "table-2", []string{"u2"})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("должна примениться только запрошенная запись, получено %+v", result)
	}
	if len(outbox.processed) != 1 || outbox.processed[0] != 2 {
		t.Fatalf("подтверждена должна быть только запись u2, получено %v", outbox.processed)
	}
	// Непрошеная запись не трогается и не помечается ошибкой.
	if _, ok := outbox.failed[1]; ok {
		t.Fatalf("отфильтрованная запись не должна помечаться ошибкой")
	}
}

func TestDrainFilteredFallsBackToDefaultTable(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u1")},
	)
	client := newStubClient()
	svc := NewService(outbox, newStubRecords(), client, "table-1", zerolog.Nop())

	result, err := svc.DrainFiltered(context.Background(), 10, "", nil)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("пустой запрос означает полный проход, получено %+v", result)
	}
	if client.tables[0] != "table-1" {
		t.Fatalf("без tableId используется таблица по умолчанию, получено %q", client.tables[0])
	}
}

func TestDrainStopsOnRateLimit(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u1")},
		domain.OutboxEntry{ID: 2, EntityID: "u2", Operation: domain.OutboxOpInsert, PayloadSnapshot: snapshotPayload(t, "u2")},
	)
	records := newStubRecords()
	client := newStubClient()
	client.failOn["add"] = domain.ErrRateLimited
	svc := NewService(outbox, records, client, "table-1", zerolog.Nop())

	result, err := svc.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("rate-limit должен прерывать проход после первой ошибки, получено %+v", result.Errors)
	}
}

func TestDrainDeleteWithoutRowID(t *testing.T) {
	outbox := newStubOutbox(
		domain.OutboxEntry{ID: 1, EntityID: "u1", Operation: domain.OutboxOpDelete, PayloadSnapshot: snapshotPayload(t, "u1")},
	)
	svc := NewService(outbox, newStubRecords(), newStubClient(), "table-1", zerolog.Nop())

	result, err := svc.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("удаление без rowID должно закрываться успешно, получено %+v", result)
	}
	if len(outbox.processed) != 1 {
		t.Fatalf("запись должна быть подтверждена")
	}
}
