package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.IngestLogRepo = (*Postgres)(nil)
var _ domain.GroupRepo = (*Postgres)(nil)
var _ domain.MediaRecordRepo = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// AcquireDelivery регистрирует доставку вебхука и возвращает true, если она
// первая. Повторная доставка того же (chat_id, message_id) даёт false.
func (p *Postgres) AcquireDelivery(chatID, externalMessageID int64) (bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO incoming_posts (chat_id, external_message_id, received_at)
VALUES ($1, $2, now())
ON CONFLICT (chat_id, external_message_id) DO NOTHING
`, chatID, externalMessageID)
	metrics.ObserveNetworkRequest("postgres", "incoming_posts_acquire", "incoming_posts", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ReleaseDelivery удаляет регистрацию доставки после неудачной обработки.
func (p *Postgres) ReleaseDelivery(chatID, externalMessageID int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
DELETE FROM incoming_posts WHERE chat_id=$1 AND external_message_id=$2
`, chatID, externalMessageID)
	metrics.ObserveNetworkRequest("postgres", "incoming_posts_release", "incoming_posts", start, err)
	return err
}

func marshalProduct(product *domain.ProductInfo) ([]byte, error) {
	if product == nil {
		return nil, nil
	}
	return json.Marshal(product)
}

func unmarshalProduct(raw []byte) (*domain.ProductInfo, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var product domain.ProductInfo
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// GetOrCreate возвращает медиагруппу, создавая её при первом участнике.
func (p *Postgres) GetOrCreate(groupID string, now time.Time) (domain.MediaGroup, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO media_groups (group_id, members, state, last_seen_at, version, created_at)
VALUES ($1, '{}', $2, $3, 1, $3)
ON CONFLICT (group_id) DO NOTHING
`, groupID, domain.GroupStateOpen, now)
	metrics.ObserveNetworkRequest("postgres", "media_groups_create", "media_groups", start, err)
	if err != nil {
		return domain.MediaGroup{}, err
	}
	return p.getGroup(ctx, groupID)
}

func (p *Postgres) getGroup(ctx context.Context, groupID string) (domain.MediaGroup, error) {
	var (
		group      domain.MediaGroup
		caption    sql.NullString
		productRaw []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT group_id, members, canonical_caption, canonical_product, state, last_seen_at, version, created_at
FROM media_groups WHERE group_id=$1
`, groupID).Scan(&group.GroupID, &group.Members, &caption, &productRaw, &group.State, &group.LastSeenAt, &group.Version, &group.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "media_groups_get", "media_groups", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MediaGroup{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MediaGroup{}, err
	}
	if caption.Valid {
		group.CanonicalCaption = caption.String
	}
	product, err := unmarshalProduct(productRaw)
	if err != nil {
		return domain.MediaGroup{}, fmt.Errorf("decode canonical product: %w", err)
	}
	group.CanonicalProduct = product
	return group, nil
}

// Save применяет переход группы через compare-and-swap по версии.
// При гонке возвращает ErrVersionConflict; вызывающая сторона перечитывает
// группу и повторяет переход.
func (p *Postgres) Save(group domain.MediaGroup) (domain.MediaGroup, error) {
	ctx, cancel := connCtx()
	defer cancel()

	productRaw, err := marshalProduct(group.CanonicalProduct)
	if err != nil {
		return domain.MediaGroup{}, fmt.Errorf("encode canonical product: %w", err)
	}

	var captionArg any
	if group.CanonicalCaption != "" {
		captionArg = group.CanonicalCaption
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE media_groups
SET members=$2, canonical_caption=$3, canonical_product=$4, state=$5, last_seen_at=$6, version=version+1
WHERE group_id=$1 AND version=$7
`, group.GroupID, group.Members, captionArg, productRaw, group.State, group.LastSeenAt, group.Version)
	metrics.ObserveNetworkRequest("postgres", "media_groups_save", "media_groups", start, err)
	if err != nil {
		return domain.MediaGroup{}, err
	}
	if res.RowsAffected() == 0 {
		return domain.MediaGroup{}, domain.ErrVersionConflict
	}
	group.Version++
	return group, nil
}

// ListQuiet возвращает открытые группы без новых участников с порога before.
func (p *Postgres) ListQuiet(before time.Time, limit int) ([]domain.MediaGroup, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT group_id, members, canonical_caption, canonical_product, state, last_seen_at, version, created_at
FROM media_groups
WHERE state != $1 AND last_seen_at < $2
ORDER BY last_seen_at
LIMIT $3
`, domain.GroupStateComplete, before, limit)
	metrics.ObserveNetworkRequest("postgres", "media_groups_list_quiet", "media_groups", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []domain.MediaGroup
	for rows.Next() {
		var (
			group      domain.MediaGroup
			caption    sql.NullString
			productRaw []byte
		)
		if err := rows.Scan(&group.GroupID, &group.Members, &caption, &productRaw, &group.State, &group.LastSeenAt, &group.Version, &group.CreatedAt); err != nil {
			return nil, err
		}
		if caption.Valid {
			group.CanonicalCaption = caption.String
		}
		product, err := unmarshalProduct(productRaw)
		if err != nil {
			return nil, fmt.Errorf("decode canonical product: %w", err)
		}
		group.CanonicalProduct = product
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// ListCompletedBefore возвращает завершённые группы для сборки мусора.
func (p *Postgres) ListCompletedBefore(before time.Time, limit int) ([]domain.MediaGroup, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT group_id, members, canonical_caption, canonical_product, state, last_seen_at, version, created_at
FROM media_groups
WHERE state = $1 AND last_seen_at < $2
ORDER BY last_seen_at
LIMIT $3
`, domain.GroupStateComplete, before, limit)
	metrics.ObserveNetworkRequest("postgres", "media_groups_list_completed", "media_groups", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []domain.MediaGroup
	for rows.Next() {
		var (
			group      domain.MediaGroup
			caption    sql.NullString
			productRaw []byte
		)
		if err := rows.Scan(&group.GroupID, &group.Members, &caption, &productRaw, &group.State, &group.LastSeenAt, &group.Version, &group.CreatedAt); err != nil {
			return nil, err
		}
		if caption.Valid {
			group.CanonicalCaption = caption.String
		}
		product, err := unmarshalProduct(productRaw)
		if err != nil {
			return nil, fmt.Errorf("decode canonical product: %w", err)
		}
		group.CanonicalProduct = product
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// Delete удаляет группу после успешной обработки всех участников.
func (p *Postgres) Delete(groupID string) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM media_groups WHERE group_id=$1`, groupID)
	metrics.ObserveNetworkRequest("postgres", "media_groups_delete", "media_groups", start, err)
	return err
}

const mediaRecordColumns = `id, file_unique_ref, file_kind, width, height, duration_sec, size_bytes, storage_key, public_url, caption, product, source_message_id, chat_id, group_id, state, retry_count, last_error, external_row_id, created_at, updated_at`

func scanMediaRecord(row pgx.Row) (domain.MediaRecord, error) {
	var (
		record     domain.MediaRecord
		storageKey sql.NullString
		publicURL  sql.NullString
		caption    sql.NullString
		productRaw []byte
		groupID    sql.NullString
		lastError  sql.NullString
		rowID      sql.NullString
	)
	err := row.Scan(&record.ID, &record.FileUniqueRef, &record.FileKind, &record.Width, &record.Height,
		&record.DurationSec, &record.SizeBytes, &storageKey, &publicURL, &caption, &productRaw,
		&record.SourceMessageID, &record.ChatID, &groupID, &record.State, &record.RetryCount, &lastError, &rowID,
		&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return domain.MediaRecord{}, err
	}
	if storageKey.Valid {
		record.StorageKey = storageKey.String
	}
	if publicURL.Valid {
		record.PublicURL = publicURL.String
	}
	if caption.Valid {
		record.Caption = caption.String
	}
	if groupID.Valid {
		record.GroupID = groupID.String
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	if rowID.Valid {
		record.ExternalRowID = rowID.String
	}
	product, err := unmarshalProduct(productRaw)
	if err != nil {
		return domain.MediaRecord{}, fmt.Errorf("decode product: %w", err)
	}
	record.Product = product
	return record, nil
}

// EnsurePending атомарно создаёт запись PENDING либо возвращает существующую
// с тем же file_unique_ref. Гонка двух одновременных доставок одного файла
// разрешается в одну строку.
func (p *Postgres) EnsurePending(record domain.MediaRecord) (domain.MediaRecord, bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	productRaw, err := marshalProduct(record.Product)
	if err != nil {
		return domain.MediaRecord{}, false, fmt.Errorf("encode product: %w", err)
	}

	var inserted bool
	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO media_records (file_unique_ref, file_kind, width, height, duration_sec, size_bytes, caption, product, source_message_id, chat_id, group_id, state)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), $8, $9, $10, NULLIF($11,''), $12)
ON CONFLICT (file_unique_ref) DO UPDATE SET updated_at = now()
RETURNING `+mediaRecordColumns+`, (xmax = 0) AS inserted
`, record.FileUniqueRef, record.FileKind, record.Width, record.Height, record.DurationSec, record.SizeBytes,
		record.Caption, productRaw, record.SourceMessageID, record.ChatID, record.GroupID, domain.ProcessingStatePending)
	saved, err := scanMediaRecordWithFlag(row, &inserted)
	metrics.ObserveNetworkRequest("postgres", "media_records_ensure_pending", "media_records", start, err)
	if err != nil {
		return domain.MediaRecord{}, false, err
	}
	return saved, inserted, nil
}

func scanMediaRecordWithFlag(row pgx.Row, inserted *bool) (domain.MediaRecord, error) {
	var (
		record     domain.MediaRecord
		storageKey sql.NullString
		publicURL  sql.NullString
		caption    sql.NullString
		productRaw []byte
		groupID    sql.NullString
		lastError  sql.NullString
		rowID      sql.NullString
	)
	err := row.Scan(&record.ID, &record.FileUniqueRef, &record.FileKind, &record.Width, &record.Height,
		&record.DurationSec, &record.SizeBytes, &storageKey, &publicURL, &caption, &productRaw,
		&record.SourceMessageID, &record.ChatID, &groupID, &record.State, &record.RetryCount, &lastError, &rowID,
		&record.CreatedAt, &record.UpdatedAt, inserted)
	if err != nil {
		return domain.MediaRecord{}, err
	}
	if storageKey.Valid {
		record.StorageKey = storageKey.String
	}
	if publicURL.Valid {
		record.PublicURL = publicURL.String
	}
	if caption.Valid {
		record.Caption = caption.String
	}
	if groupID.Valid {
		record.GroupID = groupID.String
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	if rowID.Valid {
		record.ExternalRowID = rowID.String
	}
	product, err := unmarshalProduct(productRaw)
	if err != nil {
		return domain.MediaRecord{}, fmt.Errorf("decode product: %w", err)
	}
	record.Product = product
	return record, nil
}

// GetByFileUniqueRef возвращает запись по идентификатору файла.
func (p *Postgres) GetByFileUniqueRef(fileUniqueRef string) (domain.MediaRecord, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+mediaRecordColumns+` FROM media_records WHERE file_unique_ref=$1`, fileUniqueRef)
	record, err := scanMediaRecord(row)
	metrics.ObserveNetworkRequest("postgres", "media_records_get", "media_records", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MediaRecord{}, domain.ErrNotFound
	}
	return record, err
}

// SetState переводит запись в указанное состояние.
func (p *Postgres) SetState(fileUniqueRef string, state domain.ProcessingState) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE media_records SET state=$2, updated_at=now() WHERE file_unique_ref=$1`, fileUniqueRef, state)
	metrics.ObserveNetworkRequest("postgres", "media_records_set_state", "media_records", start, err)
	return err
}

// MarkStored фиксирует успешную загрузку файла.
func (p *Postgres) MarkStored(fileUniqueRef, storageKey, publicURL string) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE media_records
SET storage_key=$2, public_url=$3, state=$4, last_error=NULL, updated_at=now()
WHERE file_unique_ref=$1
`, fileUniqueRef, storageKey, publicURL, domain.ProcessingStateStored)
	metrics.ObserveNetworkRequest("postgres", "media_records_mark_stored", "media_records", start, err)
	return err
}

// MarkFailed переводит запись в терминальное состояние FAILED.
func (p *Postgres) MarkFailed(fileUniqueRef, lastError string, retryCount int) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE media_records
SET state=$2, last_error=$3, retry_count=$4, updated_at=now()
WHERE file_unique_ref=$1
`, fileUniqueRef, domain.ProcessingStateFailed, lastError, retryCount)
	metrics.ObserveNetworkRequest("postgres", "media_records_mark_failed", "media_records", start, err)
	return err
}

// IncrementRetry увеличивает счётчик попыток и сохраняет последнюю ошибку.
func (p *Postgres) IncrementRetry(fileUniqueRef string, lastError string) (int, error) {
	ctx, cancel := connCtx()
	defer cancel()

	var retryCount int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE media_records
SET retry_count=retry_count+1, last_error=$2, updated_at=now()
WHERE file_unique_ref=$1
RETURNING retry_count
`, fileUniqueRef, lastError).Scan(&retryCount)
	metrics.ObserveNetworkRequest("postgres", "media_records_increment_retry", "media_records", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return retryCount, err
}

// ApplyCanonical проставляет каноническую подпись и данные товара всем
// записям группы, безусловно перетирая локальные поля: полноту победителя
// гарантирует reconciler. Возвращает изменённые записи для дальнейшей
// постановки в outbox.
func (p *Postgres) ApplyCanonical(groupID, caption string, product *domain.ProductInfo) ([]domain.MediaRecord, error) {
	ctx, cancel := connCtx()
	defer cancel()

	productRaw, err := marshalProduct(product)
	if err != nil {
		return nil, fmt.Errorf("encode product: %w", err)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
UPDATE media_records
SET caption=NULLIF($2,''), product=$3, updated_at=now()
WHERE group_id=$1 AND (caption IS DISTINCT FROM NULLIF($2,'') OR product IS DISTINCT FROM $3)
RETURNING `+mediaRecordColumns, groupID, caption, productRaw)
	metrics.ObserveNetworkRequest("postgres", "media_records_apply_canonical", "media_records", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.MediaRecord
	for rows.Next() {
		record, err := scanMediaRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateCaption обновляет подпись и данные товара одной записи.
func (p *Postgres) UpdateCaption(fileUniqueRef, caption string, product *domain.ProductInfo) error {
	ctx, cancel := connCtx()
	defer cancel()

	productRaw, err := marshalProduct(product)
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE media_records SET caption=NULLIF($2,''), product=$3, updated_at=now() WHERE file_unique_ref=$1
`, fileUniqueRef, caption, productRaw)
	metrics.ObserveNetworkRequest("postgres", "media_records_update_caption", "media_records", start, err)
	return err
}

// SetExternalRowID сохраняет идентификатор строки внешней системы.
func (p *Postgres) SetExternalRowID(fileUniqueRef, rowID string) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE media_records SET external_row_id=$2, updated_at=now() WHERE file_unique_ref=$1`, fileUniqueRef, rowID)
	metrics.ObserveNetworkRequest("postgres", "media_records_set_external_row_id", "media_records", start, err)
	return err
}

// ListByGroup возвращает записи группы в порядке исходных сообщений.
func (p *Postgres) ListByGroup(groupID string) ([]domain.MediaRecord, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+mediaRecordColumns+` FROM media_records WHERE group_id=$1 ORDER BY source_message_id
`, groupID)
	metrics.ObserveNetworkRequest("postgres", "media_records_list_by_group", "media_records", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.MediaRecord
	for rows.Next() {
		record, err := scanMediaRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
