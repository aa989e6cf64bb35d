package repo

import (
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// PostgresOutbox реализует domain.OutboxRepo. Живёт отдельным типом от
// Postgres: у записей медиа и записей outbox разные сигнатуры MarkFailed.
type PostgresOutbox struct {
	pool *pgxpool.Pool
}

var _ domain.OutboxRepo = (*PostgresOutbox)(nil)

// NewPostgresOutbox создаёт адаптер outbox.
func NewPostgresOutbox(pool *pgxpool.Pool) *PostgresOutbox {
	return &PostgresOutbox{pool: pool}
}

// Enqueue ставит изменение в outbox.
func (p *PostgresOutbox) Enqueue(entityID string, op domain.OutboxOperation, payload []byte) (int64, error) {
	ctx, cancel := connCtx()
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO outbox_entries (entity_id, operation, payload)
VALUES ($1, $2, $3)
RETURNING id
`, entityID, op, payload).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "outbox_enqueue", "outbox_entries", start, err)
	return id, err
}

// ListPending возвращает необработанные записи в порядке постановки.
func (p *PostgresOutbox) ListPending(limit int) ([]domain.OutboxEntry, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, entity_id, operation, payload, enqueued_at, processed_at, error, retry_count
FROM outbox_entries
WHERE processed_at IS NULL
ORDER BY id
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "outbox_list_pending", "outbox_entries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.OutboxEntry
	for rows.Next() {
		var (
			entry     domain.OutboxEntry
			processed sql.NullTime
			errMsg    sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.EntityID, &entry.Operation, &entry.PayloadSnapshot, &entry.EnqueuedAt, &processed, &errMsg, &entry.RetryCount); err != nil {
			return nil, err
		}
		if processed.Valid {
			ts := processed.Time
			entry.ProcessedAt = &ts
		}
		if errMsg.Valid {
			entry.Error = errMsg.String
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkProcessed помечает запись outbox обработанной.
func (p *PostgresOutbox) MarkProcessed(id int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE outbox_entries SET processed_at=now(), error=NULL WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "outbox_mark_processed", "outbox_entries", start, err)
	return err
}

// MarkFailed фиксирует ошибку применения; запись остаётся в очереди.
func (p *PostgresOutbox) MarkFailed(id int64, errMsg string) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE outbox_entries SET error=$2, retry_count=retry_count+1 WHERE id=$1`, id, errMsg)
	metrics.ObserveNetworkRequest("postgres", "outbox_mark_failed", "outbox_entries", start, err)
	return err
}
