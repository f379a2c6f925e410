package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/db"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
)

// SearchRepository handles the search index copy of history records in ClickHouse
type SearchRepository struct {
	db  *db.ClickHouseClient
	now func() time.Time
}

// NewSearchRepository creates a new search index repository
func NewSearchRepository(db *db.ClickHouseClient) *SearchRepository {
	return &SearchRepository{db: db, now: time.Now}
}

const indexColumns = `
	id, transaction_id, external_transaction_id, type, status,
	amount, currency, fees, balance_before, balance_after,
	sender_phone, receiver_phone, sender_name, receiver_name,
	user_id, counterparty_id, counterparty_name,
	description, merchant_code, bill_reference, bank_account_number,
	created_by, user_agent, ip_address, device_id, metadata,
	error_message, correlation_id, version,
	transaction_date, processing_date, history_saved`

// Upsert writes the current state of rec into the index
func (r *SearchRepository) Upsert(ctx context.Context, rec *models.HistoryRecord) error {
	return r.UpsertBatch(ctx, []*models.HistoryRecord{rec})
}

// UpsertBatch writes recs in a single insert. Rows with the same id collapse to the newest.
func (r *SearchRepository) UpsertBatch(ctx context.Context, recs []*models.HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `INSERT INTO history_index (`+indexColumns+`, indexed_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare index batch: %w", err)
	}

	indexedAt := r.now().UTC()
	for _, rec := range recs {
		err := batch.Append(
			rec.ID,
			rec.TransactionID,
			rec.ExternalTransactionID,
			string(rec.Type),
			string(rec.Status),
			rec.Amount,
			rec.Currency,
			nullDecimalPtr(rec.Fees),
			nullDecimalPtr(rec.BalanceBefore),
			nullDecimalPtr(rec.BalanceAfter),
			rec.SenderPhone,
			rec.ReceiverPhone,
			rec.SenderName,
			rec.ReceiverName,
			rec.UserID,
			rec.CounterpartyID,
			rec.CounterpartyName,
			rec.Description,
			rec.MerchantCode,
			rec.BillReference,
			rec.BankAccountNumber,
			rec.CreatedBy,
			rec.UserAgent,
			rec.IPAddress,
			rec.DeviceID,
			rec.Metadata,
			rec.ErrorMessage,
			rec.CorrelationID,
			int32(rec.Version),
			rec.TransactionDate.UTC(),
			rec.ProcessingDate.UTC(),
			rec.HistorySaved,
			indexedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append record %s to index batch: %w", rec.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send index batch of %d records: %w", len(recs), err)
	}

	return nil
}

// Delete removes the index entry for id. The mutation completes before Delete returns.
func (r *SearchRepository) Delete(ctx context.Context, id string) error {
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))

	if err := r.db.Conn().Exec(ctx, `ALTER TABLE history_index DELETE WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete index entry %s: %w", id, err)
	}
	return nil
}

// Truncate empties the index
func (r *SearchRepository) Truncate(ctx context.Context) error {
	if err := r.db.Conn().Exec(ctx, `TRUNCATE TABLE IF EXISTS history_index`); err != nil {
		return fmt.Errorf("failed to truncate index: %w", err)
	}
	return nil
}

// Count returns the number of distinct records in the index
func (r *SearchRepository) Count(ctx context.Context) (int64, error) {
	var n uint64
	if err := r.db.Conn().QueryRow(ctx, `SELECT count() FROM history_index FINAL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	return int64(n), nil
}

// FindByID returns the indexed copy of a record or ErrNotFound
func (r *SearchRepository) FindByID(ctx context.Context, id string) (*models.HistoryRecord, error) {
	rows, err := r.db.Conn().Query(ctx, `SELECT `+indexColumns+` FROM history_index FINAL WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query index entry %s: %w", id, err)
	}
	records, err := r.collect(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// Search returns one page of records matching c, most recent first
func (r *SearchRepository) Search(ctx context.Context, c search.Criteria, page models.Page) (*models.RecordPage, error) {
	page = page.Normalize()

	where, args, err := c.Where()
	if err != nil {
		return nil, err
	}

	var total uint64
	if err := r.db.Conn().QueryRow(ctx,
		`SELECT count() FROM history_index FINAL WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count search results: %w", err)
	}

	query := `SELECT ` + indexColumns + `
		FROM history_index FINAL
		WHERE ` + where + `
		ORDER BY transaction_date DESC, id
		LIMIT ? OFFSET ?`

	rows, err := r.db.Conn().Query(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	records, err := r.collect(rows)
	if err != nil {
		return nil, err
	}

	return &models.RecordPage{Records: records, Total: int64(total), Page: page}, nil
}

// Stats aggregates the records matching c per type and status, plus a
// monthly breakdown when c has both ends of a date range
func (r *SearchRepository) Stats(ctx context.Context, c search.Criteria) (*search.UserStats, error) {
	where, args, err := c.Where()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT type, status, count(), sum(amount), min(transaction_date), max(transaction_date)
		FROM history_index FINAL
		WHERE `+where+`
		GROUP BY type, status`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	defer rows.Close()

	var statsRows []search.StatsRow
	for rows.Next() {
		var (
			row             search.StatsRow
			recType, status string
			count           uint64
		)
		if err := rows.Scan(&recType, &status, &count, &row.Total, &row.First, &row.Last); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		row.Type = models.TransactionType(recType)
		row.Status = models.TransactionStatus(status)
		row.Count = int64(count)
		statsRows = append(statsRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats rows: %w", err)
	}

	var months []search.MonthRow
	if c.From != nil && c.To != nil {
		months, err = r.monthly(ctx, where, args)
		if err != nil {
			return nil, err
		}
	}

	return search.Summarize(statsRows, months, c.From, c.To), nil
}

func (r *SearchRepository) monthly(ctx context.Context, where string, args []any) ([]search.MonthRow, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT formatDateTime(transaction_date, '%Y-%m') AS month, count(), sum(amount)
		FROM history_index FINAL
		WHERE `+where+`
		GROUP BY month
		ORDER BY month`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate monthly stats: %w", err)
	}
	defer rows.Close()

	var months []search.MonthRow
	for rows.Next() {
		var (
			m     search.MonthRow
			count uint64
		)
		if err := rows.Scan(&m.Month, &count, &m.Total); err != nil {
			return nil, fmt.Errorf("failed to scan monthly stats row: %w", err)
		}
		m.Count = int64(count)
		months = append(months, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monthly stats rows: %w", err)
	}

	return months, nil
}

type indexRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func (r *SearchRepository) collect(rows indexRows) ([]*models.HistoryRecord, error) {
	defer rows.Close()

	var records []*models.HistoryRecord
	for rows.Next() {
		var (
			rec                               models.HistoryRecord
			recType, status                   string
			fees, balanceBefore, balanceAfter *decimal.Decimal
			version                           int32
		)

		err := rows.Scan(
			&rec.ID,
			&rec.TransactionID,
			&rec.ExternalTransactionID,
			&recType,
			&status,
			&rec.Amount,
			&rec.Currency,
			&fees,
			&balanceBefore,
			&balanceAfter,
			&rec.SenderPhone,
			&rec.ReceiverPhone,
			&rec.SenderName,
			&rec.ReceiverName,
			&rec.UserID,
			&rec.CounterpartyID,
			&rec.CounterpartyName,
			&rec.Description,
			&rec.MerchantCode,
			&rec.BillReference,
			&rec.BankAccountNumber,
			&rec.CreatedBy,
			&rec.UserAgent,
			&rec.IPAddress,
			&rec.DeviceID,
			&rec.Metadata,
			&rec.ErrorMessage,
			&rec.CorrelationID,
			&version,
			&rec.TransactionDate,
			&rec.ProcessingDate,
			&rec.HistorySaved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}

		rec.Type = models.TransactionType(recType)
		rec.Status = models.TransactionStatus(status)
		rec.Version = int(version)
		rec.Fees = decimalPtrToNull(fees)
		rec.BalanceBefore = decimalPtrToNull(balanceBefore)
		rec.BalanceAfter = decimalPtrToNull(balanceAfter)
		rec.TransactionDate = rec.TransactionDate.UTC()
		rec.ProcessingDate = rec.ProcessingDate.UTC()

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index rows: %w", err)
	}

	return records, nil
}

func nullDecimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func decimalPtrToNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}
