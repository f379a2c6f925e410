package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/db"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

var (
	ErrNotFound  = models.ErrNotFound
	ErrDuplicate = models.ErrDuplicate
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Transactor runs fn inside a single database transaction
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// HistoryRepository persists history records in PostgreSQL
type HistoryRepository struct {
	pool db.DBTX
	tx   Transactor
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(pool db.DBTX, tx Transactor) *HistoryRepository {
	return &HistoryRepository{pool: pool, tx: tx}
}

const historyColumns = `
	id, transaction_id, external_transaction_id, type, status,
	amount::text, currency, fees::text, balance_before::text, balance_after::text,
	sender_phone, receiver_phone, sender_name, receiver_name,
	user_id, counterparty_id, counterparty_name,
	description, merchant_code, bill_reference, bank_account_number,
	created_by, user_agent, ip_address, device_id, metadata,
	error_message, correlation_id, version,
	transaction_date, processing_date, history_saved`

// Save inserts rec, assigning an id when it has none. A record that carries
// an existing id replaces the stored row. A second record with the same
// transaction id under a different id fails with ErrDuplicate.
func (r *HistoryRepository) Save(ctx context.Context, rec *models.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `
		INSERT INTO transaction_history (
			id, transaction_id, external_transaction_id, type, status,
			amount, currency, fees, balance_before, balance_after,
			sender_phone, receiver_phone, sender_name, receiver_name,
			user_id, counterparty_id, counterparty_name,
			description, merchant_code, bill_reference, bank_account_number,
			created_by, user_agent, ip_address, device_id, metadata,
			error_message, correlation_id, version,
			transaction_date, processing_date, history_saved
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::text::numeric, $7, $8::text::numeric, $9::text::numeric, $10::text::numeric,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25, $26,
			$27, $28, $29,
			$30, $31, $32
		)
		ON CONFLICT (id) DO UPDATE SET
			transaction_id = EXCLUDED.transaction_id,
			external_transaction_id = EXCLUDED.external_transaction_id,
			type = EXCLUDED.type, status = EXCLUDED.status,
			amount = EXCLUDED.amount, currency = EXCLUDED.currency, fees = EXCLUDED.fees,
			balance_before = EXCLUDED.balance_before, balance_after = EXCLUDED.balance_after,
			sender_phone = EXCLUDED.sender_phone, receiver_phone = EXCLUDED.receiver_phone,
			sender_name = EXCLUDED.sender_name, receiver_name = EXCLUDED.receiver_name,
			user_id = EXCLUDED.user_id, counterparty_id = EXCLUDED.counterparty_id,
			counterparty_name = EXCLUDED.counterparty_name,
			description = EXCLUDED.description, merchant_code = EXCLUDED.merchant_code,
			bill_reference = EXCLUDED.bill_reference, bank_account_number = EXCLUDED.bank_account_number,
			created_by = EXCLUDED.created_by, user_agent = EXCLUDED.user_agent,
			ip_address = EXCLUDED.ip_address, device_id = EXCLUDED.device_id, metadata = EXCLUDED.metadata,
			error_message = EXCLUDED.error_message, correlation_id = EXCLUDED.correlation_id,
			version = EXCLUDED.version, transaction_date = EXCLUDED.transaction_date,
			processing_date = EXCLUDED.processing_date, history_saved = EXCLUDED.history_saved
	`

	_, err := db.Conn(ctx, r.pool).Exec(ctx, query, recordArgs(rec)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", ErrDuplicate, rec.TransactionID)
		}
		return fmt.Errorf("failed to insert history record %s: %w", rec.TransactionID, err)
	}

	return nil
}

// SaveAll inserts every record in one transaction: either all are stored or none
func (r *HistoryRepository) SaveAll(ctx context.Context, recs []*models.HistoryRecord) error {
	return r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		for _, rec := range recs {
			if err := r.Save(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update replaces the stored record with the same id
func (r *HistoryRepository) Update(ctx context.Context, rec *models.HistoryRecord) error {
	query := `
		UPDATE transaction_history SET
			transaction_id = $2, external_transaction_id = $3, type = $4, status = $5,
			amount = $6::text::numeric, currency = $7, fees = $8::text::numeric,
			balance_before = $9::text::numeric, balance_after = $10::text::numeric,
			sender_phone = $11, receiver_phone = $12, sender_name = $13, receiver_name = $14,
			user_id = $15, counterparty_id = $16, counterparty_name = $17,
			description = $18, merchant_code = $19, bill_reference = $20, bank_account_number = $21,
			created_by = $22, user_agent = $23, ip_address = $24, device_id = $25, metadata = $26,
			error_message = $27, correlation_id = $28, version = $29,
			transaction_date = $30, processing_date = $31, history_saved = $32
		WHERE id = $1
	`

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, recordArgs(rec)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", ErrDuplicate, rec.TransactionID)
		}
		return fmt.Errorf("failed to update history record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ExistsByTransactionID reports whether a record with transactionID is stored
func (r *HistoryRepository) ExistsByTransactionID(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transaction_history WHERE transaction_id = $1)`,
		transactionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction %s: %w", transactionID, err)
	}
	return exists, nil
}

// FindByID returns the record with id or ErrNotFound
func (r *HistoryRepository) FindByID(ctx context.Context, id string) (*models.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM transaction_history WHERE id = $1`

	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history record %s: %w", id, err)
	}
	return rec, nil
}

// FindByTransactionID returns the record with transactionID or ErrNotFound
func (r *HistoryRepository) FindByTransactionID(ctx context.Context, transactionID string) (*models.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM transaction_history WHERE transaction_id = $1`

	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", transactionID, err)
	}
	return rec, nil
}

// FindAll returns one page of records, most recent first
func (r *HistoryRepository) FindAll(ctx context.Context, page models.Page) (*models.RecordPage, error) {
	page = page.Normalize()

	total, err := r.Count(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + historyColumns + `
		FROM transaction_history
		ORDER BY transaction_date DESC, id
		LIMIT $1 OFFSET $2`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list history records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	return &models.RecordPage{Records: records, Total: total, Page: page}, nil
}

// DeleteByID removes the record with id
func (r *HistoryRepository) DeleteByID(ctx context.Context, id string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM transaction_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored records
func (r *HistoryRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT count(*) FROM transaction_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history records: %w", err)
	}
	return n, nil
}

// ForEachBatch walks every record in id order, handing batches of at most size records to fn.
// It pages by key, so records written during the walk are seen at most once.
func (r *HistoryRepository) ForEachBatch(ctx context.Context, size int, fn func([]*models.HistoryRecord) error) error {
	if size <= 0 {
		size = models.DefaultPageSize
	}

	query := `SELECT ` + historyColumns + `
		FROM transaction_history
		WHERE id > $1
		ORDER BY id
		LIMIT $2`

	after := ""
	for {
		rows, err := db.Conn(ctx, r.pool).Query(ctx, query, after, size)
		if err != nil {
			return fmt.Errorf("failed to scan history records after %q: %w", after, err)
		}
		batch, err := collectRecords(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < size {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func recordArgs(rec *models.HistoryRecord) []any {
	return []any{
		rec.ID,
		rec.TransactionID,
		rec.ExternalTransactionID,
		string(rec.Type),
		string(rec.Status),
		rec.Amount.String(),
		rec.Currency,
		nullDecimalArg(rec.Fees),
		nullDecimalArg(rec.BalanceBefore),
		nullDecimalArg(rec.BalanceAfter),
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
		rec.Version,
		rec.TransactionDate.UTC(),
		rec.ProcessingDate.UTC(),
		rec.HistorySaved,
	}
}

func scanRecord(row pgx.Row) (*models.HistoryRecord, error) {
	var rec models.HistoryRecord
	var recType, status, amount string
	var fees, balanceBefore, balanceAfter *string

	err := row.Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.ExternalTransactionID,
		&recType,
		&status,
		&amount,
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
		&rec.Version,
		&rec.TransactionDate,
		&rec.ProcessingDate,
		&rec.HistorySaved,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = models.TransactionType(recType)
	rec.Status = models.TransactionStatus(status)
	// CHAR columns come back space padded
	rec.Currency = strings.TrimRight(rec.Currency, " ")
	rec.TransactionDate = rec.TransactionDate.UTC()
	rec.ProcessingDate = rec.ProcessingDate.UTC()

	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if rec.Fees, err = parseNullDecimal(fees); err != nil {
		return nil, err
	}
	if rec.BalanceBefore, err = parseNullDecimal(balanceBefore); err != nil {
		return nil, err
	}
	if rec.BalanceAfter, err = parseNullDecimal(balanceAfter); err != nil {
		return nil, err
	}

	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*models.HistoryRecord, error) {
	defer rows.Close()

	var records []*models.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history record rows: %w", err)
	}

	return records, nil
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid decimal %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
