package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a history record does not exist
	ErrNotFound = errors.New("history record not found")

	// ErrDuplicate is returned when a record with the same transaction id already exists
	ErrDuplicate = errors.New("history record already exists")
)

// TransactionType is the closed set of transaction kinds a history record can describe
type TransactionType string

const (
	TransactionTypeDeposit         TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal      TransactionType = "WITHDRAWAL"
	TransactionTypeTransfer        TransactionType = "TRANSFER"
	TransactionTypeBillPayment     TransactionType = "BILL_PAYMENT"
	TransactionTypeAirtime         TransactionType = "AIRTIME"
	TransactionTypeMerchantPayment TransactionType = "MERCHANT_PAYMENT"
	TransactionTypeBankTransfer    TransactionType = "BANK_TRANSFER"
	TransactionTypeTopUpCard       TransactionType = "TOP_UP_CARD"
	TransactionTypeWalletCreation  TransactionType = "WALLET_CREATION"
)

// TransactionTypes lists every supported type in declaration order
var TransactionTypes = []TransactionType{
	TransactionTypeDeposit,
	TransactionTypeWithdrawal,
	TransactionTypeTransfer,
	TransactionTypeBillPayment,
	TransactionTypeAirtime,
	TransactionTypeMerchantPayment,
	TransactionTypeBankTransfer,
	TransactionTypeTopUpCard,
	TransactionTypeWalletCreation,
}

// Valid reports whether t is one of the supported types
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTransactionType parses a case-insensitive type name
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type: %q", s)
	}
	return t, nil
}

// TransactionStatus is the lifecycle state asserted by upstream for a transaction
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusSuccess    TransactionStatus = "SUCCESS"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
	StatusProcessing TransactionStatus = "PROCESSING"
)

// statusAliases maps legacy spellings onto the canonical status
var statusAliases = map[string]TransactionStatus{
	"COMPLETED": StatusSuccess,
}

// Valid reports whether s is a canonical status
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusCancelled, StatusProcessing:
		return true
	}
	return false
}

// ParseTransactionStatus parses a case-insensitive status, accepting COMPLETED as SUCCESS
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := statusAliases[upper]; ok {
		return alias, nil
	}
	status := TransactionStatus(upper)
	if !status.Valid() {
		return "", fmt.Errorf("unknown transaction status: %q", s)
	}
	return status, nil
}

// UnmarshalJSON normalizes aliases so COMPLETED is stored as SUCCESS
func (s *TransactionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	if raw == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseTransactionStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// HistoryRecord is one party's persisted view of a financial transaction.
// Money fields use decimal.Decimal so values survive storage without drift.
type HistoryRecord struct {
	ID                    string              `json:"id,omitempty"`
	TransactionID         string              `json:"transactionId"`
	ExternalTransactionID string              `json:"externalTransactionId,omitempty"`
	Type                  TransactionType     `json:"type"`
	Status                TransactionStatus   `json:"status"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	Fees                  decimal.NullDecimal `json:"fees"`
	BalanceBefore         decimal.NullDecimal `json:"balanceBefore"`
	BalanceAfter          decimal.NullDecimal `json:"balanceAfter"`

	SenderPhone      string `json:"senderPhone,omitempty"`
	ReceiverPhone    string `json:"receiverPhone,omitempty"`
	SenderName       string `json:"senderName,omitempty"`
	ReceiverName     string `json:"receiverName,omitempty"`
	UserID           string `json:"userId,omitempty"`
	CounterpartyID   string `json:"counterpartyId,omitempty"`
	CounterpartyName string `json:"counterpartyName,omitempty"`

	Description       string `json:"description,omitempty"`
	MerchantCode      string `json:"merchantCode,omitempty"`
	BillReference     string `json:"billReference,omitempty"`
	BankAccountNumber string `json:"bankAccountNumber,omitempty"`
	CreatedBy         string `json:"createdBy,omitempty"`
	UserAgent         string `json:"userAgent,omitempty"`
	IPAddress         string `json:"ipAddress,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	Metadata          string `json:"metadata,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
	Version           int    `json:"version"`

	TransactionDate time.Time `json:"transactionDate"`
	ProcessingDate  time.Time `json:"processingDate"`
	HistorySaved    bool      `json:"historySaved"`
}

// DefaultVersion is the schema version assigned when upstream omits one
const DefaultVersion = 1

// Money columns are NUMERIC(38, 18): at most MoneyIntegerDigits digits before
// the point and MoneyScale after it.
const (
	MoneyScale         = 18
	MoneyIntegerDigits = 20
)

var moneyLimit = decimal.New(1, MoneyIntegerDigits)

// CheckMoney reports whether d fits the money columns without rounding
func CheckMoney(name string, d decimal.Decimal) error {
	if !d.Truncate(MoneyScale).Equal(d) {
		return fmt.Errorf("%s has more than %d decimal places: %s", name, MoneyScale, d)
	}
	if d.Abs().GreaterThanOrEqual(moneyLimit) {
		return fmt.Errorf("%s has more than %d integer digits: %s", name, MoneyIntegerDigits, d)
	}
	return nil
}

// Validate checks the invariants every stored record must satisfy
func (r *HistoryRecord) Validate() error {
	if strings.TrimSpace(r.TransactionID) == "" {
		return fmt.Errorf("transactionId is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid type: %q", r.Type)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status: %q", r.Status)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("amount must not be negative, got %s", r.Amount)
	}
	if err := CheckMoney("amount", r.Amount); err != nil {
		return err
	}
	for name, v := range map[string]decimal.NullDecimal{
		"fees":          r.Fees,
		"balanceBefore": r.BalanceBefore,
		"balanceAfter":  r.BalanceAfter,
	} {
		if !v.Valid {
			continue
		}
		if err := CheckMoney(name, v.Decimal); err != nil {
			return err
		}
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-character code, got %q", r.Currency)
	}
	if r.TransactionDate.IsZero() {
		return fmt.Errorf("transactionDate is required")
	}
	return nil
}

// Clone returns a copy of the record that shares no mutable state with r
func (r *HistoryRecord) Clone() *HistoryRecord {
	c := *r
	return &c
}

// ProcessedEvent marks an inbound event id as handled
type ProcessedEvent struct {
	EventID     string
	Topic       string
	ProcessedAt time.Time
}

// Page selects a window of results. Number is zero-based.
type Page struct {
	Number int
	Size   int
}

// DefaultPageSize is used when a caller asks for a non-positive size
const DefaultPageSize = 20

// MaxPageSize caps the window a single request can read
const MaxPageSize = 500

// Normalize clamps the page into the supported range
func (p Page) Normalize() Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows to skip
func (p Page) Offset() int {
	return p.Number * p.Size
}

// RecordPage is one window of records plus the total match count
type RecordPage struct {
	Records []*HistoryRecord
	Total   int64
	Page    Page
}
