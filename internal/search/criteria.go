package search

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

// ErrInvalidCriteria is returned when a criteria set cannot be turned into a query
var ErrInvalidCriteria = errors.New("invalid search criteria")

// Direction selects which side of a transaction a phone filter matches
type Direction string

const (
	DirectionAll      Direction = "ALL"
	DirectionSent     Direction = "SENT"
	DirectionReceived Direction = "RECEIVED"
)

// ParseDirection parses a case-insensitive direction; empty means ALL
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case "":
		return DirectionAll, nil
	case DirectionAll, DirectionSent, DirectionReceived:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidCriteria, s)
	}
}

// Criteria is a conjunction of optional filters over the search index.
// Multi-valued filters (Types, Statuses) match any of their values.
type Criteria struct {
	Phone     string
	Direction Direction

	SenderPhone   string
	ReceiverPhone string

	UserID        string
	TransactionID string
	CorrelationID string
	Currency      string

	MerchantCode      string
	BillReference     string
	BankAccountNumber string

	Types    []models.TransactionType
	Statuses []models.TransactionStatus

	From *time.Time
	To   *time.Time

	MinAmount decimal.NullDecimal
	MaxAmount decimal.NullDecimal

	// Description is matched as a case-insensitive substring
	Description string
	// Text is matched as a substring of description, names and transaction id
	Text string
}

// Where renders the criteria as a ClickHouse WHERE clause with positional
// parameters. The clause is "1" when no filter is set.
// Free text is only ever passed as a bound argument.
func (c Criteria) Where() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)

	add := func(clause string, values ...any) {
		clauses = append(clauses, clause)
		args = append(args, values...)
	}

	if phone := strings.TrimSpace(c.Phone); phone != "" {
		dir := c.Direction
		if dir == "" {
			dir = DirectionAll
		}
		switch dir {
		case DirectionSent:
			add("sender_phone = ?", phone)
		case DirectionReceived:
			add("receiver_phone = ?", phone)
		case DirectionAll:
			add("(sender_phone = ? OR receiver_phone = ?)", phone, phone)
		default:
			return "", nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidCriteria, c.Direction)
		}
	}

	if c.SenderPhone != "" {
		add("sender_phone = ?", c.SenderPhone)
	}
	if c.ReceiverPhone != "" {
		add("receiver_phone = ?", c.ReceiverPhone)
	}
	if c.UserID != "" {
		add("user_id = ?", c.UserID)
	}
	if c.TransactionID != "" {
		add("transaction_id = ?", c.TransactionID)
	}
	if c.CorrelationID != "" {
		add("correlation_id = ?", c.CorrelationID)
	}
	if c.Currency != "" {
		add("currency = ?", strings.ToUpper(c.Currency))
	}

	if c.MerchantCode != "" {
		add("merchant_code = ?", c.MerchantCode)
	}
	if c.BillReference != "" {
		add("bill_reference = ?", c.BillReference)
	}
	if c.BankAccountNumber != "" {
		add("bank_account_number = ?", c.BankAccountNumber)
	}

	if len(c.Types) > 0 {
		values := make([]string, 0, len(c.Types))
		for _, t := range c.Types {
			if !t.Valid() {
				return "", nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCriteria, t)
			}
			values = append(values, string(t))
		}
		add("type IN (?)", values)
	}
	if len(c.Statuses) > 0 {
		values := make([]string, 0, len(c.Statuses))
		for _, s := range c.Statuses {
			if !s.Valid() {
				return "", nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCriteria, s)
			}
			values = append(values, string(s))
		}
		add("status IN (?)", values)
	}

	if c.From != nil && c.To != nil && c.From.After(*c.To) {
		return "", nil, fmt.Errorf("%w: from is after to", ErrInvalidCriteria)
	}
	if c.From != nil {
		add("transaction_date >= ?", c.From.UTC())
	}
	if c.To != nil {
		add("transaction_date <= ?", c.To.UTC())
	}

	if c.MinAmount.Valid && c.MaxAmount.Valid && c.MinAmount.Decimal.GreaterThan(c.MaxAmount.Decimal) {
		return "", nil, fmt.Errorf("%w: minAmount is greater than maxAmount", ErrInvalidCriteria)
	}
	for name, v := range map[string]decimal.NullDecimal{"minAmount": c.MinAmount, "maxAmount": c.MaxAmount} {
		if v.Valid {
			if err := models.CheckMoney(name, v.Decimal); err != nil {
				return "", nil, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
			}
		}
	}
	if c.MinAmount.Valid {
		add("amount >= toDecimal128(?, 18)", c.MinAmount.Decimal.String())
	}
	if c.MaxAmount.Valid {
		add("amount <= toDecimal128(?, 18)", c.MaxAmount.Decimal.String())
	}

	if c.Description != "" {
		add("description ILIKE ?", containsPattern(c.Description))
	}
	if c.Text != "" {
		pattern := containsPattern(c.Text)
		add("(description ILIKE ? OR sender_name ILIKE ? OR receiver_name ILIKE ? OR transaction_id ILIKE ?)",
			pattern, pattern, pattern, pattern)
	}

	if len(clauses) == 0 {
		return "1", nil, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes the LIKE metacharacters in s so it matches literally
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func containsPattern(s string) string {
	return "%" + EscapeLike(s) + "%"
}
