package search

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

func TestCriteria_Where(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		criteria  Criteria
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "empty",
			criteria:  Criteria{},
			wantWhere: "1",
		},
		{
			name:      "phone any direction",
			criteria:  Criteria{Phone: "00221771234567"},
			wantWhere: "(sender_phone = ? OR receiver_phone = ?)",
			wantArgs:  []any{"00221771234567", "00221771234567"},
		},
		{
			name:      "phone sent",
			criteria:  Criteria{Phone: "00221771234567", Direction: DirectionSent},
			wantWhere: "sender_phone = ?",
			wantArgs:  []any{"00221771234567"},
		},
		{
			name:      "phone received",
			criteria:  Criteria{Phone: "00221771234567", Direction: DirectionReceived},
			wantWhere: "receiver_phone = ?",
			wantArgs:  []any{"00221771234567"},
		},
		{
			name: "types and statuses",
			criteria: Criteria{
				Types:    []models.TransactionType{models.TransactionTypeDeposit, models.TransactionTypeTransfer},
				Statuses: []models.TransactionStatus{models.StatusFailed},
			},
			wantWhere: "type IN (?) AND status IN (?)",
			wantArgs:  []any{[]string{"DEPOSIT", "TRANSFER"}, []string{"FAILED"}},
		},
		{
			name: "ranges",
			criteria: Criteria{
				From:      &from,
				To:        &to,
				MinAmount: decimal.NewNullDecimal(decimal.RequireFromString("10.5")),
				MaxAmount: decimal.NewNullDecimal(decimal.NewFromInt(100)),
			},
			wantWhere: "transaction_date >= ? AND transaction_date <= ? AND amount >= toDecimal128(?, 18) AND amount <= toDecimal128(?, 18)",
			wantArgs:  []any{from, to, "10.5", "100"},
		},
		{
			name:      "description is escaped",
			criteria:  Criteria{Description: `50%_off\now`},
			wantWhere: "description ILIKE ?",
			wantArgs:  []any{`%50\%\_off\\now%`},
		},
		{
			name:      "explicit parties",
			criteria:  Criteria{SenderPhone: "001", ReceiverPhone: "002", MerchantCode: "M1"},
			wantWhere: "sender_phone = ? AND receiver_phone = ? AND merchant_code = ?",
			wantArgs:  []any{"001", "002", "M1"},
		},
		{
			name:      "user and currency",
			criteria:  Criteria{UserID: "u1", Currency: "xof"},
			wantWhere: "user_id = ? AND currency = ?",
			wantArgs:  []any{"u1", "XOF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args, err := tt.criteria.Where()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if where != tt.wantWhere {
				t.Errorf("where = %q, want %q", where, tt.wantWhere)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
			for i := range args {
				if !reflect.DeepEqual(args[i], tt.wantArgs[i]) {
					t.Errorf("arg %d = %#v, want %#v", i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestCriteria_WhereKeepsInjectionInArgs(t *testing.T) {
	hostile := `x' OR 1=1 --`
	where, args, err := Criteria{Text: hostile, Phone: hostile}.Where()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, frag := range []string{"OR 1=1", "'"} {
		if strings.Contains(where, frag) {
			t.Errorf("clause %q contains user input %q", where, frag)
		}
	}
	if len(args) != 6 {
		t.Errorf("expected 6 bound args, got %d", len(args))
	}
}

func TestCriteria_WhereInvalid(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		criteria Criteria
	}{
		{name: "bad direction", criteria: Criteria{Phone: "1", Direction: "SIDEWAYS"}},
		{name: "bad type", criteria: Criteria{Types: []models.TransactionType{"LOAN"}}},
		{name: "bad status", criteria: Criteria{Statuses: []models.TransactionStatus{"DONE"}}},
		{name: "inverted dates", criteria: Criteria{From: &from, To: &to}},
		{
			name: "inverted amounts",
			criteria: Criteria{
				MinAmount: decimal.NewNullDecimal(decimal.NewFromInt(10)),
				MaxAmount: decimal.NewNullDecimal(decimal.NewFromInt(1)),
			},
		},
		{
			name:     "amount beyond scale",
			criteria: Criteria{MinAmount: decimal.NewNullDecimal(decimal.RequireFromString("0.1234567890123456789"))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tt.criteria.Where(); !errors.Is(err, ErrInvalidCriteria) {
				t.Errorf("expected ErrInvalidCriteria, got %v", err)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"": DirectionAll, "sent": DirectionSent, " RECEIVED ": DirectionReceived, "all": DirectionAll} {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseDirection("up"); !errors.Is(err, ErrInvalidCriteria) {
		t.Errorf("expected ErrInvalidCriteria, got %v", err)
	}
}
