package search

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

func TestSummarize(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2024, 3, day, 12, 0, 0, 0, time.UTC) }
	from, to := d(1), d(31)

	rows := []StatsRow{
		{Type: models.TransactionTypeTransfer, Status: models.StatusSuccess, Count: 3, Total: decimal.NewFromInt(300), First: d(5), Last: d(20)},
		{Type: models.TransactionTypeTransfer, Status: models.StatusFailed, Count: 1, Total: decimal.NewFromInt(50), First: d(2), Last: d(2)},
		{Type: models.TransactionTypeDeposit, Status: models.StatusSuccess, Count: 1, Total: decimal.RequireFromString("10.25"), First: d(25), Last: d(25)},
	}
	months := []MonthRow{{Month: "2024-03", Count: 5, Total: decimal.RequireFromString("360.25")}}

	stats := Summarize(rows, months, &from, &to)

	if stats.TotalTransactions != 5 {
		t.Errorf("total = %d, want 5", stats.TotalTransactions)
	}
	if !stats.TotalAmount.Equal(decimal.RequireFromString("360.25")) {
		t.Errorf("totalAmount = %s", stats.TotalAmount)
	}
	if stats.ByStatus[models.StatusSuccess] != 4 || stats.ByStatus[models.StatusFailed] != 1 {
		t.Errorf("byStatus = %v", stats.ByStatus)
	}
	if len(stats.Types) != 2 || stats.Types[0].Type != models.TransactionTypeTransfer {
		t.Fatalf("types = %+v", stats.Types)
	}
	if stats.Types[0].Count != 4 || stats.Types[0].Percentage != 80 {
		t.Errorf("transfer summary = %+v", stats.Types[0])
	}
	if !stats.FirstTransaction.Equal(d(2)) || !stats.LastTransaction.Equal(d(25)) {
		t.Errorf("first/last = %s/%s", stats.FirstTransaction, stats.LastTransaction)
	}
	if len(stats.Monthly) != 1 {
		t.Errorf("monthly = %+v", stats.Monthly)
	}
}

func TestSummarize_Empty(t *testing.T) {
	stats := Summarize(nil, nil, nil, nil)

	if stats.TotalTransactions != 0 || !stats.TotalAmount.IsZero() {
		t.Errorf("unexpected totals: %+v", stats)
	}
	if stats.FirstTransaction != nil || stats.LastTransaction != nil {
		t.Error("expected no first/last dates")
	}
	if stats.Types == nil || stats.Monthly == nil {
		t.Error("expected empty, non-nil slices")
	}
}
