package search

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

// StatsRow is one (type, status) aggregate as returned by the index
type StatsRow struct {
	Type   models.TransactionType
	Status models.TransactionStatus
	Count  int64
	Total  decimal.Decimal
	First  time.Time
	Last   time.Time
}

// MonthRow is the aggregate of one calendar month, formatted YYYY-MM
type MonthRow struct {
	Month string          `json:"month"`
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"totalAmount"`
}

// TypeSummary is the share of one transaction type in a user's activity
type TypeSummary struct {
	Type       models.TransactionType `json:"type"`
	Count      int64                  `json:"count"`
	Total      decimal.Decimal        `json:"totalAmount"`
	Percentage float64                `json:"percentage"`
}

// UserStats summarizes the transactions matching a criteria set
type UserStats struct {
	TotalTransactions int64                              `json:"totalTransactions"`
	TotalAmount       decimal.Decimal                    `json:"totalAmount"`
	ByStatus          map[models.TransactionStatus]int64 `json:"byStatus"`
	Types             []TypeSummary                      `json:"transactionTypeSummary"`
	FirstTransaction  *time.Time                         `json:"firstTransactionDate,omitempty"`
	LastTransaction   *time.Time                         `json:"lastTransactionDate,omitempty"`
	PeriodStart       *time.Time                         `json:"periodStart,omitempty"`
	PeriodEnd         *time.Time                         `json:"periodEnd,omitempty"`
	Monthly           []MonthRow                         `json:"monthlySummary"`
}

// Summarize folds per-(type, status) aggregates into user statistics.
// Types are ordered by count, most frequent first.
func Summarize(rows []StatsRow, months []MonthRow, from, to *time.Time) *UserStats {
	stats := &UserStats{
		TotalAmount: decimal.Zero,
		ByStatus:    make(map[models.TransactionStatus]int64),
		Types:       []TypeSummary{},
		Monthly:     []MonthRow{},
		PeriodStart: from,
		PeriodEnd:   to,
	}

	byType := make(map[models.TransactionType]*TypeSummary)
	for _, row := range rows {
		stats.TotalTransactions += row.Count
		stats.TotalAmount = stats.TotalAmount.Add(row.Total)
		stats.ByStatus[row.Status] += row.Count

		ts, ok := byType[row.Type]
		if !ok {
			ts = &TypeSummary{Type: row.Type, Total: decimal.Zero}
			byType[row.Type] = ts
		}
		ts.Count += row.Count
		ts.Total = ts.Total.Add(row.Total)

		if row.Count == 0 {
			continue
		}
		if first := row.First; stats.FirstTransaction == nil || first.Before(*stats.FirstTransaction) {
			stats.FirstTransaction = &first
		}
		if last := row.Last; stats.LastTransaction == nil || last.After(*stats.LastTransaction) {
			stats.LastTransaction = &last
		}
	}

	for _, ts := range byType {
		if stats.TotalTransactions > 0 {
			ts.Percentage = float64(ts.Count) * 100 / float64(stats.TotalTransactions)
		}
		stats.Types = append(stats.Types, *ts)
	}
	sort.Slice(stats.Types, func(i, j int) bool {
		if stats.Types[i].Count != stats.Types[j].Count {
			return stats.Types[i].Count > stats.Types[j].Count
		}
		return stats.Types[i].Type < stats.Types[j].Type
	})

	if from != nil && to != nil {
		stats.Monthly = append(stats.Monthly, months...)
		sort.Slice(stats.Monthly, func(i, j int) bool { return stats.Monthly[i].Month < stats.Monthly[j].Month })
	}

	return stats
}
