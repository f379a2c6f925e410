package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
)

var (
	// ErrIDPresent is returned when a record to create already carries an id
	ErrIDPresent = errors.New("a new history record cannot already have an id")

	// ErrIDMismatch is returned when the record id does not match the addressed id
	ErrIDMismatch = errors.New("record id does not match the requested id")

	// ErrInvalidRecord is returned when a record fails validation
	ErrInvalidRecord = errors.New("invalid history record")
)

// HistoryStore defines the interface for primary store access
type HistoryStore interface {
	Save(ctx context.Context, rec *models.HistoryRecord) error
	Update(ctx context.Context, rec *models.HistoryRecord) error
	FindByID(ctx context.Context, id string) (*models.HistoryRecord, error)
	FindAll(ctx context.Context, page models.Page) (*models.RecordPage, error)
	DeleteByID(ctx context.Context, id string) error
}

// SearchIndex defines the interface for search index queries
type SearchIndex interface {
	Search(ctx context.Context, c search.Criteria, page models.Page) (*models.RecordPage, error)
	Stats(ctx context.Context, c search.Criteria) (*search.UserStats, error)
}

// Projector defines the interface for search index maintenance
type Projector interface {
	Index(rec *models.HistoryRecord)
	DeleteFromIndexByID(id string)
	ReindexAll(ctx context.Context) (int, error)
}

// RecordPatch holds the fields a partial update may change. Nil fields are left alone.
type RecordPatch struct {
	ExternalTransactionID *string                   `json:"externalTransactionId"`
	Status                *models.TransactionStatus `json:"status"`
	Amount                *decimal.Decimal          `json:"amount"`
	Currency              *string                   `json:"currency"`
	Fees                  *decimal.Decimal          `json:"fees"`
	BalanceBefore         *decimal.Decimal          `json:"balanceBefore"`
	BalanceAfter          *decimal.Decimal          `json:"balanceAfter"`
	SenderPhone           *string                   `json:"senderPhone"`
	ReceiverPhone         *string                   `json:"receiverPhone"`
	SenderName            *string                   `json:"senderName"`
	ReceiverName          *string                   `json:"receiverName"`
	Description           *string                   `json:"description"`
	ErrorMessage          *string                   `json:"errorMessage"`
	Metadata              *string                   `json:"metadata"`
	HistorySaved          *bool                     `json:"historySaved"`
}

// HistoryService manages history records outside the event pipeline.
// Writes here are not gated by the idempotency ledger; the store's
// transaction id guard still applies.
type HistoryService struct {
	store     HistoryStore
	index     SearchIndex
	projector Projector
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewHistoryService creates a new history service
func NewHistoryService(store HistoryStore, index SearchIndex, projector Projector, log logrus.FieldLogger) *HistoryService {
	return &HistoryService{
		store:     store,
		index:     index,
		projector: projector,
		log:       log.WithField("component", "history-service"),
		now:       time.Now,
	}
}

// Create stores a new record and schedules it for indexing
func (s *HistoryService) Create(ctx context.Context, rec *models.HistoryRecord) (*models.HistoryRecord, error) {
	if rec.ID != "" {
		return nil, ErrIDPresent
	}

	s.prepare(rec)
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if err := s.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	s.projector.Index(rec)

	s.log.WithFields(logrus.Fields{
		"record_id":      rec.ID,
		"transaction_id": rec.TransactionID,
	}).Info("history record created")

	return rec, nil
}

// Update replaces the record stored under id
func (s *HistoryService) Update(ctx context.Context, id string, rec *models.HistoryRecord) (*models.HistoryRecord, error) {
	if rec.ID != "" && rec.ID != id {
		return nil, ErrIDMismatch
	}
	rec.ID = id

	s.prepare(rec)
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.projector.Index(rec)

	return rec, nil
}

// Patch applies the non-nil fields of p to the record stored under id
func (s *HistoryService) Patch(ctx context.Context, id string, p RecordPatch) (*models.HistoryRecord, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	applyPatch(rec, p)
	s.prepare(rec)
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.projector.Index(rec)

	return rec, nil
}

// Get returns the record stored under id
func (s *HistoryService) Get(ctx context.Context, id string) (*models.HistoryRecord, error) {
	return s.store.FindByID(ctx, id)
}

// List returns one page of records from the primary store
func (s *HistoryService) List(ctx context.Context, page models.Page) (*models.RecordPage, error) {
	return s.store.FindAll(ctx, page)
}

// Delete removes the record from the primary store and schedules its index removal
func (s *HistoryService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	s.projector.DeleteFromIndexByID(id)

	s.log.WithField("record_id", id).Info("history record deleted")
	return nil
}

// Search queries the search index
func (s *HistoryService) Search(ctx context.Context, c search.Criteria, page models.Page) (*models.RecordPage, error) {
	return s.index.Search(ctx, normalizeCriteria(c), page)
}

// UserTransactions returns the records in which phone took part on the given side
func (s *HistoryService) UserTransactions(ctx context.Context, phone string, dir search.Direction, page models.Page) (*models.RecordPage, error) {
	if phone == "" {
		return nil, fmt.Errorf("%w: phone is required", search.ErrInvalidCriteria)
	}
	return s.Search(ctx, search.Criteria{Phone: phone, Direction: dir}, page)
}

// Stats summarizes the records matching c
func (s *HistoryService) Stats(ctx context.Context, c search.Criteria) (*search.UserStats, error) {
	if c.Phone == "" && c.UserID == "" {
		return nil, fmt.Errorf("%w: phone or userId is required", search.ErrInvalidCriteria)
	}
	return s.index.Stats(ctx, normalizeCriteria(c))
}

// Reindex rebuilds the search index from the primary store
func (s *HistoryService) Reindex(ctx context.Context) (int, error) {
	return s.projector.ReindexAll(ctx)
}

// prepare applies the write conventions shared by every direct write
func (s *HistoryService) prepare(rec *models.HistoryRecord) {
	now := s.now().UTC()
	rec.SenderPhone = NormalizePhone(rec.SenderPhone)
	rec.ReceiverPhone = NormalizePhone(rec.ReceiverPhone)
	rec.ProcessingDate = now
	if rec.TransactionDate.IsZero() {
		rec.TransactionDate = now
	}
	if rec.Version == 0 {
		rec.Version = models.DefaultVersion
	}
}

func normalizeCriteria(c search.Criteria) search.Criteria {
	c.Phone = NormalizePhone(c.Phone)
	c.SenderPhone = NormalizePhone(c.SenderPhone)
	c.ReceiverPhone = NormalizePhone(c.ReceiverPhone)
	return c
}

func applyPatch(rec *models.HistoryRecord, p RecordPatch) {
	if p.ExternalTransactionID != nil {
		rec.ExternalTransactionID = *p.ExternalTransactionID
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Amount != nil {
		rec.Amount = *p.Amount
	}
	if p.Currency != nil {
		rec.Currency = *p.Currency
	}
	if p.Fees != nil {
		rec.Fees = decimal.NewNullDecimal(*p.Fees)
	}
	if p.BalanceBefore != nil {
		rec.BalanceBefore = decimal.NewNullDecimal(*p.BalanceBefore)
	}
	if p.BalanceAfter != nil {
		rec.BalanceAfter = decimal.NewNullDecimal(*p.BalanceAfter)
	}
	if p.SenderPhone != nil {
		rec.SenderPhone = *p.SenderPhone
	}
	if p.ReceiverPhone != nil {
		rec.ReceiverPhone = *p.ReceiverPhone
	}
	if p.SenderName != nil {
		rec.SenderName = *p.SenderName
	}
	if p.ReceiverName != nil {
		rec.ReceiverName = *p.ReceiverName
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
	if p.Metadata != nil {
		rec.Metadata = *p.Metadata
	}
	if p.HistorySaved != nil {
		rec.HistorySaved = *p.HistorySaved
	}
}
