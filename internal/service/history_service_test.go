package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/logging"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
)

// MockHistoryStore is a mock implementation of the primary store for testing
type MockHistoryStore struct {
	records map[string]*models.HistoryRecord
	saved   []*models.HistoryRecord
	err     error
}

func newMockStore(recs ...*models.HistoryRecord) *MockHistoryStore {
	m := &MockHistoryStore{records: make(map[string]*models.HistoryRecord)}
	for _, rec := range recs {
		m.records[rec.ID] = rec.Clone()
	}
	return m
}

func (m *MockHistoryStore) Save(ctx context.Context, rec *models.HistoryRecord) error {
	if m.err != nil {
		return m.err
	}
	rec.ID = "generated-id"
	m.records[rec.ID] = rec.Clone()
	m.saved = append(m.saved, rec)
	return nil
}

func (m *MockHistoryStore) Update(ctx context.Context, rec *models.HistoryRecord) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.records[rec.ID]; !ok {
		return models.ErrNotFound
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MockHistoryStore) FindByID(ctx context.Context, id string) (*models.HistoryRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MockHistoryStore) FindAll(ctx context.Context, page models.Page) (*models.RecordPage, error) {
	var out []*models.HistoryRecord
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return &models.RecordPage{Records: out, Total: int64(len(out)), Page: page.Normalize()}, nil
}

func (m *MockHistoryStore) DeleteByID(ctx context.Context, id string) error {
	if _, ok := m.records[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// MockSearchIndex records the criteria it is queried with
type MockSearchIndex struct {
	lastCriteria search.Criteria
}

func (m *MockSearchIndex) Search(ctx context.Context, c search.Criteria, page models.Page) (*models.RecordPage, error) {
	m.lastCriteria = c
	return &models.RecordPage{Page: page}, nil
}

func (m *MockSearchIndex) Stats(ctx context.Context, c search.Criteria) (*search.UserStats, error) {
	m.lastCriteria = c
	return search.Summarize(nil, nil, c.From, c.To), nil
}

// MockProjector records scheduled index work
type MockProjector struct {
	indexed  []string
	deleted  []string
	reindexN int
}

func (m *MockProjector) Index(rec *models.HistoryRecord) { m.indexed = append(m.indexed, rec.ID) }

func (m *MockProjector) DeleteFromIndexByID(id string) { m.deleted = append(m.deleted, id) }

func (m *MockProjector) ReindexAll(ctx context.Context) (int, error) { return m.reindexN, nil }

var fixedNow = time.Date(2024, 11, 12, 10, 0, 0, 0, time.UTC)

func newTestService(store *MockHistoryStore) (*HistoryService, *MockSearchIndex, *MockProjector) {
	idx := &MockSearchIndex{}
	proj := &MockProjector{}
	svc := NewHistoryService(store, idx, proj, logging.Discard())
	svc.now = func() time.Time { return fixedNow }
	return svc, idx, proj
}

func validRecord() *models.HistoryRecord {
	return &models.HistoryRecord{
		TransactionID:   "TX1",
		Type:            models.TransactionTypeTransfer,
		Status:          models.StatusSuccess,
		Amount:          decimal.RequireFromString("12345.67"),
		Currency:        "XOF",
		SenderPhone:     "+221771234567",
		ReceiverPhone:   "221781234567",
		TransactionDate: time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreate_Success(t *testing.T) {
	store := newMockStore()
	svc, _, proj := newTestService(store)

	rec, err := svc.Create(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.ID != "generated-id" {
		t.Errorf("expected id to be assigned, got %q", rec.ID)
	}
	if rec.SenderPhone != "00221771234567" || rec.ReceiverPhone != "00221781234567" {
		t.Errorf("phones not normalized: %q, %q", rec.SenderPhone, rec.ReceiverPhone)
	}
	if !rec.ProcessingDate.Equal(fixedNow) {
		t.Errorf("processingDate = %s, want %s", rec.ProcessingDate, fixedNow)
	}
	if rec.HistorySaved {
		t.Error("historySaved must be kept as given on direct writes")
	}
	if len(proj.indexed) != 1 || proj.indexed[0] != "generated-id" {
		t.Errorf("indexed = %v", proj.indexed)
	}
}

func TestCreate_Rejections(t *testing.T) {
	svc, _, proj := newTestService(newMockStore())

	withID := validRecord()
	withID.ID = "preset"
	if _, err := svc.Create(context.Background(), withID); !errors.Is(err, ErrIDPresent) {
		t.Errorf("expected ErrIDPresent, got %v", err)
	}

	invalid := validRecord()
	invalid.Currency = "FRANC"
	if _, err := svc.Create(context.Background(), invalid); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}

	if len(proj.indexed) != 0 {
		t.Errorf("nothing should be indexed, got %v", proj.indexed)
	}
}

func TestCreate_StoreError(t *testing.T) {
	store := newMockStore()
	store.err = models.ErrDuplicate
	svc, _, _ := newTestService(store)

	if _, err := svc.Create(context.Background(), validRecord()); !errors.Is(err, models.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	existing := validRecord()
	existing.ID = "r1"
	svc, _, proj := newTestService(newMockStore(existing))

	changed := validRecord()
	changed.Status = models.StatusFailed
	rec, err := svc.Update(context.Background(), "r1", changed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "r1" || rec.Status != models.StatusFailed {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(proj.indexed) != 1 {
		t.Errorf("indexed = %v", proj.indexed)
	}

	mismatched := validRecord()
	mismatched.ID = "other"
	if _, err := svc.Update(context.Background(), "r1", mismatched); !errors.Is(err, ErrIDMismatch) {
		t.Errorf("expected ErrIDMismatch, got %v", err)
	}

	if _, err := svc.Update(context.Background(), "missing", validRecord()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPatch_OnlyTouchesGivenFields(t *testing.T) {
	existing := validRecord()
	existing.ID = "r1"
	existing.Description = "original"
	store := newMockStore(existing)
	svc, _, _ := newTestService(store)

	status := models.StatusCancelled
	fees := decimal.RequireFromString("1.50")
	rec, err := svc.Patch(context.Background(), "r1", RecordPatch{Status: &status, Fees: &fees})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Status != models.StatusCancelled {
		t.Errorf("status = %s", rec.Status)
	}
	if !rec.Fees.Valid || !rec.Fees.Decimal.Equal(fees) {
		t.Errorf("fees = %+v", rec.Fees)
	}
	if rec.Description != "original" || !rec.Amount.Equal(decimal.RequireFromString("12345.67")) {
		t.Errorf("untouched fields changed: %+v", rec)
	}

	bad := "EURO"
	if _, err := svc.Patch(context.Background(), "r1", RecordPatch{Currency: &bad}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	existing := validRecord()
	existing.ID = "r1"
	svc, _, proj := newTestService(newMockStore(existing))

	if err := svc.Delete(context.Background(), "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proj.deleted) != 1 || proj.deleted[0] != "r1" {
		t.Errorf("deleted = %v", proj.deleted)
	}

	if err := svc.Delete(context.Background(), "r1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(proj.deleted) != 1 {
		t.Error("a failed delete must not touch the index")
	}
}

func TestSearch_NormalizesPhones(t *testing.T) {
	svc, idx, _ := newTestService(newMockStore())

	_, err := svc.UserTransactions(context.Background(), "+221 77 123 45 67", search.DirectionSent, models.Page{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx.lastCriteria.Phone != "00221771234567" || idx.lastCriteria.Direction != search.DirectionSent {
		t.Errorf("criteria = %+v", idx.lastCriteria)
	}

	if _, err := svc.UserTransactions(context.Background(), "", search.DirectionAll, models.Page{}); !errors.Is(err, search.ErrInvalidCriteria) {
		t.Errorf("expected ErrInvalidCriteria, got %v", err)
	}
}

func TestStats_RequiresSubject(t *testing.T) {
	svc, idx, _ := newTestService(newMockStore())

	if _, err := svc.Stats(context.Background(), search.Criteria{}); !errors.Is(err, search.ErrInvalidCriteria) {
		t.Errorf("expected ErrInvalidCriteria, got %v", err)
	}

	stats, err := svc.Stats(context.Background(), search.Criteria{Phone: "0771234567"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalTransactions != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if idx.lastCriteria.Phone != "00221771234567" {
		t.Errorf("phone not normalized: %q", idx.lastCriteria.Phone)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"   ":               "   ",
		"+221771234567":     "00221771234567",
		"221771234567":      "00221771234567",
		"00221771234567":    "00221771234567",
		"0771234567":        "00221771234567",
		"77.123.45-67":      "771234567",
		"+33 6 12 34 56 78": "+33612345678",
		"u123":              "u123",
	}

	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
