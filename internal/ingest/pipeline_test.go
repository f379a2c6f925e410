package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/builder"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/envelope"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/logging"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
)

type memLedger struct {
	mu        sync.Mutex
	ids       map[string]string
	existsErr error
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{ids: make(map[string]string)}
}

func (l *memLedger) Exists(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	_, ok := l.ids[id]
	return ok, nil
}

func (l *memLedger) Record(_ context.Context, id, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	l.ids[id] = topic
	return nil
}

func (l *memLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// memStore enforces transaction id uniqueness like the real primary store
type memStore struct {
	mu      sync.Mutex
	byTxID  map[string]*models.HistoryRecord
	nextID  int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{byTxID: make(map[string]*models.HistoryRecord)}
}

func (s *memStore) ExistsByTransactionID(_ context.Context, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return false, s.saveErr
	}
	_, ok := s.byTxID[txID]
	return ok, nil
}

func (s *memStore) SaveAll(_ context.Context, recs []*models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, rec := range recs {
		if _, ok := s.byTxID[rec.TransactionID]; ok {
			return fmt.Errorf("%w: %s", models.ErrDuplicate, rec.TransactionID)
		}
	}
	for _, rec := range recs {
		s.nextID++
		rec.ID = fmt.Sprintf("id-%d", s.nextID)
		s.byTxID[rec.TransactionID] = rec.Clone()
	}
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byTxID {
		if rec.ID == id {
			return rec.Clone(), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memStore) ForEachBatch(ctx context.Context, _ int, fn func([]*models.HistoryRecord) error) error {
	return fn(s.all())
}

func (s *memStore) all() []*models.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.HistoryRecord, 0, len(s.byTxID))
	for _, rec := range s.byTxID {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

type recordingProjector struct {
	mu      sync.Mutex
	indexed []string
}

func (p *recordingProjector) Index(rec *models.HistoryRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexed = append(p.indexed, rec.TransactionID)
}

type recordingOutcomes struct {
	mu     sync.Mutex
	events []models.OutcomeEvent
}

func (o *recordingOutcomes) Saved(rec *models.HistoryRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, models.OutcomeEvent{
		EventType:     models.OutcomeHistorySaved,
		TransactionID: rec.TransactionID,
		CorrelationID: rec.CorrelationID,
	})
}

func (o *recordingOutcomes) Failed(txID, corrID string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, models.OutcomeEvent{
		EventType:     models.OutcomeHistoryFailed,
		TransactionID: txID,
		CorrelationID: corrID,
		Message:       cause.Error(),
	})
}

type harness struct {
	pipeline  *Pipeline
	ledger    *memLedger
	store     *memStore
	projector *recordingProjector
	outcomes  *recordingOutcomes
}

func newHarness() *harness {
	h := &harness{
		ledger:    newMemLedger(),
		store:     newMemStore(),
		projector: &recordingProjector{},
		outcomes:  &recordingOutcomes{},
	}
	h.pipeline = NewPipeline(envelope.NewParser(""), builder.New("XOF"), h.ledger, h.store, h.projector, h.outcomes, logging.Discard())
	return h
}

func route(topic string) Route {
	for _, r := range DefaultRoutes() {
		if r.Topic == topic {
			return r
		}
	}
	panic("no route for " + topic)
}

const rawTransaction = `{
	"transactionId": "TX1",
	"type": "DEPOSIT",
	"status": "SUCCESS",
	"amount": 12345.67,
	"currency": "XOF",
	"senderPhone": "00221771234567",
	"transactionDate": "2024-11-10T08:00:00Z",
	"correlationId": "corr-1"
}`

func TestHandle_RawTransactionIsIdempotent(t *testing.T) {
	h := newHarness()
	msg := envelope.Message{Topic: models.TopicTransactionEvents, Key: "k", Body: []byte(rawTransaction)}

	first := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg)
	if first.Outcome != Processed {
		t.Fatalf("first delivery: outcome = %s, err = %v", first.Outcome, first.Err)
	}
	if first.EventID != "TX1" {
		t.Errorf("event id = %q, want the transaction id", first.EventID)
	}

	second := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg)
	if second.Outcome != Duplicate {
		t.Errorf("second delivery: outcome = %s", second.Outcome)
	}

	recs := h.store.all()
	if len(recs) != 1 {
		t.Fatalf("store has %d records, want 1", len(recs))
	}
	if !recs[0].Amount.Equal(decimal.RequireFromString("12345.67")) {
		t.Errorf("amount = %s, want 12345.67", recs[0].Amount)
	}
	if len(h.outcomes.events) != 1 || h.outcomes.events[0].EventType != models.OutcomeHistorySaved {
		t.Errorf("outcomes = %+v, want a single HISTORY_SAVED", h.outcomes.events)
	}
}

func TestHandle_ConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness()
	msg := envelope.Message{Topic: models.TopicTransactionEvents, Body: []byte(rawTransaction)}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[Outcome]int)
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if n := len(h.store.all()); n != 1 {
		t.Errorf("store has %d records, want 1", n)
	}
	if outcomes[Processed] != 1 || outcomes[Duplicate] != 15 {
		t.Errorf("outcomes = %v, want 1 processed and 15 duplicates", outcomes)
	}
}

func TestHandle_TransferCompletedFansOut(t *testing.T) {
	h := newHarness()
	body := `{
		"id": "evt-1",
		"data": {"transferId": "T", "senderId": "A", "receiverId": "B", "amount": 100, "currency": "XOF"},
		"ondmoney": {"correlationId": "corr-7"}
	}`

	res := h.pipeline.Handle(context.Background(), route(models.TopicTransferCompleted),
		envelope.Message{Topic: models.TopicTransferCompleted, Body: []byte(body)})
	if res.Outcome != Processed {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}

	recs := h.store.all()
	if len(recs) != 2 {
		t.Fatalf("store has %d records, want 2", len(recs))
	}
	receiver, sender := recs[0], recs[1]
	if sender.TransactionID != "T_sender" || sender.UserID != "A" || sender.CounterpartyID != "B" {
		t.Errorf("sender record wrong: %+v", sender)
	}
	if receiver.TransactionID != "T_receiver" || receiver.UserID != "B" || receiver.CounterpartyID != "A" {
		t.Errorf("receiver record wrong: %+v", receiver)
	}
	if !sender.Amount.Equal(receiver.Amount) || sender.CorrelationID != "corr-7" || receiver.CorrelationID != "corr-7" {
		t.Errorf("amount/correlation mismatch: %+v / %+v", sender, receiver)
	}
	if len(h.projector.indexed) != 2 {
		t.Errorf("indexed = %v, want both records", h.projector.indexed)
	}
	if h.ledger.size() != 1 {
		t.Errorf("ledger size = %d, want 1", h.ledger.size())
	}
}

func TestHandle_MalformedPayloadLeavesStoresUnchanged(t *testing.T) {
	bodies := map[string]string{
		"not json":     `not json at all`,
		"no data node": `{"id": "evt-1", "ondmoney": {"correlationId": "c"}}`,
		"data is null": `{"id": "evt-1", "data": null}`,
		"json array":   `[1, 2, 3]`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			res := h.pipeline.Handle(context.Background(), route(models.TopicTransferCompleted),
				envelope.Message{Topic: models.TopicTransferCompleted, Body: []byte(body)})

			if res.Outcome != ParseFailed {
				t.Errorf("outcome = %s, want parse_failed", res.Outcome)
			}
			if h.ledger.size() != 0 || len(h.store.all()) != 0 {
				t.Error("stores changed after a malformed payload")
			}
			if len(h.outcomes.events) != 0 {
				t.Errorf("unexpected outcomes %+v", h.outcomes.events)
			}
		})
	}
}

func TestHandle_BuildFailureReportsHistoryFailed(t *testing.T) {
	h := newHarness()
	body := `{"id": "evt-2", "data": {"transferId": "T9", "senderId": "A", "amount": "abc"}, "ondmoney": {"correlationId": "c9"}}`

	res := h.pipeline.Handle(context.Background(), route(models.TopicTransferInitiated),
		envelope.Message{Topic: models.TopicTransferInitiated, Body: []byte(body)})

	if res.Outcome != BuildFailed {
		t.Fatalf("outcome = %s, want build_failed", res.Outcome)
	}
	if res.Outcome.Retryable() {
		t.Error("build failures must not be retried")
	}
	if len(h.outcomes.events) != 1 {
		t.Fatalf("outcomes = %+v", h.outcomes.events)
	}
	ev := h.outcomes.events[0]
	if ev.EventType != models.OutcomeHistoryFailed || ev.TransactionID != "T9" || ev.CorrelationID != "c9" {
		t.Errorf("unexpected outcome %+v", ev)
	}
	if h.ledger.size() != 0 {
		t.Error("failed event must not be marked processed")
	}
}

func TestHandle_StoreFailureIsRetryable(t *testing.T) {
	h := newHarness()
	h.store.saveErr = errors.New("connection refused")
	msg := envelope.Message{Topic: models.TopicTransactionEvents, Body: []byte(rawTransaction)}

	res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg)
	if res.Outcome != StoreFailed || !res.Outcome.Retryable() {
		t.Fatalf("outcome = %s, want retryable store_failed", res.Outcome)
	}
	if h.ledger.size() != 0 {
		t.Error("failed event must not be marked processed")
	}
	if len(h.outcomes.events) != 1 || h.outcomes.events[0].EventType != models.OutcomeHistoryFailed {
		t.Errorf("outcomes = %+v, want HISTORY_FAILED", h.outcomes.events)
	}

	h.store.saveErr = nil
	if res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg); res.Outcome != Processed {
		t.Errorf("redelivery outcome = %s, want processed", res.Outcome)
	}
}

func TestHandle_LedgerUnavailable(t *testing.T) {
	h := newHarness()
	h.ledger.existsErr = errors.New("timeout")

	res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents),
		envelope.Message{Topic: models.TopicTransactionEvents, Body: []byte(rawTransaction)})
	if res.Outcome != StoreFailed {
		t.Errorf("outcome = %s, want store_failed", res.Outcome)
	}
	if len(h.store.all()) != 0 {
		t.Error("nothing should be persisted when the ledger cannot be checked")
	}
}

func TestHandle_MarkProcessedFailureKeepsRecord(t *testing.T) {
	h := newHarness()
	h.ledger.recordErr = errors.New("ledger write failed")

	res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents),
		envelope.Message{Topic: models.TopicTransactionEvents, Body: []byte(rawTransaction)})
	if res.Outcome != Processed {
		t.Errorf("outcome = %s, want processed", res.Outcome)
	}
	if len(h.store.all()) != 1 {
		t.Error("record must stay persisted")
	}
}

func TestHandle_StoreGuardCatchesNewEventID(t *testing.T) {
	h := newHarness()
	msg := envelope.Message{Topic: models.TopicTransactionEvents, Body: []byte(rawTransaction)}
	h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg)

	// same transaction, different event id
	msg.EventIDHeader = "replayed-1"
	res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents), msg)
	if res.Outcome != Duplicate {
		t.Errorf("outcome = %s, want duplicate", res.Outcome)
	}
	if ok, _ := h.ledger.Exists(context.Background(), "replayed-1"); !ok {
		t.Error("duplicate caught by the store should still be marked processed")
	}
	if len(h.store.all()) != 1 {
		t.Errorf("store has %d records, want 1", len(h.store.all()))
	}
}

func TestHandle_TransferInitiatedThenFailed(t *testing.T) {
	h := newHarness()
	initiated := `{"id": "ev-1", "data": {"transferId": "T1", "senderId": "A", "receiverId": "B", "amount": "40"}}`
	failed := `{"id": "ev-2", "data": {"transferId": "T1", "senderId": "A", "receiverId": "B", "amount": "40", "failureReason": "NSF", "failureMessage": "insufficient funds"}}`

	first := h.pipeline.Handle(context.Background(), route(models.TopicTransferInitiated),
		envelope.Message{Topic: models.TopicTransferInitiated, Body: []byte(initiated)})
	if first.Outcome != Processed {
		t.Fatalf("initiated: outcome = %s, err = %v", first.Outcome, first.Err)
	}

	second := h.pipeline.Handle(context.Background(), route(models.TopicTransferFailed),
		envelope.Message{Topic: models.TopicTransferFailed, Body: []byte(failed)})
	if second.Outcome != Processed {
		t.Fatalf("failed: outcome = %s, err = %v", second.Outcome, second.Err)
	}

	recs := h.store.all()
	if len(recs) != 2 {
		t.Fatalf("store has %d records, want 2", len(recs))
	}
	failedRec, pendingRec := recs[0], recs[1]
	if pendingRec.TransactionID != "T1"+builder.PendingSuffix || pendingRec.Status != models.StatusPending {
		t.Errorf("pending record wrong: %+v", pendingRec)
	}
	if failedRec.TransactionID != "T1"+builder.FailedSuffix || failedRec.Status != models.StatusFailed {
		t.Errorf("failed record wrong: %+v", failedRec)
	}
	if failedRec.ErrorMessage != "insufficient funds" {
		t.Errorf("errorMessage = %q, want insufficient funds", failedRec.ErrorMessage)
	}

	// a redelivered failed event under a new id is still caught by the store
	replay := h.pipeline.Handle(context.Background(), route(models.TopicTransferFailed),
		envelope.Message{Topic: models.TopicTransferFailed, EventIDHeader: "ev-2-replay", Body: []byte(failed)})
	if replay.Outcome != Duplicate {
		t.Errorf("replayed failed event: outcome = %s, want duplicate", replay.Outcome)
	}
}

func TestHandle_WalletCreated(t *testing.T) {
	h := newHarness()
	body := `{"id": "evt-w", "data": {"walletId": "W1", "userId": "u123", "currency": "XOF", "initialBalance": 5000}}`

	res := h.pipeline.Handle(context.Background(), route(models.TopicWalletCreated),
		envelope.Message{Topic: models.TopicWalletCreated, Body: []byte(body)})
	if res.Outcome != Processed || len(res.Records) != 1 {
		t.Fatalf("outcome = %s, records = %d", res.Outcome, len(res.Records))
	}
	rec := res.Records[0]
	if rec.Type != models.TransactionTypeWalletCreation || rec.SenderPhone != "u123" {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.Amount.Equal(decimal.NewFromInt(5000)) || !rec.BalanceAfter.Decimal.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("amount/balanceAfter = %s/%s", rec.Amount, rec.BalanceAfter.Decimal)
	}
}

// stalledIndex blocks every write until released
type stalledIndex struct {
	release chan struct{}
}

func (s *stalledIndex) Upsert(ctx context.Context, _ *models.HistoryRecord) error {
	<-s.release
	return errors.New("index unavailable")
}

func (s *stalledIndex) UpsertBatch(ctx context.Context, recs []*models.HistoryRecord) error {
	return s.Upsert(ctx, nil)
}

func (s *stalledIndex) Delete(ctx context.Context, _ string) error {
	return s.Upsert(ctx, nil)
}

func (s *stalledIndex) Truncate(context.Context) error { return nil }

func TestHandle_SlowProjectorDoesNotBlock(t *testing.T) {
	h := newHarness()
	idx := &stalledIndex{release: make(chan struct{})}
	projector := search.NewProjector(h.store, idx, logging.Discard(), config.ProjectorConfig{
		Workers:      1,
		QueueSize:    1,
		ReindexBatch: 10,
	})
	projector.Start(context.Background())
	defer func() {
		close(idx.release)
		projector.Stop()
	}()

	h.pipeline = NewPipeline(envelope.NewParser(""), builder.New("XOF"), h.ledger, h.store, projector, h.outcomes, logging.Discard())

	start := time.Now()
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf(`{"transactionId": "TX-%d", "type": "DEPOSIT", "status": "SUCCESS", "amount": 1, "currency": "XOF", "transactionDate": "2024-11-10T08:00:00Z"}`, i)
		res := h.pipeline.Handle(context.Background(), route(models.TopicTransactionEvents),
			envelope.Message{Topic: models.TopicTransactionEvents, Body: []byte(body)})
		if res.Outcome != Processed {
			t.Fatalf("message %d: outcome = %s, err = %v", i, res.Outcome, res.Err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handling took %s with a stalled index", elapsed)
	}
	if len(h.store.all()) != 20 {
		t.Errorf("store has %d records, want 20", len(h.store.all()))
	}
}
