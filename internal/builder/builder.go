// Package builder maps parsed inbound events to history records.
// Everything here is a pure function of its input: no I/O, no shared state.
package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

var (
	// ErrInvalidEvent is returned when a payload decodes but its fields are unusable
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnsupportedKind is returned for an event variant the builder does not know
	ErrUnsupportedKind = errors.New("unsupported event kind")
)

// Transfer party suffixes. They keep the two records of one completed transfer
// distinct under the per-transaction uniqueness constraint.
const (
	SenderSuffix   = "_sender"
	ReceiverSuffix = "_receiver"
)

// Lifecycle suffixes for the single sender record of a transfer that is not
// completed. Each stage gets its own record, so a failed event that follows
// an initiated one is stored instead of being taken for a duplicate.
const (
	PendingSuffix = "_pending"
	FailedSuffix  = "_failed"
)

const (
	defaultTransferDescription = "Transfer"
	walletTransactionPrefix    = "txn_wallet_"
)

// Meta is the dispatch metadata that accompanies an event
type Meta struct {
	EventID       string
	CorrelationID string
	Topic         string
	Key           string
}

// Builder turns events into records
type Builder struct {
	BaseCurrency string
	Now          func() time.Time
	NewID        func() string
}

// New creates a builder that defaults missing currencies to baseCurrency
func New(baseCurrency string) *Builder {
	return &Builder{
		BaseCurrency: baseCurrency,
		Now:          time.Now,
		NewID:        uuid.NewString,
	}
}

// Decode decodes an envelope payload into the event variant for kind
func Decode(kind models.EventKind, data json.RawMessage) (models.Event, error) {
	switch kind {
	case models.EventKindTransaction:
		var ev models.TransactionEvent
		if err := json.Unmarshal(data, &ev.Record); err != nil {
			return nil, fmt.Errorf("%w: transaction payload: %v", ErrInvalidEvent, err)
		}
		return ev, nil

	case models.EventKindTransfer:
		var ev models.TransferEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: transfer payload: %v", ErrInvalidEvent, err)
		}
		return ev, nil

	case models.EventKindWalletCreated:
		var ev models.WalletCreatedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: wallet payload: %v", ErrInvalidEvent, err)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// StatusForTopic maps a transfer lifecycle topic to a record status.
// Unknown topics map to PENDING so unexpected routing stays non-fatal.
func StatusForTopic(topic string) models.TransactionStatus {
	switch topicSuffix(topic) {
	case "completed":
		return models.StatusSuccess
	case "failed":
		return models.StatusFailed
	default:
		return models.StatusPending
	}
}

// Build derives the history records for event
func (b *Builder) Build(event models.Event, meta Meta) ([]*models.HistoryRecord, error) {
	var (
		records []*models.HistoryRecord
		err     error
	)

	switch ev := event.(type) {
	case models.TransactionEvent:
		records, err = b.fromTransaction(ev)
	case models.TransferEvent:
		records, err = b.fromTransfer(ev, meta)
	case models.WalletCreatedEvent:
		records, err = b.fromWalletCreated(ev, meta)
	case nil:
		return nil, fmt.Errorf("%w: nil event", ErrUnsupportedKind)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKind, event)
	}
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return records, nil
}

// fromTransaction only fills the fields this service owns.
// The id belongs to the primary store; a payload id is discarded.
func (b *Builder) fromTransaction(ev models.TransactionEvent) ([]*models.HistoryRecord, error) {
	rec := ev.Record
	rec.ID = ""
	rec.ProcessingDate = b.now()
	rec.HistorySaved = true
	if rec.TransactionDate.IsZero() {
		rec.TransactionDate = rec.ProcessingDate
	}
	if rec.Version == 0 {
		rec.Version = models.DefaultVersion
	}
	return []*models.HistoryRecord{&rec}, nil
}

func (b *Builder) fromTransfer(ev models.TransferEvent, meta Meta) ([]*models.HistoryRecord, error) {
	if strings.TrimSpace(ev.TransferID) == "" {
		return nil, fmt.Errorf("%w: transferId is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.SenderID) == "" {
		return nil, fmt.Errorf("%w: senderId is required", ErrInvalidEvent)
	}

	now := b.now()
	status := StatusForTopic(meta.Topic)

	base := models.HistoryRecord{
		Type:            models.TransactionTypeTransfer,
		Status:          status,
		Amount:          orZero(ev.Amount),
		Currency:        b.currency(ev.Currency),
		Description:     ev.Description,
		CorrelationID:   meta.CorrelationID,
		SenderPhone:     ev.SenderPhoneNumber,
		ReceiverPhone:   ev.ReceiverPhoneNumber,
		SenderName:      ev.SenderName,
		ReceiverName:    ev.ReceiverName,
		Version:         models.DefaultVersion,
		TransactionDate: now,
		ProcessingDate:  now,
		HistorySaved:    true,
	}
	if base.Description == "" {
		base.Description = defaultTransferDescription
	}

	if topicSuffix(meta.Topic) == "completed" {
		sender := base
		sender.TransactionID = ev.TransferID + SenderSuffix
		sender.UserID = ev.SenderID
		sender.CounterpartyID = ev.ReceiverID
		sender.CounterpartyName = ev.ReceiverName
		sender.BalanceAfter = decimal.NewNullDecimal(orZero(ev.SenderNewBalance))

		receiver := base
		receiver.TransactionID = ev.TransferID + ReceiverSuffix
		receiver.UserID = ev.ReceiverID
		receiver.CounterpartyID = ev.SenderID
		receiver.CounterpartyName = ev.SenderName
		receiver.BalanceAfter = decimal.NewNullDecimal(orZero(ev.ReceiverNewBalance))

		return []*models.HistoryRecord{&sender, &receiver}, nil
	}

	rec := base
	rec.TransactionID = ev.TransferID + lifecycleSuffix(status)
	rec.UserID = ev.SenderID
	rec.CounterpartyID = ev.ReceiverID
	rec.CounterpartyName = ev.ReceiverName
	if rec.SenderPhone == "" {
		// no phone on initiated/failed events; keep the sender findable by id
		rec.SenderPhone = ev.SenderID
	}
	if ev.SenderNewBalance.Valid {
		rec.BalanceAfter = ev.SenderNewBalance
	}
	if status == models.StatusFailed {
		rec.ErrorMessage = ev.FailureMessage
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = ev.FailureReason
		}
	}

	return []*models.HistoryRecord{&rec}, nil
}

func (b *Builder) fromWalletCreated(ev models.WalletCreatedEvent, meta Meta) ([]*models.HistoryRecord, error) {
	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		userID = meta.Key
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}

	txID := walletTransactionPrefix + ev.WalletID
	if ev.WalletID == "" {
		txID = walletTransactionPrefix + b.newID()
	}

	initial := orZero(ev.InitialBalance)
	now := b.now()

	rec := &models.HistoryRecord{
		TransactionID:   txID,
		UserID:          userID,
		Type:            models.TransactionTypeWalletCreation,
		Status:          models.StatusSuccess,
		Amount:          initial,
		BalanceAfter:    decimal.NewNullDecimal(initial),
		Currency:        b.currency(ev.Currency),
		Description:     "Wallet created: " + ev.WalletID,
		CorrelationID:   meta.CorrelationID,
		Version:         models.DefaultVersion,
		TransactionDate: now,
		ProcessingDate:  now,
		HistorySaved:    true,
		// wallets have no phone; the user id fills the slot so phone queries still find the record
		SenderPhone: userID,
	}

	return []*models.HistoryRecord{rec}, nil
}

func lifecycleSuffix(status models.TransactionStatus) string {
	if status == models.StatusFailed {
		return FailedSuffix
	}
	return PendingSuffix
}

func (b *Builder) currency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return b.BaseCurrency
	}
	return c
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

// topicSuffix returns the part after the last dot, e.g. "completed" for "transfer.completed"
func topicSuffix(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
