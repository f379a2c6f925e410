package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Inbound topics
const (
	TopicTransactionEvents = "transaction-events"
	TopicTransferInitiated = "transfer.initiated"
	TopicTransferCompleted = "transfer.completed"
	TopicTransferFailed    = "transfer.failed"
	TopicWalletCreated     = "wallet.created"
)

// EventKind identifies which variant of Event a payload decodes into
type EventKind string

const (
	EventKindTransaction   EventKind = "transaction"
	EventKindTransfer      EventKind = "transfer"
	EventKindWalletCreated EventKind = "wallet-created"
)

// Event is the sum type of every inbound domain event.
// The variant is chosen by topic at the dispatch boundary, never by inspecting the payload.
type Event interface {
	Kind() EventKind
}

// TransactionEvent is a raw transaction whose payload already has the record shape
type TransactionEvent struct {
	Record HistoryRecord
}

func (TransactionEvent) Kind() EventKind { return EventKindTransaction }

// TransferEvent is the data node of a transfer lifecycle envelope
type TransferEvent struct {
	TransferID          string              `json:"transferId"`
	SenderID            string              `json:"senderId"`
	ReceiverID          string              `json:"receiverId"`
	Amount              decimal.NullDecimal `json:"amount"`
	Currency            string              `json:"currency"`
	Description         string              `json:"description"`
	SenderNewBalance    decimal.NullDecimal `json:"senderNewBalance"`
	ReceiverNewBalance  decimal.NullDecimal `json:"receiverNewBalance"`
	SenderName          string              `json:"senderName"`
	ReceiverName        string              `json:"receiverName"`
	SenderPhoneNumber   string              `json:"senderPhoneNumber"`
	ReceiverPhoneNumber string              `json:"receiverPhoneNumber"`
	FailureReason       string              `json:"failureReason"`
	FailureMessage      string              `json:"failureMessage"`
}

func (TransferEvent) Kind() EventKind { return EventKindTransfer }

// WalletCreatedEvent is the data node of a wallet.created envelope
type WalletCreatedEvent struct {
	WalletID       string              `json:"walletId"`
	UserID         string              `json:"userId"`
	Currency       string              `json:"currency"`
	InitialBalance decimal.NullDecimal `json:"initialBalance"`
}

func (WalletCreatedEvent) Kind() EventKind { return EventKindWalletCreated }

// OutcomeEventType is the kind of history lifecycle notification
type OutcomeEventType string

const (
	OutcomeHistorySaved         OutcomeEventType = "HISTORY_SAVED"
	OutcomeHistoryProcessed     OutcomeEventType = "HISTORY_PROCESSED"
	OutcomeHistoryFailed        OutcomeEventType = "HISTORY_FAILED"
	OutcomeReconciliationNeeded OutcomeEventType = "RECONCILIATION_NEEDED"
)

// OutcomeEvent reports whether history persistence succeeded for a transaction.
// It is never persisted, only queued for outbound publication.
type OutcomeEvent struct {
	EventType      OutcomeEventType `json:"eventType"`
	TransactionID  string           `json:"transactionId,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	Message        string           `json:"message"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	AdditionalData any              `json:"additionalData,omitempty"`
}
