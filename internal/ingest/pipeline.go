// Package ingest runs every inbound broker message through the history
// pipeline: parse, deduplicate, build, persist, project, report.
package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/builder"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/envelope"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

// Route binds an inbound topic to its payload shape and event variant
type Route struct {
	Topic string
	Shape envelope.Shape
	Kind  models.EventKind
}

// DefaultRoutes lists every topic the service consumes
func DefaultRoutes() []Route {
	return []Route{
		{Topic: models.TopicTransactionEvents, Shape: envelope.ShapeRaw, Kind: models.EventKindTransaction},
		{Topic: models.TopicTransferInitiated, Shape: envelope.ShapeEnveloped, Kind: models.EventKindTransfer},
		{Topic: models.TopicTransferCompleted, Shape: envelope.ShapeEnveloped, Kind: models.EventKindTransfer},
		{Topic: models.TopicTransferFailed, Shape: envelope.ShapeEnveloped, Kind: models.EventKindTransfer},
		{Topic: models.TopicWalletCreated, Shape: envelope.ShapeEnveloped, Kind: models.EventKindWalletCreated},
	}
}

// Outcome is the terminal state of one message
type Outcome int

const (
	// Processed: records persisted and the event marked processed
	Processed Outcome = iota
	// Duplicate: the event or its transaction was already handled
	Duplicate
	// ParseFailed: the body was not a usable message; it is skipped
	ParseFailed
	// BuildFailed: the payload had unusable domain fields; HISTORY_FAILED was reported
	BuildFailed
	// StoreFailed: a backing store was unavailable; HISTORY_FAILED was reported
	// and redelivery may succeed
	StoreFailed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Duplicate:
		return "duplicate"
	case ParseFailed:
		return "parse_failed"
	case BuildFailed:
		return "build_failed"
	case StoreFailed:
		return "store_failed"
	default:
		return "unknown"
	}
}

// Retryable reports whether redelivering the message could change the result
func (o Outcome) Retryable() bool {
	return o == StoreFailed
}

// Result describes how a message was handled
type Result struct {
	Outcome Outcome
	EventID string
	Records []*models.HistoryRecord
	Err     error
}

// Ledger is the idempotency ledger of processed event ids
type Ledger interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID, topic string) error
}

// Store is the primary store write path
type Store interface {
	ExistsByTransactionID(ctx context.Context, transactionID string) (bool, error)
	SaveAll(ctx context.Context, recs []*models.HistoryRecord) error
}

// Projector schedules asynchronous search index writes
type Projector interface {
	Index(rec *models.HistoryRecord)
}

// Outcomes receives the result notifications for downstream consumers
type Outcomes interface {
	Saved(rec *models.HistoryRecord)
	Failed(transactionID, correlationID string, cause error)
}

// Pipeline handles inbound messages. It is safe for concurrent use as long as
// its collaborators are.
type Pipeline struct {
	parser    *envelope.Parser
	builder   *builder.Builder
	ledger    Ledger
	store     Store
	projector Projector
	outcomes  Outcomes
	log       logrus.FieldLogger
	tracer    trace.Tracer
}

// NewPipeline wires a pipeline from its collaborators
func NewPipeline(
	parser *envelope.Parser,
	b *builder.Builder,
	ledger Ledger,
	store Store,
	projector Projector,
	outcomes Outcomes,
	log logrus.FieldLogger,
) *Pipeline {
	return &Pipeline{
		parser:    parser,
		builder:   b,
		ledger:    ledger,
		store:     store,
		projector: projector,
		outcomes:  outcomes,
		log:       log,
		tracer:    otel.Tracer("history-service/ingest"),
	}
}

// Handle runs msg through the pipeline. It never panics on bad input and never
// returns a half-persisted result: either every record of the event is stored or none is.
func (p *Pipeline) Handle(ctx context.Context, route Route, msg envelope.Message) Result {
	ctx, span := p.tracer.Start(ctx, "history.ingest", trace.WithAttributes(
		attribute.String("messaging.destination", route.Topic),
	))
	defer span.End()

	res := p.handle(ctx, route, msg)

	span.SetAttributes(
		attribute.String("history.event_id", res.EventID),
		attribute.String("history.outcome", res.Outcome.String()),
		attribute.Int("history.records", len(res.Records)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Outcome.String())
	}

	return res
}

func (p *Pipeline) handle(ctx context.Context, route Route, msg envelope.Message) Result {
	logger := p.log.WithField("topic", route.Topic)

	env, err := p.parser.Parse(route.Shape, msg)
	if err != nil {
		logger.WithError(err).WithField("payload", string(msg.Body)).Error("failed to parse message")
		return Result{Outcome: ParseFailed, Err: err}
	}

	logger = logger.WithFields(logrus.Fields{
		"event_id":       env.EventID,
		"correlation_id": env.CorrelationID,
	})
	if env.FallbackID {
		logger.Warn("message carries no event id, using a generated one; redelivery will not be deduplicated by id")
	}

	seen, err := p.ledger.Exists(ctx, env.EventID)
	if err != nil {
		logger.WithError(err).Error("idempotency ledger unavailable")
		p.outcomes.Failed(candidateTransactionID(env.Data), env.CorrelationID, err)
		return Result{Outcome: StoreFailed, EventID: env.EventID, Err: err}
	}
	if seen {
		logger.Info("event already processed, skipping")
		return Result{Outcome: Duplicate, EventID: env.EventID}
	}

	records, err := p.build(route, env)
	if err != nil {
		logger.WithError(err).Error("failed to build history records")
		p.outcomes.Failed(candidateTransactionID(env.Data), env.CorrelationID, err)
		return Result{Outcome: BuildFailed, EventID: env.EventID, Err: err}
	}

	fresh, err := p.unseen(ctx, records)
	if err != nil {
		logger.WithError(err).Error("primary store unavailable")
		p.outcomes.Failed(records[0].TransactionID, env.CorrelationID, err)
		return Result{Outcome: StoreFailed, EventID: env.EventID, Err: err}
	}
	if len(fresh) == 0 {
		logger.WithField("transaction_id", records[0].TransactionID).Info("transaction already stored, skipping")
		p.markProcessed(ctx, logger, env.EventID, route.Topic)
		return Result{Outcome: Duplicate, EventID: env.EventID}
	}

	if err := p.store.SaveAll(ctx, fresh); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			// lost a race with a concurrent delivery; the store guard is authoritative
			logger.WithError(err).Info("transaction stored concurrently, skipping")
			p.markProcessed(ctx, logger, env.EventID, route.Topic)
			return Result{Outcome: Duplicate, EventID: env.EventID}
		}
		logger.WithError(err).Error("failed to persist history records")
		p.outcomes.Failed(fresh[0].TransactionID, env.CorrelationID, err)
		return Result{Outcome: StoreFailed, EventID: env.EventID, Err: err}
	}

	// persisted: nothing below may undo or fail the message
	for _, rec := range fresh {
		p.projector.Index(rec)
		p.outcomes.Saved(rec)
		logger.WithFields(logrus.Fields{
			"transaction_id": rec.TransactionID,
			"record_id":      rec.ID,
			"status":         rec.Status,
		}).Info("history record saved")
	}
	p.markProcessed(ctx, logger, env.EventID, route.Topic)

	return Result{Outcome: Processed, EventID: env.EventID, Records: fresh}
}

func (p *Pipeline) build(route Route, env *envelope.Envelope) ([]*models.HistoryRecord, error) {
	event, err := builder.Decode(route.Kind, env.Data)
	if err != nil {
		return nil, err
	}
	return p.builder.Build(event, builder.Meta{
		EventID:       env.EventID,
		CorrelationID: env.CorrelationID,
		Topic:         route.Topic,
	})
}

// unseen filters out records whose transaction id is already stored
func (p *Pipeline) unseen(ctx context.Context, records []*models.HistoryRecord) ([]*models.HistoryRecord, error) {
	fresh := make([]*models.HistoryRecord, 0, len(records))
	for _, rec := range records {
		exists, err := p.store.ExistsByTransactionID(ctx, rec.TransactionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}

// markProcessed records the event id. Failures are logged only: the store guard
// still catches a redelivery.
func (p *Pipeline) markProcessed(ctx context.Context, logger logrus.FieldLogger, eventID, topic string) {
	if err := p.ledger.Record(ctx, eventID, topic); err != nil {
		logger.WithError(err).Error("failed to mark event processed")
	}
}

// candidateTransactionID extracts a best-effort transaction id from an event
// payload for failure reports
func candidateTransactionID(data json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"transactionId", "transferId", "walletId"} {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
