// Package outcome buffers history outcome notifications until the outbound
// transport pulls them.
package outcome

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

// Publisher is an unbounded FIFO of outcome events. Publish never blocks the
// ingest path; Poll hands out at most one serialized event per call.
type Publisher struct {
	mu    sync.Mutex
	queue []models.OutcomeEvent
	log   logrus.FieldLogger
	now   func() time.Time

	marshal func(any) ([]byte, error)
}

// NewPublisher creates an empty publisher
func NewPublisher(log logrus.FieldLogger) *Publisher {
	return &Publisher{
		log:     log.WithField("component", "outcome"),
		now:     time.Now,
		marshal: json.Marshal,
	}
}

// Publish enqueues ev, stamping it with the current time when it has none
func (p *Publisher) Publish(ev models.OutcomeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}

	p.mu.Lock()
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
}

// Saved enqueues a HISTORY_SAVED event for rec
func (p *Publisher) Saved(rec *models.HistoryRecord) {
	p.Publish(models.OutcomeEvent{
		EventType:     models.OutcomeHistorySaved,
		TransactionID: rec.TransactionID,
		Message:       "Transaction history saved successfully",
		CorrelationID: rec.CorrelationID,
	})
}

// Failed enqueues a HISTORY_FAILED event
func (p *Publisher) Failed(transactionID, correlationID string, cause error) {
	msg := "Failed to save transaction history"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	p.Publish(models.OutcomeEvent{
		EventType:     models.OutcomeHistoryFailed,
		TransactionID: transactionID,
		Message:       msg,
		CorrelationID: correlationID,
	})
}

// Poll dequeues the oldest event and returns it as JSON. It returns false when
// nothing is queued, or when the dequeued event cannot be serialized; such an
// event is logged and dropped.
func (p *Publisher) Poll() ([]byte, bool) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	ev := p.queue[0]
	p.queue[0] = models.OutcomeEvent{}
	p.queue = p.queue[1:]
	p.mu.Unlock()

	body, err := p.marshal(ev)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"event_type":     ev.EventType,
			"transaction_id": ev.TransactionID,
		}).Error("dropping outcome event that cannot be serialized")
		return nil, false
	}
	return body, true
}

// Len returns the number of queued events
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
