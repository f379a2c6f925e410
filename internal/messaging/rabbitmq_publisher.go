package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/config"
)

// OutcomeSource hands out serialized outcome events one at a time
type OutcomeSource interface {
	Poll() ([]byte, bool)
}

// amqpPublisher is the part of *amqp.Channel the transport needs
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// OutcomeTransport pulls outcome events on a fixed cadence and publishes them
type OutcomeTransport struct {
	publisher  amqpPublisher
	closer     func() error
	source     OutcomeSource
	exchange   string
	routingKey string
	interval   time.Duration
	maxPerTick int
	log        logrus.FieldLogger

	// pending holds an event whose publish failed; it goes out before anything new
	pending []byte
}

// NewOutcomeTransport opens a publishing channel on conn
func NewOutcomeTransport(
	conn *amqp.Connection,
	rmq config.RabbitMQConfig,
	cfg config.OutcomeConfig,
	source OutcomeSource,
	log logrus.FieldLogger,
) (*OutcomeTransport, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publishing channel: %w", err)
	}
	if err := declareExchange(channel, rmq.Exchange); err != nil {
		channel.Close()
		return nil, err
	}

	t := newOutcomeTransport(channel, rmq, cfg, source, log)
	t.closer = channel.Close
	return t, nil
}

func newOutcomeTransport(
	publisher amqpPublisher,
	rmq config.RabbitMQConfig,
	cfg config.OutcomeConfig,
	source OutcomeSource,
	log logrus.FieldLogger,
) *OutcomeTransport {
	maxPerTick := cfg.MaxPerTick
	if maxPerTick <= 0 {
		maxPerTick = 1
	}
	return &OutcomeTransport{
		publisher:  publisher,
		source:     source,
		exchange:   rmq.Exchange,
		routingKey: rmq.OutcomeRoutingKey,
		interval:   cfg.PollInterval,
		maxPerTick: maxPerTick,
		log:        log.WithField("component", "outcome-transport"),
	}
}

// Run polls until ctx is cancelled, then makes one last flush
func (t *OutcomeTransport) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.log.WithFields(logrus.Fields{
		"exchange":    t.exchange,
		"routing_key": t.routingKey,
		"interval":    t.interval.String(),
	}).Info("outcome transport started")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			t.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush publishes up to maxPerTick events and returns how many went out
func (t *OutcomeTransport) Flush(ctx context.Context) int {
	sent := 0
	for sent < t.maxPerTick {
		body := t.pending
		if body == nil {
			var ok bool
			if body, ok = t.source.Poll(); !ok {
				break
			}
		}

		err := t.publisher.PublishWithContext(ctx, t.exchange, t.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		if err != nil {
			t.pending = body
			t.log.WithError(err).Error("failed to publish outcome event, will retry")
			break
		}

		t.pending = nil
		sent++
	}
	return sent
}

// Close closes the publishing channel
func (t *OutcomeTransport) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}
