package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/envelope"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/ingest"
)

// Message headers read from inbound deliveries
const (
	HeaderEventID      = "ce_id"
	HeaderPartitionKey = "partition_key"
)

// Handler processes one inbound message
type Handler interface {
	Handle(ctx context.Context, route ingest.Route, msg envelope.Message) ingest.Result
}

// RabbitMQConsumer consumes every routed topic from its own durable queue
type RabbitMQConsumer struct {
	channel *amqp.Channel
	config  config.RabbitMQConfig
	routes  []ingest.Route
	handler Handler
	log     logrus.FieldLogger
	running atomic.Bool
}

// Dial connects to RabbitMQ
func Dial(cfg config.RabbitMQConfig) (*amqp.Connection, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// QueueName returns the queue that receives topic
func QueueName(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// NewRabbitMQConsumer declares the exchange and one bound queue per route
func NewRabbitMQConsumer(
	conn *amqp.Connection,
	cfg config.RabbitMQConfig,
	routes []ingest.Route,
	handler Handler,
	log logrus.FieldLogger,
) (*RabbitMQConsumer, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if cfg.Prefetch > 0 {
		if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	if err := declareExchange(channel, cfg.Exchange); err != nil {
		channel.Close()
		return nil, err
	}

	for _, route := range routes {
		queue, err := channel.QueueDeclare(
			QueueName(cfg.QueuePrefix, route.Topic), // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to declare queue for %s: %w", route.Topic, err)
		}

		if err := channel.QueueBind(queue.Name, route.Topic, cfg.Exchange, false, nil); err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to bind queue for %s: %w", route.Topic, err)
		}

		log.WithFields(logrus.Fields{
			"exchange": cfg.Exchange,
			"queue":    queue.Name,
			"topic":    route.Topic,
		}).Info("RabbitMQ queue bound")
	}

	return &RabbitMQConsumer{
		channel: channel,
		config:  cfg,
		routes:  routes,
		handler: handler,
		log:     log.WithField("component", "consumer"),
	}, nil
}

// Start consumes all queues until ctx is cancelled or the channel closes
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, route := range c.routes {
		queue := QueueName(c.config.QueuePrefix, route.Topic)
		msgs, err := c.channel.Consume(
			queue, // queue
			"",    // consumer tag (auto-generated)
			false, // auto-ack (we'll ack manually)
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer on %s: %w", queue, err)
		}

		route := route
		g.Go(func() error {
			return c.consume(ctx, route, msgs)
		})
	}

	c.running.Store(true)
	defer c.running.Store(false)
	c.log.WithField("queues", len(c.routes)).Info("RabbitMQ consumer started")

	return g.Wait()
}

// Running reports whether the consumer is receiving deliveries
func (c *RabbitMQConsumer) Running() bool {
	return c.running.Load()
}

func (c *RabbitMQConsumer) consume(ctx context.Context, route ingest.Route, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", route.Topic)
			}
			c.dispatch(ctx, route, d)
		}
	}
}

// dispatch hands the delivery to the pipeline and settles it. Only store
// unavailability is requeued; every other outcome is acknowledged so a poison
// message cannot loop.
func (c *RabbitMQConsumer) dispatch(ctx context.Context, route ingest.Route, d amqp.Delivery) {
	res := c.handler.Handle(ctx, route, DeliveryToMessage(route.Topic, d))

	logger := c.log.WithFields(logrus.Fields{
		"topic":    route.Topic,
		"event_id": res.EventID,
		"outcome":  res.Outcome.String(),
	})

	if res.Outcome.Retryable() && c.config.RequeueOnStoreFailure {
		if err := d.Nack(false, true); err != nil {
			logger.WithError(err).Error("failed to nack delivery")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.WithError(err).Error("failed to ack delivery")
	}
}

// DeliveryToMessage extracts the broker-agnostic message from a delivery
func DeliveryToMessage(topic string, d amqp.Delivery) envelope.Message {
	key := headerString(d.Headers, HeaderPartitionKey)
	if key == "" {
		key = d.RoutingKey
	}
	eventID := headerString(d.Headers, HeaderEventID)
	if eventID == "" {
		eventID = d.MessageId
	}

	return envelope.Message{
		Topic:         topic,
		Key:           key,
		EventIDHeader: eventID,
		Body:          d.Body,
	}
}

func headerString(headers amqp.Table, name string) string {
	switch v := headers[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return ""
	}
}

// Close closes the channel. The connection is owned by the caller.
func (c *RabbitMQConsumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

func declareExchange(channel *amqp.Channel, name string) error {
	err := channel.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}
