// Package pubsub implements the work queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// Options names the Pub/Sub resources and flow-control limits.
type Options struct {
	ProjectID    string
	Topic        string
	Subscription string
	// BatchSize bounds outstanding (unacked) messages per receiver.
	BatchSize int
	// Concurrency is the number of streaming-pull goroutines.
	Concurrency int
}

// Queue publishes task messages to a topic and receives them from a subscription.
type Queue struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
	ownsClient bool
}

// New dials Pub/Sub using Application Default Credentials unless clientOpts
// override the connection.
func New(ctx context.Context, opts Options, logger *zap.Logger, clientOpts ...option.ClientOption) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	q := NewWithClient(client, opts, logger)
	q.ownsClient = true
	return q, nil
}

// NewWithClient builds a Queue on an existing client. The caller keeps
// ownership of the client.
func NewWithClient(client *pubsub.Client, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscriber(opts.Subscription)
	if opts.BatchSize > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = opts.BatchSize
	}
	if opts.Concurrency > 0 {
		sub.ReceiveSettings.NumGoroutines = opts.Concurrency
	}
	return &Queue{
		client:     client,
		publisher:  client.Publisher(opts.Topic),
		subscriber: sub,
		logger:     logger,
	}
}

// Publish marshals the message to JSON, injects the trace context into the
// attributes, and waits for the server to accept it.
func (q *Queue) Publish(ctx context.Context, msg gateway.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	m := &pubsub.Message{Data: data, Attributes: map[string]string{"task_id": msg.TaskID}}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: m.Attributes})

	if _, err := q.publisher.Publish(ctx, m).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive streams messages to handle until ctx ends. Undecodable payloads
// are acknowledged and dropped; handler errors nack the message.
func (q *Queue) Receive(ctx context.Context, handle gateway.MessageHandler) error {
	err := q.subscriber.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var msg gateway.QueueMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.TaskID == "" {
			q.logger.Error("dropping malformed message", zap.String("message_id", m.ID), zap.Error(err))
			m.Ack()
			return
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, &attributeCarrier{attrs: m.Attributes})

		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		if err := handle(ctx, gateway.Delivery{Message: msg, Attempt: attempt}); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client when owned.
func (q *Queue) Close() error {
	q.publisher.Stop()
	if !q.ownsClient {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
