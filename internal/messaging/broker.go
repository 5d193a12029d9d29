package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fundlift/indexer/internal/logger"
)

const (
	dialRetryDelay    = 1 * time.Second
	dialRetryMaxDelay = 60 * time.Second
)

// Broker manages the AMQP connection and exposes topology management.
// Channels are short-lived and per-caller; the connection is shared.
type Broker struct {
	url string
	log *logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewBroker creates a broker handle. No connection is made until Connect.
func NewBroker(url string, log *logger.Logger) *Broker {
	return &Broker{
		url: url,
		log: log.WithComponent("broker"),
	}
}

// Connect dials the broker with capped exponential backoff, bounded by the
// context.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Broker) connectLocked(ctx context.Context) error {
	delay := dialRetryDelay

	for {
		conn, err := amqp.Dial(b.url)
		if err == nil {
			b.conn = conn
			b.log.Infow("connected to broker", "url", b.url)
			return nil
		}

		b.log.Warnw("broker connection failed, retrying", "error", err, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("broker connect cancelled: %w", ctx.Err())
		}

		delay *= 2
		if delay > dialRetryMaxDelay {
			delay = dialRetryMaxDelay
		}
	}
}

// Channel opens a fresh channel, reconnecting the underlying connection if it
// was lost.
func (b *Broker) Channel(ctx context.Context) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := b.conn.Channel()
	if err != nil {
		// The connection may have died between the check and the open.
		if err := b.connectLocked(ctx); err != nil {
			return nil, err
		}
		return b.conn.Channel()
	}
	return ch, nil
}

// Close closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	b.log.Info("broker connection closed")
	return nil
}

// Setup declares the exchange, dead-letter exchange, queues and bindings.
// Every declaration is idempotent.
func (b *Broker) Setup(ctx context.Context, exchange string) error {
	ch, err := b.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	b.log.Infow("declared exchange", "exchange", exchange)

	if err := ch.ExchangeDeclare(DLXExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	if err := ch.QueueBind(DLQName, DLXRoutingKey, DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}
	b.log.Infow("declared dead-letter queue", "queue", DLQName)

	args := queueArguments()
	for queue, keys := range QueueBindings {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		for _, key := range keys {
			if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind %s to %s: %w", queue, key, err)
			}
			b.log.Infow("bound queue", "queue", queue, "routing_key", key)
		}
	}

	return nil
}

// QueueStatus holds per-queue depth information.
type QueueStatus struct {
	Messages  int
	Consumers int
	Err       error
}

// Status inspects every primary queue plus the DLQ.
func (b *Broker) Status(ctx context.Context) (map[string]QueueStatus, error) {
	ch, err := b.Channel(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { ch.Close() }()

	status := make(map[string]QueueStatus)
	for _, queue := range append(append([]string{}, AllQueues...), DLQName) {
		q, inspectErr := ch.QueueInspect(queue)
		if inspectErr != nil {
			status[queue] = QueueStatus{Err: inspectErr}
			// Inspecting a missing queue closes the channel.
			ch, err = b.Channel(ctx)
			if err != nil {
				return status, err
			}
			continue
		}
		status[queue] = QueueStatus{Messages: q.Messages, Consumers: q.Consumers}
	}
	return status, nil
}

// QueueDepth returns the message count of a single queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int, error) {
	ch, err := b.Channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Purge drops every message from a queue and returns the purged count.
func (b *Broker) Purge(ctx context.Context, queue string) (int, error) {
	ch, err := b.Channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	count, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", queue, err)
	}
	b.log.Infow("purged queue", "queue", queue, "messages", count)
	return count, nil
}
