package messaging

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fundlift/indexer/internal/logger"
)

// DeliveryHandler processes one delivery. Implementations own the ack:
// exactly one of Ack, Nack or Reject must be issued per delivery.
type DeliveryHandler func(ctx context.Context, queue string, delivery amqp.Delivery)

// Consumer owns one AMQP channel with bounded prefetch and manual acks, and
// feeds deliveries from a set of queues to a handler one at a time.
type Consumer struct {
	broker   *Broker
	prefetch int
	log      *logger.Logger
}

// NewConsumer creates a consumer with the given prefetch bound.
func NewConsumer(broker *Broker, prefetch int, log *logger.Logger) *Consumer {
	return &Consumer{
		broker:   broker,
		prefetch: prefetch,
		log:      log,
	}
}

type queuedDelivery struct {
	queue    string
	delivery amqp.Delivery
}

// Run consumes from every listed queue until the context is cancelled or the
// channel dies. Deliveries are handled strictly sequentially; prefetch bounds
// the in-flight window. On context cancellation, consumption stops, the
// in-flight message finishes, and the channel is closed.
func (c *Consumer) Run(ctx context.Context, queues []string, handler DeliveryHandler) error {
	ch, err := c.broker.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	merged := make(chan queuedDelivery)
	var wg sync.WaitGroup

	for _, queue := range queues {
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume from %s: %w", queue, err)
		}
		c.log.Infow("consuming", "queue", queue)

		wg.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				select {
				case merged <- queuedDelivery{queue: queue, delivery: d}:
				case <-ctx.Done():
					return
				}
			}
		}(queue, deliveries)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			// Stop consuming; the deferred close drains the channel.
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("consumer channel closed: %w", amqpErr)
			}
			return nil
		case qd, ok := <-merged:
			if !ok {
				return nil
			}
			handler(ctx, qd.queue, qd.delivery)
		}
	}
}
