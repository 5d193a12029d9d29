package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fundlift/indexer/internal/logger"
)

// Publisher publishes persistent messages with publisher confirms. Confirms
// are collected as deferred futures; WaitAll is the batch barrier the
// producer commits its cursor behind.
type Publisher struct {
	broker   *Broker
	exchange string
	log      *logger.Logger

	ch      *amqp.Channel
	pending []*amqp.DeferredConfirmation
}

// NewPublisher creates a publisher bound to the given exchange.
func NewPublisher(broker *Broker, exchange string, log *logger.Logger) *Publisher {
	return &Publisher{
		broker:   broker,
		exchange: exchange,
		log:      log.WithComponent("publisher"),
	}
}

func (p *Publisher) ensureChannel(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.broker.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	p.ch = ch
	p.pending = p.pending[:0]
	return nil
}

// Publish serializes the message and publishes it persistently. The broker
// acknowledgment is deferred; callers must eventually call WaitAll.
func (p *Publisher) Publish(ctx context.Context, msg Message, routingKey string) error {
	if err := p.ensureChannel(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type(), err)
	}

	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		// The unconfirmed tail will be republished by the caller; drop the
		// channel so the next publish starts clean.
		p.dropChannel()
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	p.pending = append(p.pending, confirmation)
	p.log.Debugw("published message", "routing_key", routingKey, "type", msg.Type())
	return nil
}

// PublishEvent publishes an event message with automatic routing.
func (p *Publisher) PublishEvent(ctx context.Context, msg *EventMessage) error {
	return p.Publish(ctx, msg, msg.RoutingKey())
}

// WaitAll blocks until the broker has confirmed every message published
// since the last barrier. A negative acknowledgment or timeout fails the
// whole batch; callers must not advance their cursor in that case.
func (p *Publisher) WaitAll(ctx context.Context) error {
	pending := p.pending
	p.pending = p.pending[:0]

	for _, confirmation := range pending {
		acked, err := confirmation.WaitContext(ctx)
		if err != nil {
			p.dropChannel()
			return fmt.Errorf("publisher confirm wait failed: %w", err)
		}
		if !acked {
			p.dropChannel()
			return fmt.Errorf("broker negatively acknowledged delivery %d", confirmation.DeliveryTag)
		}
	}

	if len(pending) > 0 {
		p.log.Debugw("batch confirmed", "messages", len(pending))
	}
	return nil
}

// PublishConfirmed publishes a single message and waits for its confirm.
// Used for control-plane messages that must be durable before proceeding.
func (p *Publisher) PublishConfirmed(ctx context.Context, msg Message, routingKey string) error {
	if err := p.Publish(ctx, msg, routingKey); err != nil {
		return err
	}
	return p.WaitAll(ctx)
}

// PendingCount returns the number of unconfirmed publishes.
func (p *Publisher) PendingCount() int {
	return len(p.pending)
}

func (p *Publisher) dropChannel() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	p.pending = p.pending[:0]
}

// Close releases the publisher channel.
func (p *Publisher) Close() {
	p.dropChannel()
}
