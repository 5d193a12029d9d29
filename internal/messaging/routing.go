package messaging

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fundlift/indexer/internal/codec"
)

// Exchange and queue topology. One durable topic exchange carries every
// message; a direct dead-letter exchange terminates poisoned messages.
const (
	DefaultExchangeName = "blockchain_events"
	ExchangeType        = "topic"

	DLXExchangeName = "blockchain_events.dlx"
	DLXRoutingKey   = "dlq"
	DLQName         = "dlq.events"
)

// Routing keys.
const (
	KeyCampaignCreated  = "event.campaign_created"
	KeyDonationReceived = "event.donation_received"
	KeyWithdrawn        = "event.withdrawn"
	KeyRefunded         = "event.refunded"
	KeyRollback         = "control.rollback"
	KeyReconciliation   = "control.reconciliation"
)

// Queue names.
const (
	QueueCampaignCreated  = "q.campaign_created"
	QueueDonationReceived = "q.donation_received"
	QueueWithdrawalRefund = "q.withdrawal_refund"
	QueueControl          = "q.control"
)

// Queue properties.
const (
	queueMessageTTL = 604800000 // 7 days in milliseconds
	queueMaxLength  = 100000
)

// QueueBindings maps each queue to the routing keys bound to it.
var QueueBindings = map[string][]string{
	QueueCampaignCreated:  {KeyCampaignCreated},
	QueueDonationReceived: {KeyDonationReceived},
	QueueWithdrawalRefund: {KeyWithdrawn, KeyRefunded},
	QueueControl:          {KeyRollback, KeyReconciliation},
}

// EventQueues are the queues every worker competes on. The control queue is
// not listed here: it is consumed by a single worker to serialize the
// control plane.
var EventQueues = []string{
	QueueCampaignCreated,
	QueueDonationReceived,
	QueueWithdrawalRefund,
}

// AllQueues lists every primary queue, control included.
var AllQueues = []string{
	QueueCampaignCreated,
	QueueDonationReceived,
	QueueWithdrawalRefund,
	QueueControl,
}

// RoutingKeyFor returns the routing key for a canonical event name.
func RoutingKeyFor(eventType string) string {
	switch eventType {
	case codec.EventCampaignCreated:
		return KeyCampaignCreated
	case codec.EventDonationReceived:
		return KeyDonationReceived
	case codec.EventWithdrawn:
		return KeyWithdrawn
	case codec.EventRefunded:
		return KeyRefunded
	default:
		return "event.unknown"
	}
}

// queueArguments returns the arguments shared by every primary queue:
// dead-lettering, a retention TTL, and a length bound.
func queueArguments() amqp.Table {
	return amqp.Table{
		"x-message-ttl":             int64(queueMessageTTL),
		"x-max-length":              int64(queueMaxLength),
		"x-dead-letter-exchange":    DLXExchangeName,
		"x-dead-letter-routing-key": DLXRoutingKey,
	}
}
