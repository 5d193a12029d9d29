package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fundlift/indexer/internal/codec"
)

func TestRoutingKeyFor(t *testing.T) {
	tests := []struct {
		eventType string
		key       string
	}{
		{codec.EventCampaignCreated, KeyCampaignCreated},
		{codec.EventDonationReceived, KeyDonationReceived},
		{codec.EventWithdrawn, KeyWithdrawn},
		{codec.EventRefunded, KeyRefunded},
		{"SomethingElse", "event.unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.key, RoutingKeyFor(tt.eventType), tt.eventType)
	}
}

func TestQueueBindings(t *testing.T) {
	// Every routing key must be bound to exactly one queue.
	bound := make(map[string]string)
	for queue, keys := range QueueBindings {
		for _, key := range keys {
			_, dup := bound[key]
			assert.False(t, dup, "routing key %s bound twice", key)
			bound[key] = queue
		}
	}

	assert.Equal(t, QueueCampaignCreated, bound[KeyCampaignCreated])
	assert.Equal(t, QueueDonationReceived, bound[KeyDonationReceived])
	assert.Equal(t, QueueWithdrawalRefund, bound[KeyWithdrawn])
	assert.Equal(t, QueueWithdrawalRefund, bound[KeyRefunded])
	assert.Equal(t, QueueControl, bound[KeyRollback])
	assert.Equal(t, QueueControl, bound[KeyReconciliation])
}

func TestEventQueuesExcludeControl(t *testing.T) {
	assert.NotContains(t, EventQueues, QueueControl)
	assert.Contains(t, AllQueues, QueueControl)
}

func TestQueueArgumentsDeadLetter(t *testing.T) {
	args := queueArguments()
	assert.Equal(t, DLXExchangeName, args["x-dead-letter-exchange"])
	assert.Equal(t, DLXRoutingKey, args["x-dead-letter-routing-key"])
}
