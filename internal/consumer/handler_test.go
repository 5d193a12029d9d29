package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/store"
	"github.com/fundlift/indexer/internal/store/storetest"
)

// mockAcknowledger records the ack decision taken for each delivery.
type mockAcknowledger struct {
	acks    int
	nacks   int
	rejects int
}

func (a *mockAcknowledger) Ack(tag uint64, multiple bool) error { a.acks++; return nil }

func (a *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error { a.nacks++; return nil }

func (a *mockAcknowledger) Reject(tag uint64, requeue bool) error { a.rejects++; return nil }

func deliver(t *testing.T, h *Handler, queue string, msg any) *mockAcknowledger {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	acker := &mockAcknowledger{}
	h.Handle(context.Background(), queue, amqp.Delivery{Acknowledger: acker, Body: body})
	return acker
}

func TestHandleValidEventAcks(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	acker := deliver(t, h, messaging.QueueCampaignCreated,
		eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
	assert.Equal(t, 1, acker.acks)

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, campaign.Status)

	// Exactly one event row is recorded for the creation.
	count, err := st.EventCount(st.DB(), storetest.TestChainID,
		common.HexToHash(eventMsg(codec.EventCampaignCreated, 10, 0, nil).TxHash), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleDuplicateAcks(t *testing.T) {
	h, _ := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	msg := eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline))
	first := deliver(t, h, messaging.QueueCampaignCreated, msg)
	second := deliver(t, h, messaging.QueueCampaignCreated, msg)

	assert.Equal(t, 1, first.acks)
	assert.Equal(t, 1, second.acks)
	assert.Equal(t, 0, second.nacks)
	assert.Equal(t, 0, second.rejects)
}

func TestHandleMalformedBodyDeadLetters(t *testing.T) {
	h, _ := newHandler(t)

	acker := &mockAcknowledger{}
	h.Handle(context.Background(), messaging.QueueDonationReceived,
		amqp.Delivery{Acknowledger: acker, Body: []byte("{not json")})

	assert.Equal(t, 1, acker.rejects)
	assert.Equal(t, 0, acker.acks)
}

func TestHandlePoisonMessageExhaustsRetriesThenDeadLetters(t *testing.T) {
	// A donation referencing a campaign absent from the store: retried up to
	// max_retries, then dead-lettered; the consumer keeps processing.
	h, st := newHandler(t)

	poison := eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(1), wei(1)))

	for attempt := 1; attempt <= h.cfg.Consumer.MaxRetries; attempt++ {
		acker := deliver(t, h, messaging.QueueDonationReceived, poison)
		assert.Equal(t, 1, acker.nacks, "attempt %d should requeue", attempt)
		assert.Equal(t, 0, acker.rejects)
	}

	final := deliver(t, h, messaging.QueueDonationReceived, poison)
	assert.Equal(t, 1, final.rejects)
	assert.Equal(t, 0, final.nacks)

	// Subsequent messages still process.
	deadline := time.Now().Add(time.Hour).Unix()
	acker := deliver(t, h, messaging.QueueCampaignCreated,
		eventMsg(codec.EventCampaignCreated, 12, 0, createdData(wei(10), deadline)))
	assert.Equal(t, 1, acker.acks)

	_, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
}

func TestHandleInvariantViolationDeadLettersImmediately(t *testing.T) {
	h, _ := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	deliver(t, h, messaging.QueueCampaignCreated,
		eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
	deliver(t, h, messaging.QueueDonationReceived,
		eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(1), wei(1))))

	// Refund exceeding the contribution violates conservation: straight to DLQ.
	acker := deliver(t, h, messaging.QueueWithdrawalRefund,
		eventMsg(codec.EventRefunded, 12, 0, refundedData(donorA, wei(5))))
	assert.Equal(t, 1, acker.rejects)
	assert.Equal(t, 0, acker.nacks)
}

func TestHandleRollbackMessage(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	deliver(t, h, messaging.QueueCampaignCreated,
		eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
	deliver(t, h, messaging.QueueDonationReceived,
		eventMsg(codec.EventDonationReceived, 20, 0, donationData(donorA, wei(4), wei(4))))

	acker := deliver(t, h, messaging.QueueControl, rollbackMsg(15, 25))
	assert.Equal(t, 1, acker.acks)

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, "0", campaign.TotalRaised.String())
}

func TestHandleReconciliationMessage(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(-time.Hour).Unix() // already expired

	deliver(t, h, messaging.QueueCampaignCreated,
		eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))

	acker := deliver(t, h, messaging.QueueControl, &messaging.ReconciliationMessage{
		MessageType:        messaging.MessageTypeReconciliation,
		ChainID:            storetest.TestChainID,
		PublishedAt:        time.Now().UTC(),
		TriggeredAt:        time.Now().UTC(),
		ReconciliationType: messaging.ReconciliationMarkExpired,
	})
	assert.Equal(t, 1, acker.acks)

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, campaign.Status)
}
