package consumer

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/store"
	"github.com/fundlift/indexer/internal/store/storetest"
)

const eth = 1_000_000_000_000_000_000

var (
	campaignAddr = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	factoryAddr  = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	creatorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	donorA       = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	donorB       = common.HexToAddress("0x00000000000000000000000000000000000000BB")
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Chain.ChainID = storetest.TestChainID
	cfg.Consumer.MaxRetries = 3
	return cfg
}

func newHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st := storetest.NewStore(t)
	return NewHandler(testConfig(), st, logger.NewNopLogger()), st
}

func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(eth))
}

func createdData(goal *big.Int, deadline int64) map[string]any {
	return map[string]any{
		"factory":  codec.LowerHex(factoryAddr),
		"campaign": codec.LowerHex(campaignAddr),
		"creator":  codec.LowerHex(creatorAddr),
		"goal":     goal.String(),
		"deadline": fmt.Sprintf("%d", deadline),
		"cid":      "QmTest",
	}
}

func donationData(donor common.Address, amount, newTotal *big.Int) map[string]any {
	return map[string]any{
		"campaign":       codec.LowerHex(campaignAddr),
		"donor":          codec.LowerHex(donor),
		"amount":         amount.String(),
		"newTotalRaised": newTotal.String(),
		"timestamp":      "1690000000",
	}
}

func withdrawnData(amount *big.Int) map[string]any {
	return map[string]any{
		"campaign":  codec.LowerHex(campaignAddr),
		"creator":   codec.LowerHex(creatorAddr),
		"amount":    amount.String(),
		"timestamp": "1690000000",
	}
}

func refundedData(donor common.Address, amount *big.Int) map[string]any {
	return map[string]any{
		"campaign":  codec.LowerHex(campaignAddr),
		"donor":     codec.LowerHex(donor),
		"amount":    amount.String(),
		"timestamp": "1690000000",
	}
}

func eventMsg(eventType string, block uint64, logIndex uint, data map[string]any) *messaging.EventMessage {
	msg := &messaging.EventMessage{
		MessageType: messaging.MessageTypeEvent,
		ChainID:     storetest.TestChainID,
		PublishedAt: time.Now().UTC(),
		EventType:   eventType,
		BlockNumber: block,
		BlockHash:   fmt.Sprintf("0x%064x", block),
		TxHash:      fmt.Sprintf("0x%063x%d", block, logIndex),
		LogIndex:    logIndex,
		Address:     codec.LowerHex(campaignAddr),
		Timestamp:   1690000000,
		EventData:   data,
	}
	if eventType == codec.EventCampaignCreated {
		msg.Address = codec.LowerHex(factoryAddr)
	}
	return msg
}

func apply(t *testing.T, h *Handler, msg *messaging.EventMessage) {
	t.Helper()
	duplicate, err := h.applyEvent(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, duplicate)
}

func TestHappyPathFundAndWithdraw(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
	apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(3), wei(3))))
	apply(t, h, eventMsg(codec.EventDonationReceived, 12, 0, donationData(donorB, wei(7), wei(10))))
	apply(t, h, eventMsg(codec.EventWithdrawn, 13, 0, withdrawnData(wei(10))))

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWithdrawn, campaign.Status)
	assert.Equal(t, wei(10), campaign.TotalRaised)
	assert.True(t, campaign.Withdrawn)
	assert.Equal(t, wei(10), campaign.WithdrawnAmount)

	contribA, err := st.GetContribution(st.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	assert.Equal(t, wei(3), contribA.Contributed)
	assert.Equal(t, big.NewInt(0), contribA.Refunded)

	contribB, err := st.GetContribution(st.DB(), campaignAddr, donorB)
	require.NoError(t, err)
	assert.Equal(t, wei(7), contribB.Contributed)
	assert.Equal(t, big.NewInt(0), contribB.Refunded)
}

func TestFailedCampaignAndRefund(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(10 * time.Second).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(5), deadline)))
	apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(1), wei(1))))

	// Time advances past the deadline and the reconciler runs.
	reconciler := NewReconciler(storetest.TestChainID, st, logger.NewNopLogger())
	require.NoError(t, reconciler.MarkExpired(context.Background(), time.Unix(deadline+60, 0)))

	apply(t, h, eventMsg(codec.EventRefunded, 20, 0, refundedData(donorA, wei(1))))

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, campaign.Status)
	// total_raised is a lifetime sum: refunds do not lower it.
	assert.Equal(t, wei(1), campaign.TotalRaised)

	contrib, err := st.GetContribution(st.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	assert.Equal(t, wei(1), contrib.Contributed)
	assert.Equal(t, wei(1), contrib.Refunded)
}

func TestDuplicateRedelivery(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))

	donation := eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(3), wei(3)))
	apply(t, h, donation)

	// Two redeliveries of the same message fold into no-ops.
	for i := 0; i < 2; i++ {
		duplicate, err := h.applyEvent(context.Background(), donation)
		require.NoError(t, err)
		assert.True(t, duplicate)
	}

	contrib, err := st.GetContribution(st.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	assert.Equal(t, wei(3), contrib.Contributed)

	count, err := st.EventCount(st.DB(), storetest.TestChainID, common.HexToHash(donation.TxHash), donation.LogIndex)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOutOfOrderDelivery(t *testing.T) {
	h, st := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))

	// The later donation (post-total 7) arrives before the earlier one.
	apply(t, h, eventMsg(codec.EventDonationReceived, 12, 0, donationData(donorB, wei(5), wei(7))))
	apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(2), wei(2))))

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	// max(current, newTotal) keeps the total at the chain-observed maximum.
	assert.Equal(t, wei(7), campaign.TotalRaised)
	assert.Equal(t, store.StatusActive, campaign.Status)

	contribA, err := st.GetContribution(st.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	assert.Equal(t, wei(2), contribA.Contributed)
	contribB, err := st.GetContribution(st.DB(), campaignAddr, donorB)
	require.NoError(t, err)
	assert.Equal(t, wei(5), contribB.Contributed)
}

func TestStatusLattice(t *testing.T) {
	t.Run("late donation does not downgrade WITHDRAWN", func(t *testing.T) {
		h, st := newHandler(t)
		deadline := time.Now().Add(time.Hour).Unix()

		apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(5), deadline)))
		apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(5), wei(5))))
		apply(t, h, eventMsg(codec.EventWithdrawn, 12, 0, withdrawnData(wei(5))))
		apply(t, h, eventMsg(codec.EventDonationReceived, 11, 1, donationData(donorB, wei(1), wei(6))))

		campaign, err := st.GetCampaign(st.DB(), campaignAddr)
		require.NoError(t, err)
		assert.Equal(t, store.StatusWithdrawn, campaign.Status)
	})

	t.Run("withdraw from FAILED is an invariant violation", func(t *testing.T) {
		h, st := newHandler(t)
		deadline := time.Now().Add(time.Second).Unix()

		apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(5), deadline)))

		reconciler := NewReconciler(storetest.TestChainID, st, logger.NewNopLogger())
		require.NoError(t, reconciler.MarkExpired(context.Background(), time.Unix(deadline+60, 0)))

		_, err := h.applyEvent(context.Background(),
			eventMsg(codec.EventWithdrawn, 20, 0, withdrawnData(wei(5))))
		require.Error(t, err)
		assert.True(t, IsInvariant(err))
	})

	t.Run("goal met transitions ACTIVE to SUCCESS", func(t *testing.T) {
		h, st := newHandler(t)
		deadline := time.Now().Add(time.Hour).Unix()

		apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(5), deadline)))
		apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(5), wei(5))))

		campaign, err := st.GetCampaign(st.DB(), campaignAddr)
		require.NoError(t, err)
		assert.Equal(t, store.StatusSuccess, campaign.Status)
	})
}

func TestRefundConservation(t *testing.T) {
	h, _ := newHandler(t)
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(5), deadline)))
	apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(1), wei(1))))

	t.Run("refund exceeding contribution is an invariant violation", func(t *testing.T) {
		_, err := h.applyEvent(context.Background(),
			eventMsg(codec.EventRefunded, 20, 0, refundedData(donorA, wei(2))))
		require.Error(t, err)
		assert.True(t, IsInvariant(err))
	})

	t.Run("refund without contribution is retryable", func(t *testing.T) {
		_, err := h.applyEvent(context.Background(),
			eventMsg(codec.EventRefunded, 21, 0, refundedData(donorB, wei(1))))
		require.ErrorIs(t, err, ErrContributionNotFound)
		assert.True(t, isRetryable(err))
		assert.False(t, IsInvariant(err))
	})
}

func TestDonationForUnknownCampaignIsRetryable(t *testing.T) {
	h, _ := newHandler(t)

	_, err := h.applyEvent(context.Background(),
		eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(1), wei(1))))
	require.ErrorIs(t, err, store.ErrCampaignNotFound)
	assert.True(t, isRetryable(err))
}

func TestDeriveStatus(t *testing.T) {
	now := time.Unix(2_000_000_000, 0)
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()

	tests := []struct {
		name      string
		withdrawn bool
		total     *big.Int
		goal      *big.Int
		deadline  int64
		expected  string
	}{
		{"withdrawn wins", true, wei(10), wei(10), past, store.StatusWithdrawn},
		{"goal met", false, wei(10), wei(10), future, store.StatusSuccess},
		{"goal met after deadline", false, wei(10), wei(10), past, store.StatusSuccess},
		{"expired under goal", false, wei(1), wei(10), past, store.StatusFailed},
		{"running under goal", false, wei(1), wei(10), future, store.StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveStatus(tt.withdrawn, tt.total, tt.goal, tt.deadline, now))
		})
	}
}
