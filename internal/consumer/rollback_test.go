package consumer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/store"
	"github.com/fundlift/indexer/internal/store/storetest"
)

func rollbackMsg(from, to uint64) *messaging.RollbackMessage {
	return &messaging.RollbackMessage{
		MessageType: messaging.MessageTypeRollback,
		ChainID:     storetest.TestChainID,
		PublishedAt: time.Now().UTC(),
		FromBlock:   from,
		ToBlock:     to,
		Reason:      "reorg_detected",
	}
}

func TestRollbackDropsOrphanedDonation(t *testing.T) {
	h, st := newHandler(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
	apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(3), wei(3))))
	// The donation at block 20 is later orphaned by a reorg.
	apply(t, h, eventMsg(codec.EventDonationReceived, 20, 0, donationData(donorA, wei(4), wei(7))))

	rollback := NewRollbackHandler(storetest.TestChainID, st, logger.NewNopLogger())
	require.NoError(t, rollback.Handle(ctx, rollbackMsg(19, 30)))

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, wei(3), campaign.TotalRaised)
	assert.Equal(t, store.StatusActive, campaign.Status)

	contrib, err := st.GetContribution(st.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	assert.Equal(t, wei(3), contrib.Contributed)

	surviving, err := st.SurvivingEvents(st.DB(), storetest.TestChainID, campaignAddr)
	require.NoError(t, err)
	assert.Len(t, surviving, 2) // CampaignCreated + first donation
}

func TestRollbackSymmetry(t *testing.T) {
	// Applying events then rolling the tail back must equal never having
	// applied the tail.
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour).Unix()

	buildPrefix := func(t *testing.T) (*Handler, *store.Store) {
		h, st := newHandler(t)
		apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
		apply(t, h, eventMsg(codec.EventDonationReceived, 11, 0, donationData(donorA, wei(2), wei(2))))
		return h, st
	}

	// Full history, then rollback of blocks (15, 40].
	hFull, stFull := buildPrefix(t)
	apply(t, hFull, eventMsg(codec.EventDonationReceived, 20, 0, donationData(donorB, wei(8), wei(10))))
	apply(t, hFull, eventMsg(codec.EventWithdrawn, 30, 0, withdrawnData(wei(10))))

	rollback := NewRollbackHandler(storetest.TestChainID, stFull, logger.NewNopLogger())
	require.NoError(t, rollback.Handle(ctx, rollbackMsg(15, 40)))

	// Prefix-only history.
	_, stPrefix := buildPrefix(t)

	full, err := stFull.GetCampaign(stFull.DB(), campaignAddr)
	require.NoError(t, err)
	prefix, err := stPrefix.GetCampaign(stPrefix.DB(), campaignAddr)
	require.NoError(t, err)

	assert.Equal(t, prefix.TotalRaised, full.TotalRaised)
	assert.Equal(t, prefix.Status, full.Status)
	assert.Equal(t, prefix.Withdrawn, full.Withdrawn)

	contribFull, err := stFull.GetContribution(stFull.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	contribPrefix, err := stPrefix.GetContribution(stPrefix.DB(), campaignAddr, donorA)
	require.NoError(t, err)
	assert.Equal(t, contribPrefix.Contributed, contribFull.Contributed)

	// The orphaned donor's row collapses to zero.
	contribB, err := stFull.GetContribution(stFull.DB(), campaignAddr, donorB)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), contribB.Contributed)
}

func TestRollbackRederivesStatus(t *testing.T) {
	h, st := newHandler(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(5), deadline)))
	apply(t, h, eventMsg(codec.EventDonationReceived, 20, 0, donationData(donorA, wei(5), wei(5))))

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, campaign.Status)

	// The goal-meeting donation is orphaned: SUCCESS reverts to ACTIVE.
	rollback := NewRollbackHandler(storetest.TestChainID, st, logger.NewNopLogger())
	require.NoError(t, rollback.Handle(ctx, rollbackMsg(15, 25)))

	campaign, err = st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, campaign.Status)
	assert.Equal(t, big.NewInt(0), campaign.TotalRaised)
}

func TestRollbackIsIdempotent(t *testing.T) {
	h, st := newHandler(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour).Unix()

	apply(t, h, eventMsg(codec.EventCampaignCreated, 10, 0, createdData(wei(10), deadline)))
	apply(t, h, eventMsg(codec.EventDonationReceived, 20, 0, donationData(donorA, wei(3), wei(3))))

	rollback := NewRollbackHandler(storetest.TestChainID, st, logger.NewNopLogger())
	require.NoError(t, rollback.Handle(ctx, rollbackMsg(15, 25)))
	require.NoError(t, rollback.Handle(ctx, rollbackMsg(15, 25)))

	campaign, err := st.GetCampaign(st.DB(), campaignAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), campaign.TotalRaised)
	assert.Equal(t, store.StatusActive, campaign.Status)
}
