package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/store"
)

// RollbackHandler processes control-plane rollback messages: it orphans
// every event in the rolled-back range and rebuilds derived state for the
// touched campaigns from the full surviving event history.
type RollbackHandler struct {
	chainID uint64
	store   *store.Store
	log     *logger.Logger
}

// NewRollbackHandler creates a rollback handler.
func NewRollbackHandler(chainID uint64, st *store.Store, log *logger.Logger) *RollbackHandler {
	return &RollbackHandler{
		chainID: chainID,
		store:   st,
		log:     log.WithComponent("rollback-handler"),
	}
}

// Handle runs the whole rollback in one transaction.
func (h *RollbackHandler) Handle(ctx context.Context, msg *messaging.RollbackMessage) error {
	h.log.Warnw("handling rollback",
		"from_block", msg.FromBlock,
		"to_block", msg.ToBlock,
		"reason", msg.Reason,
	)

	return h.store.WithTx(ctx, func(tx *sql.Tx) error {
		touched, err := h.store.MarkEventsRemoved(tx, h.chainID, msg.FromBlock, msg.ToBlock)
		if err != nil {
			return err
		}
		h.log.Infow("orphaned rollback range", "campaigns_touched", len(touched))

		for _, campaign := range touched {
			if err := h.rebuildCampaign(tx, campaign); err != nil {
				return fmt.Errorf("failed to rebuild campaign %s: %w", codec.LowerHex(campaign), err)
			}
		}
		return nil
	})
}

// rebuildCampaign recomputes every derived field of a campaign from its
// non-removed events: total raised, per-donor contributions, the withdrawn
// flag, and the status materialization.
func (h *RollbackHandler) rebuildCampaign(tx *sql.Tx, campaignAddr common.Address) error {
	campaign, err := h.store.GetCampaign(tx, campaignAddr)
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			// The CampaignCreated event itself was orphaned before the row
			// was written; nothing to rebuild.
			return nil
		}
		return err
	}

	events, err := h.store.SurvivingEvents(tx, h.chainID, campaignAddr)
	if err != nil {
		return err
	}

	type donorState struct {
		contributed *big.Int
		refunded    *big.Int
	}
	donors := make(map[common.Address]*donorState)

	// Start from every existing contribution row so donors whose events were
	// all orphaned collapse to zero instead of keeping stale values.
	existing, err := h.store.ContributionsForCampaign(tx, campaignAddr)
	if err != nil {
		return err
	}
	for _, c := range existing {
		donors[c.DonorAddress] = &donorState{contributed: big.NewInt(0), refunded: big.NewInt(0)}
	}

	totalRaised := big.NewInt(0)
	withdrawn := false
	var withdrawnAmount *big.Int

	for _, event := range events {
		var data map[string]any
		if event.EventData != "" {
			if err := json.Unmarshal([]byte(event.EventData), &data); err != nil {
				h.log.Errorw("skipping unparseable event during rebuild",
					"tx_hash", event.TxHash.Hex(), "log_index", event.LogIndex, "error", err)
				continue
			}
		}

		switch event.EventName {
		case codec.EventDonationReceived:
			donor, err := dataAddress(data, "donor")
			if err != nil {
				return err
			}
			amount, err := dataBigInt(data, "amount")
			if err != nil {
				return err
			}
			state, ok := donors[donor]
			if !ok {
				state = &donorState{contributed: big.NewInt(0), refunded: big.NewInt(0)}
				donors[donor] = state
			}
			state.contributed.Add(state.contributed, amount)
			totalRaised.Add(totalRaised, amount)

		case codec.EventRefunded:
			donor, err := dataAddress(data, "donor")
			if err != nil {
				return err
			}
			amount, err := dataBigInt(data, "amount")
			if err != nil {
				return err
			}
			state, ok := donors[donor]
			if !ok {
				state = &donorState{contributed: big.NewInt(0), refunded: big.NewInt(0)}
				donors[donor] = state
			}
			state.refunded.Add(state.refunded, amount)

		case codec.EventWithdrawn:
			amount, err := dataBigInt(data, "amount")
			if err != nil {
				return err
			}
			withdrawn = true
			withdrawnAmount = amount
		}
	}

	for donor, state := range donors {
		contribution := &store.Contribution{
			CampaignAddress: campaignAddr,
			DonorAddress:    donor,
			Contributed:     state.contributed,
			Refunded:        state.refunded,
		}
		if err := h.store.UpsertContribution(tx, contribution); err != nil {
			return err
		}
	}

	campaign.TotalRaised = totalRaised
	campaign.Withdrawn = withdrawn
	campaign.WithdrawnAmount = withdrawnAmount
	campaign.Status = DeriveStatus(withdrawn, totalRaised, campaign.Goal, campaign.DeadlineTS, time.Now().UTC())

	h.log.Infow("campaign rebuilt",
		"campaign", codec.LowerHex(campaignAddr),
		"total_raised", totalRaised.String(),
		"status", campaign.Status,
		"surviving_events", len(events),
	)
	return h.store.UpdateCampaignState(tx, campaign)
}
