package consumer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/store"
)

// StateUpdater applies the event-to-state algebra. Every method runs inside
// the caller's transaction; the algebra is commutative under duplicates and
// monotonic under out-of-order delivery.
type StateUpdater struct {
	chainID uint64
	store   *store.Store
	log     *logger.Logger
}

// NewStateUpdater creates a state updater for one chain.
func NewStateUpdater(chainID uint64, st *store.Store, log *logger.Logger) *StateUpdater {
	return &StateUpdater{
		chainID: chainID,
		store:   st,
		log:     log.WithComponent("state-updater"),
	}
}

// ApplyEvent routes a decoded event payload to its state update.
func (u *StateUpdater) ApplyEvent(tx meddler.DB, eventType string, data map[string]any) error {
	switch eventType {
	case codec.EventCampaignCreated:
		return u.ApplyCampaignCreated(tx, data)
	case codec.EventDonationReceived:
		return u.applyDonationReceived(tx, data)
	case codec.EventWithdrawn:
		return u.applyWithdrawn(tx, data)
	case codec.EventRefunded:
		return u.applyRefunded(tx, data)
	default:
		return invariantf("unknown event type %q", eventType)
	}
}

// ApplyCampaignCreated upserts the campaign row, insert-only on conflict:
// duplicate deliveries are folded into a no-op.
func (u *StateUpdater) ApplyCampaignCreated(tx meddler.DB, data map[string]any) error {
	campaign, err := dataAddress(data, "campaign")
	if err != nil {
		return err
	}
	factory, err := dataAddress(data, "factory")
	if err != nil {
		return err
	}
	creator, err := dataAddress(data, "creator")
	if err != nil {
		return err
	}
	goal, err := dataBigInt(data, "goal")
	if err != nil {
		return err
	}
	deadline, err := dataBigInt(data, "deadline")
	if err != nil {
		return err
	}
	cid, _ := data["cid"].(string)

	row := &store.Campaign{
		Address:        campaign,
		FactoryAddress: factory,
		CreatorAddress: creator,
		Goal:           goal,
		DeadlineTS:     deadline.Int64(),
		CID:            cid,
		Status:         store.StatusActive,
		TotalRaised:    big.NewInt(0),
		Withdrawn:      false,
	}
	if err := u.store.InsertCampaignIfAbsent(tx, row); err != nil {
		return err
	}

	u.log.Infow("campaign created", "campaign", codec.LowerHex(campaign))
	return nil
}

// applyDonationReceived accumulates the contribution and reconciles the
// campaign total as max(current, newTotalRaised): the event carries the
// post-event chain-observed total, so the maximum is correct under any
// permutation of deliveries.
func (u *StateUpdater) applyDonationReceived(tx meddler.DB, data map[string]any) error {
	campaignAddr, err := dataAddress(data, "campaign")
	if err != nil {
		return err
	}
	donor, err := dataAddress(data, "donor")
	if err != nil {
		return err
	}
	amount, err := dataBigInt(data, "amount")
	if err != nil {
		return err
	}
	newTotal, err := dataBigInt(data, "newTotalRaised")
	if err != nil {
		return err
	}
	if amount.Sign() < 0 || newTotal.Sign() < 0 {
		return invariantf("negative donation amount for campaign %s", codec.LowerHex(campaignAddr))
	}

	campaign, err := u.store.GetCampaign(tx, campaignAddr)
	if err != nil {
		return err
	}

	contribution, err := u.store.GetContribution(tx, campaignAddr, donor)
	if err != nil {
		return err
	}
	if contribution == nil {
		contribution = &store.Contribution{
			CampaignAddress: campaignAddr,
			DonorAddress:    donor,
			Contributed:     new(big.Int).Set(amount),
			Refunded:        big.NewInt(0),
		}
	} else {
		contribution.Contributed = new(big.Int).Add(contribution.Contributed, amount)
	}
	if err := u.store.UpsertContribution(tx, contribution); err != nil {
		return err
	}

	if newTotal.Cmp(campaign.TotalRaised) > 0 {
		campaign.TotalRaised = newTotal
	}
	if campaign.Status == store.StatusActive && campaign.TotalRaised.Cmp(campaign.Goal) >= 0 {
		campaign.Status = store.StatusSuccess
		u.log.Infow("campaign reached goal",
			"campaign", codec.LowerHex(campaignAddr),
			"total_raised", campaign.TotalRaised.String(),
			"goal", campaign.Goal.String(),
		)
	}

	return u.store.UpdateCampaignState(tx, campaign)
}

// applyWithdrawn marks the campaign withdrawn. WITHDRAWN is terminal and the
// transition is only legal from ACTIVE or SUCCESS.
func (u *StateUpdater) applyWithdrawn(tx meddler.DB, data map[string]any) error {
	campaignAddr, err := dataAddress(data, "campaign")
	if err != nil {
		return err
	}
	amount, err := dataBigInt(data, "amount")
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return invariantf("non-positive withdrawal amount for campaign %s", codec.LowerHex(campaignAddr))
	}

	campaign, err := u.store.GetCampaign(tx, campaignAddr)
	if err != nil {
		return err
	}
	if campaign.Status == store.StatusFailed {
		return invariantf("illegal status transition FAILED -> WITHDRAWN for campaign %s",
			codec.LowerHex(campaignAddr))
	}

	campaign.Withdrawn = true
	campaign.WithdrawnAmount = amount
	campaign.Status = store.StatusWithdrawn

	u.log.Infow("campaign withdrawn",
		"campaign", codec.LowerHex(campaignAddr),
		"amount", amount.String(),
	)
	return u.store.UpdateCampaignState(tx, campaign)
}

// applyRefunded raises the refund counter. The contribution counter is a
// lifetime sum and never decremented; status is owned by the reconciler.
func (u *StateUpdater) applyRefunded(tx meddler.DB, data map[string]any) error {
	campaignAddr, err := dataAddress(data, "campaign")
	if err != nil {
		return err
	}
	donor, err := dataAddress(data, "donor")
	if err != nil {
		return err
	}
	amount, err := dataBigInt(data, "amount")
	if err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return invariantf("negative refund amount for campaign %s", codec.LowerHex(campaignAddr))
	}

	contribution, err := u.store.GetContribution(tx, campaignAddr, donor)
	if err != nil {
		return err
	}
	if contribution == nil {
		return fmt.Errorf("%w: campaign=%s donor=%s",
			ErrContributionNotFound, codec.LowerHex(campaignAddr), codec.LowerHex(donor))
	}

	refunded := new(big.Int).Add(contribution.Refunded, amount)
	if refunded.Cmp(contribution.Contributed) > 0 {
		return invariantf("refund exceeds contribution: campaign=%s donor=%s refunded=%s contributed=%s",
			codec.LowerHex(campaignAddr), codec.LowerHex(donor),
			refunded.String(), contribution.Contributed.String())
	}
	contribution.Refunded = refunded

	return u.store.UpsertContribution(tx, contribution)
}

// DeriveStatus materializes the status from its defining inputs. The stored
// status is a cache of this function; the updater and the reconciler only
// ever move it along the lattice.
func DeriveStatus(withdrawn bool, totalRaised, goal *big.Int, deadlineTS int64, now time.Time) string {
	switch {
	case withdrawn:
		return store.StatusWithdrawn
	case totalRaised.Cmp(goal) >= 0:
		return store.StatusSuccess
	case deadlineTS < now.Unix():
		return store.StatusFailed
	default:
		return store.StatusActive
	}
}

func dataAddress(data map[string]any, key string) (common.Address, error) {
	raw, ok := data[key].(string)
	if !ok || !common.IsHexAddress(raw) {
		return common.Address{}, invariantf("event_data.%s is not an address: %v", key, data[key])
	}
	return common.HexToAddress(raw), nil
}

func dataBigInt(data map[string]any, key string) (*big.Int, error) {
	switch v := data[key].(type) {
	case string:
		value, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, invariantf("event_data.%s is not a decimal amount: %q", key, v)
		}
		return value, nil
	case float64:
		// Tolerated for integral JSON numbers from older producers.
		if v != float64(int64(v)) {
			return nil, invariantf("event_data.%s is not an integral amount: %v", key, v)
		}
		return big.NewInt(int64(v)), nil
	case json.Number:
		value, ok := new(big.Int).SetString(v.String(), 10)
		if !ok {
			return nil, invariantf("event_data.%s is not a decimal amount: %q", key, v.String())
		}
		return value, nil
	default:
		return nil, invariantf("event_data.%s is missing or malformed: %v", key, data[key])
	}
}
