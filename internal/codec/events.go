package codec

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Event type names as emitted by the contracts.
const (
	EventCampaignCreated  = "CampaignCreated"
	EventDonationReceived = "DonationReceived"
	EventWithdrawn        = "Withdrawn"
	EventRefunded         = "Refunded"
)

// Event is a decoded, typed contract event.
type Event interface {
	// Name returns the canonical event name.
	Name() string

	// Data returns the wire representation of the decoded fields:
	// amounts as decimal strings, addresses case-normalized lower.
	Data() map[string]any
}

// CampaignCreated is emitted by the factory when a new campaign is deployed.
type CampaignCreated struct {
	Factory  common.Address
	Campaign common.Address
	Creator  common.Address
	Goal     *big.Int
	Deadline *big.Int
	CID      string
}

func (e *CampaignCreated) Name() string { return EventCampaignCreated }

func (e *CampaignCreated) Data() map[string]any {
	return map[string]any{
		"factory":  LowerHex(e.Factory),
		"campaign": LowerHex(e.Campaign),
		"creator":  LowerHex(e.Creator),
		"goal":     e.Goal.String(),
		"deadline": e.Deadline.String(),
		"cid":      e.CID,
	}
}

// DonationReceived is emitted by a campaign for every donation.
type DonationReceived struct {
	Campaign       common.Address
	Donor          common.Address
	Amount         *big.Int
	NewTotalRaised *big.Int
	Timestamp      *big.Int
}

func (e *DonationReceived) Name() string { return EventDonationReceived }

func (e *DonationReceived) Data() map[string]any {
	return map[string]any{
		"campaign":       LowerHex(e.Campaign),
		"donor":          LowerHex(e.Donor),
		"amount":         e.Amount.String(),
		"newTotalRaised": e.NewTotalRaised.String(),
		"timestamp":      e.Timestamp.String(),
	}
}

// Withdrawn is emitted when the creator withdraws a funded campaign.
type Withdrawn struct {
	Campaign  common.Address
	Creator   common.Address
	Amount    *big.Int
	Timestamp *big.Int
}

func (e *Withdrawn) Name() string { return EventWithdrawn }

func (e *Withdrawn) Data() map[string]any {
	return map[string]any{
		"campaign":  LowerHex(e.Campaign),
		"creator":   LowerHex(e.Creator),
		"amount":    e.Amount.String(),
		"timestamp": e.Timestamp.String(),
	}
}

// Refunded is emitted when a donor reclaims their donation from a failed campaign.
type Refunded struct {
	Campaign  common.Address
	Donor     common.Address
	Amount    *big.Int
	Timestamp *big.Int
}

func (e *Refunded) Name() string { return EventRefunded }

func (e *Refunded) Data() map[string]any {
	return map[string]any{
		"campaign":  LowerHex(e.Campaign),
		"donor":     LowerHex(e.Donor),
		"amount":    e.Amount.String(),
		"timestamp": e.Timestamp.String(),
	}
}

// LowerHex renders an address in the case-normalized form used on the wire
// and in the store.
func LowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
