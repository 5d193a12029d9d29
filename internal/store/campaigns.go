package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// ErrCampaignNotFound indicates the referenced campaign row does not exist.
var ErrCampaignNotFound = errors.New("campaign not found")

const campaignColumns = `address, factory_address, creator_address, goal_wei, deadline_ts, cid,
	status, total_raised_wei, withdrawn, withdrawn_amount_wei, created_at, updated_at`

// KnownCampaignAddresses returns every campaign contract address in the
// store. The producer refreshes its log-fetch address set from this at the
// start of each iteration.
func (s *Store) KnownCampaignAddresses(db meddler.DB) ([]common.Address, error) {
	rows, err := db.Query("SELECT address FROM campaigns ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign addresses: %w", err)
	}
	defer rows.Close()

	var addresses []common.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("failed to scan campaign address: %w", err)
		}
		addresses = append(addresses, common.HexToAddress(hex))
	}
	return addresses, rows.Err()
}

// GetCampaign loads one campaign by address.
func (s *Store) GetCampaign(db meddler.DB, address common.Address) (*Campaign, error) {
	var campaign Campaign
	err := meddler.QueryRow(db, &campaign,
		s.bind("SELECT "+campaignColumns+" FROM campaigns WHERE address = ?"),
		lowerHex(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", lowerHex(address), err)
	}
	return &campaign, nil
}

// InsertCampaignIfAbsent creates the campaign row, doing nothing when the row
// already exists. Idempotent under duplicate CampaignCreated deliveries.
func (s *Store) InsertCampaignIfAbsent(db meddler.DB, c *Campaign) error {
	now := time.Now().UTC()
	_, err := db.Exec(s.bind(`
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO NOTHING`),
		lowerHex(c.Address), lowerHex(c.FactoryAddress), lowerHex(c.CreatorAddress),
		c.Goal.String(), c.DeadlineTS, nullableString(c.CID),
		c.Status, c.TotalRaised.String(), c.Withdrawn, nullableBigInt(c.WithdrawnAmount),
		now, now)
	if err != nil {
		return fmt.Errorf("failed to insert campaign %s: %w", lowerHex(c.Address), err)
	}
	return nil
}

// UpdateCampaignState persists the mutable derived fields of a campaign.
func (s *Store) UpdateCampaignState(db meddler.DB, c *Campaign) error {
	result, err := db.Exec(s.bind(`
		UPDATE campaigns
		SET status = ?, total_raised_wei = ?, withdrawn = ?, withdrawn_amount_wei = ?, updated_at = ?
		WHERE address = ?`),
		c.Status, c.TotalRaised.String(), c.Withdrawn, nullableBigInt(c.WithdrawnAmount),
		time.Now().UTC(), lowerHex(c.Address))
	if err != nil {
		return fmt.Errorf("failed to update campaign %s: %w", lowerHex(c.Address), err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, lowerHex(c.Address))
	}
	return nil
}

// GetContribution loads the (campaign, donor) contribution row if present.
func (s *Store) GetContribution(db meddler.DB, campaign, donor common.Address) (*Contribution, error) {
	var contribution Contribution
	err := meddler.QueryRow(db, &contribution, s.bind(`
		SELECT id, campaign_address, donor_address, contributed_wei, refunded_wei, created_at, updated_at
		FROM contributions WHERE campaign_address = ? AND donor_address = ?`),
		lowerHex(campaign), lowerHex(donor))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contribution: %w", err)
	}
	return &contribution, nil
}

// UpsertContribution writes the (campaign, donor) row, accumulating on the
// uniqueness constraint.
func (s *Store) UpsertContribution(db meddler.DB, c *Contribution) error {
	now := time.Now().UTC()
	_, err := db.Exec(s.bind(`
		INSERT INTO contributions (campaign_address, donor_address, contributed_wei, refunded_wei, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_address, donor_address) DO UPDATE SET
			contributed_wei = excluded.contributed_wei,
			refunded_wei = excluded.refunded_wei,
			updated_at = excluded.updated_at`),
		lowerHex(c.CampaignAddress), lowerHex(c.DonorAddress),
		c.Contributed.String(), c.Refunded.String(), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert contribution: %w", err)
	}
	return nil
}

// ContributionsForCampaign returns every contribution row of a campaign.
func (s *Store) ContributionsForCampaign(db meddler.DB, campaign common.Address) ([]*Contribution, error) {
	var contributions []*Contribution
	err := meddler.QueryAll(db, &contributions, s.bind(`
		SELECT id, campaign_address, donor_address, contributed_wei, refunded_wei, created_at, updated_at
		FROM contributions WHERE campaign_address = ? ORDER BY donor_address`),
		lowerHex(campaign))
	if err != nil {
		return nil, fmt.Errorf("failed to load contributions for %s: %w", lowerHex(campaign), err)
	}
	return contributions, nil
}

// ExpiredActiveCampaigns returns campaigns still ACTIVE whose deadline has
// passed and which have not been withdrawn. Input to the reconciler.
func (s *Store) ExpiredActiveCampaigns(db meddler.DB, now time.Time) ([]*Campaign, error) {
	var campaigns []*Campaign
	err := meddler.QueryAll(db, &campaigns, s.bind(`
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = ? AND deadline_ts < ? AND withdrawn = ?
		ORDER BY address`),
		StatusActive, now.Unix(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired campaigns: %w", err)
	}
	return campaigns, nil
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBigInt(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}
