package store

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Campaign status lattice. Event updates move forward only:
// ACTIVE → SUCCESS → WITHDRAWN, ACTIVE → WITHDRAWN and ACTIVE → FAILED.
// A rollback re-derives the status from the surviving events.
const (
	StatusActive    = "ACTIVE"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusWithdrawn = "WITHDRAWN"
)

// Chain identifies a blockchain instance. Rows are created out-of-band; the
// indexer only reads them.
type Chain struct {
	ID        int64     `meddler:"id,pk"`
	Name      string    `meddler:"name"`
	ChainID   uint64    `meddler:"chain_id"`
	RPCURL    string    `meddler:"rpc_url,zeroisnull"`
	CreatedAt time.Time `meddler:"created_at"`
	UpdatedAt time.Time `meddler:"updated_at"`
}

// SyncCursor marks the producer's last confirmed progress on a chain.
// last_block_hash is the on-chain hash observed at last_block; divergence
// from current chain state signals a reorg.
type SyncCursor struct {
	ChainID       uint64      `meddler:"chain_id"`
	LastBlock     uint64      `meddler:"last_block"`
	LastBlockHash common.Hash `meddler:"last_block_hash,hash"`
	UpdatedAt     time.Time   `meddler:"updated_at"`
}

// Campaign is one row per deployed campaign contract, keyed by its
// case-normalized address.
type Campaign struct {
	Address         common.Address `meddler:"address,address"`
	FactoryAddress  common.Address `meddler:"factory_address,address"`
	CreatorAddress  common.Address `meddler:"creator_address,address"`
	Goal            *big.Int       `meddler:"goal_wei,bigint"`
	DeadlineTS      int64          `meddler:"deadline_ts"`
	CID             string         `meddler:"cid,zeroisnull"`
	Status          string         `meddler:"status"`
	TotalRaised     *big.Int       `meddler:"total_raised_wei,bigint"`
	Withdrawn       bool           `meddler:"withdrawn"`
	WithdrawnAmount *big.Int       `meddler:"withdrawn_amount_wei,bigint"`
	CreatedAt       time.Time      `meddler:"created_at"`
	UpdatedAt       time.Time      `meddler:"updated_at"`
}

// Contribution is one row per (campaign, donor) pair. contributed_wei is a
// lifetime gross sum: refunds raise refunded_wei, never lower contributed_wei.
type Contribution struct {
	ID              int64          `meddler:"id,pk"`
	CampaignAddress common.Address `meddler:"campaign_address,address"`
	DonorAddress    common.Address `meddler:"donor_address,address"`
	Contributed     *big.Int       `meddler:"contributed_wei,bigint"`
	Refunded        *big.Int       `meddler:"refunded_wei,bigint"`
	CreatedAt       time.Time      `meddler:"created_at"`
	UpdatedAt       time.Time      `meddler:"updated_at"`
}

// Event is the canonical event log. (chain_id, tx_hash, log_index) is the
// idempotency key for the whole pipeline. Rows are never deleted; a reorg
// flips removed instead.
type Event struct {
	ID          int64          `meddler:"id,pk"`
	ChainID     uint64         `meddler:"chain_id"`
	TxHash      common.Hash    `meddler:"tx_hash,hash"`
	LogIndex    uint           `meddler:"log_index"`
	BlockNumber uint64         `meddler:"block_number"`
	BlockHash   common.Hash    `meddler:"block_hash,hash"`
	Address     common.Address `meddler:"address,address"`
	EventName   string         `meddler:"event_name"`
	EventData   string         `meddler:"event_data,zeroisnull"`
	Removed     bool           `meddler:"removed"`
	CreatedAt   time.Time      `meddler:"created_at"`
}
