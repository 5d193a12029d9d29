package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// ReadCursor returns the sync cursor for a chain. A missing row means the
// producer is bootstrapping: (0, zero-hash) is returned without error.
func (s *Store) ReadCursor(ctx context.Context, chainID uint64) (*SyncCursor, error) {
	var cursor SyncCursor
	err := meddler.QueryRow(s.db, &cursor,
		s.bind("SELECT chain_id, last_block, last_block_hash, updated_at FROM sync_state WHERE chain_id = ?"),
		chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return &SyncCursor{ChainID: chainID, LastBlock: 0, LastBlockHash: common.Hash{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return &cursor, nil
}

// CommitCursor persists the cursor for a chain. Idempotent, last-write-wins.
// Called only after the broker has confirmed the batch the cursor covers.
func (s *Store) CommitCursor(ctx context.Context, chainID, lastBlock uint64, lastBlockHash common.Hash) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO sync_state (chain_id, last_block, last_block_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain_id) DO UPDATE SET
			last_block = excluded.last_block,
			last_block_hash = excluded.last_block_hash,
			updated_at = excluded.updated_at`),
		chainID, lastBlock, lastBlockHash.Hex(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to commit sync cursor: %w", err)
	}

	s.log.Debugw("cursor committed", "chain_id", chainID, "last_block", lastBlock,
		"last_block_hash", lastBlockHash.Hex())
	return nil
}
