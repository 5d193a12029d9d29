package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

const eventColumns = `id, chain_id, tx_hash, log_index, block_number, block_hash, address,
	event_name, event_data, removed, created_at`

// InsertEvent appends an event to the canonical log. The uniqueness
// constraint on (chain_id, tx_hash, log_index) is the dedup barrier: a
// conflicting insert is a no-op and reports inserted=false.
func (s *Store) InsertEvent(db meddler.DB, e *Event) (inserted bool, err error) {
	result, err := db.Exec(s.bind(`
		INSERT INTO events (chain_id, tx_hash, log_index, block_number, block_hash, address,
			event_name, event_data, removed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`),
		e.ChainID, e.TxHash.Hex(), e.LogIndex, e.BlockNumber, e.BlockHash.Hex(),
		lowerHex(e.Address), e.EventName, nullableString(e.EventData), e.Removed,
		time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert event %s:%d: %w", e.TxHash.Hex(), e.LogIndex, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

// MarkEventsRemoved flips removed=true on every surviving event in the block
// range (fromBlock, toBlock] and returns the distinct campaign addresses the
// orphaned events touched.
func (s *Store) MarkEventsRemoved(db meddler.DB, chainID, fromBlock, toBlock uint64) ([]common.Address, error) {
	rows, err := db.Query(s.bind(`
		SELECT DISTINCT address FROM events
		WHERE chain_id = ? AND block_number > ? AND block_number <= ? AND removed = ?`),
		chainID, fromBlock, toBlock, false)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollback range: %w", err)
	}
	defer rows.Close()

	var touched []common.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("failed to scan touched address: %w", err)
		}
		touched = append(touched, common.HexToAddress(hex))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	_, err = db.Exec(s.bind(`
		UPDATE events SET removed = ?
		WHERE chain_id = ? AND block_number > ? AND block_number <= ? AND removed = ?`),
		true, chainID, fromBlock, toBlock, false)
	if err != nil {
		return nil, fmt.Errorf("failed to mark events removed: %w", err)
	}

	return touched, nil
}

// SurvivingEvents returns every non-removed event of a campaign in
// (block_number, log_index) order. Used to rebuild derived state after a
// rollback.
func (s *Store) SurvivingEvents(db meddler.DB, chainID uint64, campaign common.Address) ([]*Event, error) {
	var events []*Event
	err := meddler.QueryAll(db, &events, s.bind(`
		SELECT `+eventColumns+` FROM events
		WHERE chain_id = ? AND address = ? AND removed = ?
		ORDER BY block_number, log_index`),
		chainID, lowerHex(campaign), false)
	if err != nil {
		return nil, fmt.Errorf("failed to load surviving events for %s: %w", lowerHex(campaign), err)
	}
	return events, nil
}

// EventCount returns the number of event rows matching the idempotency key.
func (s *Store) EventCount(db meddler.DB, chainID uint64, txHash common.Hash, logIndex uint) (int, error) {
	var count int
	err := db.QueryRow(s.bind(
		"SELECT COUNT(*) FROM events WHERE chain_id = ? AND tx_hash = ? AND log_index = ?"),
		chainID, strings.ToLower(txHash.Hex()), logIndex).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
