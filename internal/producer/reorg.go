package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/metrics"
	"github.com/fundlift/indexer/internal/rpc"
	"github.com/fundlift/indexer/internal/store"
)

// controlDrainPoll is how often the control queue depth is re-checked while
// waiting for a rollback to be consumed.
const controlDrainPoll = 500 * time.Millisecond

// Publisher is the slice of the messaging publisher the producer depends on.
type Publisher interface {
	Publish(ctx context.Context, msg messaging.Message, routingKey string) error
	PublishEvent(ctx context.Context, msg *messaging.EventMessage) error
	PublishConfirmed(ctx context.Context, msg messaging.Message, routingKey string) error
	WaitAll(ctx context.Context) error
}

// ControlQueue exposes the queue-depth probe used as the consumer-ack
// barrier after a rollback.
type ControlQueue interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// Compile-time checks that the messaging implementations satisfy the slices.
var (
	_ Publisher    = (*messaging.Publisher)(nil)
	_ ControlQueue = (*messaging.Broker)(nil)
)

// ReorgDetector compares the stored cursor hash against the canonical chain
// before each poll iteration, and runs the rollback protocol when they
// diverge.
type ReorgDetector struct {
	cfg       *config.Config
	store     *store.Store
	chain     rpc.ChainClient
	publisher Publisher
	broker    ControlQueue
	log       *logger.Logger
}

// NewReorgDetector creates a reorg detector.
func NewReorgDetector(
	cfg *config.Config,
	st *store.Store,
	chain rpc.ChainClient,
	publisher Publisher,
	broker ControlQueue,
	log *logger.Logger,
) *ReorgDetector {
	return &ReorgDetector{
		cfg:       cfg,
		store:     st,
		chain:     chain,
		publisher: publisher,
		broker:    broker,
		log:       log.WithComponent("reorg-detector"),
	}
}

// Probe checks the stored cursor against the chain. When a reorg is detected
// it publishes a rollback, rewinds the cursor, and blocks until the control
// queue drains. Returns true when a rollback happened: the caller must
// re-read the cursor before publishing anything.
func (r *ReorgDetector) Probe(ctx context.Context) (bool, error) {
	cursor, err := r.store.ReadCursor(ctx, r.cfg.Chain.ChainID)
	if err != nil {
		return false, err
	}

	// Nothing indexed yet, or a cursor committed before the hash could be
	// observed: nothing to verify against.
	if cursor.LastBlock == 0 || cursor.LastBlockHash == (common.Hash{}) {
		return false, nil
	}

	currentHash, err := r.chain.BlockHashAt(ctx, cursor.LastBlock)
	if errors.Is(err, rpc.ErrBlockNotFound) {
		// The chain no longer contains the cursor height: deep reorg.
		r.log.Warnw("cursor height vanished from chain, treating as deep reorg",
			"block", cursor.LastBlock)
		return true, r.rollback(ctx, cursor.LastBlock)
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch hash at cursor height %d: %w", cursor.LastBlock, err)
	}

	if currentHash == cursor.LastBlockHash {
		return false, nil
	}

	r.log.Warnw("reorg detected at cursor",
		"block", cursor.LastBlock,
		"stored_hash", cursor.LastBlockHash.Hex(),
		"current_hash", currentHash.Hex(),
	)
	return true, r.rollback(ctx, cursor.LastBlock)
}

// rollback publishes a confirmed rollback message covering
// (max(0, at−depth), at], rewinds the cursor to the window floor, and waits
// for the control queue to drain so no event messages for the affected range
// are published before the consumer has processed the rollback.
func (r *ReorgDetector) rollback(ctx context.Context, at uint64) error {
	metrics.ReorgsDetected.Inc()

	depth := r.cfg.Reorg.RollbackDepth
	var from uint64
	if at > depth {
		from = at - depth
	}

	msg := &messaging.RollbackMessage{
		MessageType: messaging.MessageTypeRollback,
		ChainID:     r.cfg.Chain.ChainID,
		PublishedAt: time.Now().UTC(),
		FromBlock:   from,
		ToBlock:     at,
		Reason:      "reorg_detected",
	}

	if err := r.publisher.PublishConfirmed(ctx, msg, messaging.KeyRollback); err != nil {
		return fmt.Errorf("failed to publish rollback for blocks %d-%d: %w", from, at, err)
	}
	r.log.Infow("published rollback", "from_block", from, "to_block", at)

	// Rewind the cursor to the window floor and its now-canonical hash.
	rewindHash := common.Hash{}
	if from > 0 {
		hash, err := r.canonicalHashNear(ctx, from)
		if err != nil {
			return err
		}
		rewindHash = hash
	}
	if err := r.store.CommitCursor(ctx, r.cfg.Chain.ChainID, from, rewindHash); err != nil {
		return err
	}
	r.log.Infow("cursor rewound", "block", from, "block_hash", rewindHash.Hex())

	return r.waitControlDrained(ctx)
}

// canonicalHashNear fetches the hash at height, probing linearly backward
// (bounded by the rollback depth) when the height itself no longer exists.
func (r *ReorgDetector) canonicalHashNear(ctx context.Context, height uint64) (common.Hash, error) {
	limit := r.cfg.Reorg.RollbackDepth
	for i := uint64(0); i <= limit && height >= i; i++ {
		hash, err := r.chain.BlockHashAt(ctx, height-i)
		if errors.Is(err, rpc.ErrBlockNotFound) {
			continue
		}
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to fetch hash at %d: %w", height-i, err)
		}
		return hash, nil
	}
	// The whole probe window is beyond head; restart from the zero hash and
	// let the next iteration re-verify.
	return common.Hash{}, nil
}

// waitControlDrained blocks until the control queue is empty, bounding the
// window in which the rollback is still unprocessed.
func (r *ReorgDetector) waitControlDrained(ctx context.Context) error {
	for {
		depth, err := r.broker.QueueDepth(ctx, messaging.QueueControl)
		if err != nil {
			return fmt.Errorf("failed to inspect control queue: %w", err)
		}
		if depth == 0 {
			return nil
		}

		r.log.Debugw("waiting for control queue to drain", "depth", depth)
		select {
		case <-time.After(controlDrainPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
