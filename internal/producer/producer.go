package producer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/metrics"
	"github.com/fundlift/indexer/internal/rpc"
	"github.com/fundlift/indexer/internal/store"
)

// Producer is the single-threaded polling loop: it discovers new campaign
// contracts, fans log fetches out across the known campaign set, publishes
// typed messages, and advances the sync cursor only behind the publisher
// confirm barrier.
type Producer struct {
	cfg       *config.Config
	store     *store.Store
	chain     rpc.ChainClient
	codec     *codec.Codec
	publisher Publisher
	reorg     *ReorgDetector
	log       *logger.Logger

	lastReconcile time.Time
}

// New creates a producer.
func New(
	cfg *config.Config,
	st *store.Store,
	chain rpc.ChainClient,
	cdc *codec.Codec,
	publisher Publisher,
	reorg *ReorgDetector,
	log *logger.Logger,
) *Producer {
	return &Producer{
		cfg:           cfg,
		store:         st,
		chain:         chain,
		codec:         cdc,
		publisher:     publisher,
		reorg:         reorg,
		log:           log.WithComponent("producer"),
		lastReconcile: time.Now(),
	}
}

// Run polls until the context is cancelled. Errors inside an iteration never
// advance the cursor; transient failures are logged and retried on the next
// tick.
func (p *Producer) Run(ctx context.Context) error {
	p.log.Infow("producer started",
		"factory", p.cfg.Chain.FactoryAddress,
		"chain_id", p.cfg.Chain.ChainID,
		"batch_blocks", p.cfg.Poll.BatchBlocks,
	)
	metrics.ComponentHealth.WithLabelValues("producer").Set(1)
	defer metrics.ComponentHealth.WithLabelValues("producer").Set(0)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("producer stopped")
			return nil
		default:
		}

		advanced, err := p.iterate(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				p.log.Info("producer stopped")
				return nil
			}
			p.log.Errorw("poll iteration failed", "error", err)
		}

		p.reconcileTick(ctx)

		if !advanced || err != nil {
			select {
			case <-time.After(p.cfg.Poll.Interval.Duration):
			case <-ctx.Done():
				p.log.Info("producer stopped")
				return nil
			}
		}
	}
}

// iterate performs one §-ordered poll pass: reorg probe, target computation,
// factory scan, campaign scan, confirm barrier, cursor commit.
func (p *Producer) iterate(ctx context.Context) (bool, error) {
	started := time.Now()

	rolledBack, err := p.reorg.Probe(ctx)
	if err != nil {
		return false, fmt.Errorf("reorg probe failed: %w", err)
	}
	if rolledBack {
		// Re-enter with a fresh cursor on the next pass.
		return true, nil
	}

	finalized, err := p.chain.LatestFinalizedBlock(ctx, p.cfg.Chain.Confirmations)
	if err != nil {
		return false, fmt.Errorf("failed to fetch finalized height: %w", err)
	}

	cursor, err := p.store.ReadCursor(ctx, p.cfg.Chain.ChainID)
	if err != nil {
		return false, err
	}
	metrics.ChainLag.Set(float64(finalized - min(finalized, cursor.LastBlock)))

	target := cursor.LastBlock + p.cfg.Poll.BatchBlocks
	if finalized < target {
		target = finalized
	}
	if target <= cursor.LastBlock {
		return false, nil
	}
	fromBlock := cursor.LastBlock + 1

	published, err := p.publishRange(ctx, fromBlock, target)
	if err != nil {
		return false, err
	}

	// Confirm barrier: the cursor moves only once the broker owns the batch.
	if err := p.publisher.WaitAll(ctx); err != nil {
		return false, fmt.Errorf("publisher confirm barrier failed: %w", err)
	}

	targetHeader, err := p.chain.HeaderAt(ctx, target)
	if err != nil {
		return false, fmt.Errorf("failed to fetch target header %d: %w", target, err)
	}
	if err := p.store.CommitCursor(ctx, p.cfg.Chain.ChainID, target, targetHeader.Hash()); err != nil {
		return false, err
	}

	metrics.CursorHeight.Set(float64(target))
	metrics.BatchDuration.Observe(time.Since(started).Seconds())

	p.log.Infow("batch committed",
		"from_block", fromBlock,
		"to_block", target,
		"events_published", published,
	)
	return true, nil
}

// publishRange scans the factory and the known campaign set over
// [fromBlock, toBlock] and publishes every decodable event.
func (p *Producer) publishRange(ctx context.Context, fromBlock, toBlock uint64) (int, error) {
	headers := make(map[uint64]*types.Header)
	published := 0

	// Factory scan: discovers campaigns; newly seen addresses join the
	// campaign scan of this same batch.
	factoryLogs, err := p.chain.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{p.cfg.Factory()},
		Topics:    [][]common.Hash{{p.codec.CampaignCreatedTopic()}},
	})
	if err != nil {
		return 0, fmt.Errorf("factory log fetch failed: %w", err)
	}

	var discovered []common.Address
	for _, lg := range factoryLogs {
		event, ok := p.decode(lg)
		if !ok {
			continue
		}
		if created, ok := event.(*codec.CampaignCreated); ok {
			discovered = append(discovered, created.Campaign)
		}
		if err := p.publishEvent(ctx, lg, event, headers); err != nil {
			return published, err
		}
		published++
	}

	// Campaign scan: the address set is refreshed from the store every
	// iteration so campaigns created by other processes are not missed.
	addresses, err := p.store.KnownCampaignAddresses(p.store.DB())
	if err != nil {
		return published, err
	}
	addresses = mergeAddresses(addresses, discovered)

	if len(addresses) > 0 {
		campaignLogs, err := p.chain.GetLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: addresses,
			Topics:    [][]common.Hash{p.codec.CampaignTopics()},
		})
		if err != nil {
			return published, fmt.Errorf("campaign log fetch failed: %w", err)
		}

		for _, lg := range campaignLogs {
			event, ok := p.decode(lg)
			if !ok {
				continue
			}
			if err := p.publishEvent(ctx, lg, event, headers); err != nil {
				return published, err
			}
			published++
		}
	}

	return published, nil
}

// decode converts a raw log, logging and skipping undecodable ones. Skipped
// logs are never published, so they never reach the event sink.
func (p *Producer) decode(lg types.Log) (codec.Event, bool) {
	event, err := p.codec.Decode(lg)
	if err != nil {
		metrics.DecodeFailures.Inc()
		p.log.Warnw("skipping undecodable log",
			"tx_hash", lg.TxHash.Hex(),
			"log_index", lg.Index,
			"error", err,
		)
		return nil, false
	}
	return event, true
}

func (p *Producer) publishEvent(ctx context.Context, lg types.Log, event codec.Event,
	headers map[uint64]*types.Header) error {
	header, ok := headers[lg.BlockNumber]
	if !ok {
		h, err := p.chain.HeaderAt(ctx, lg.BlockNumber)
		if err != nil {
			return fmt.Errorf("failed to fetch header %d: %w", lg.BlockNumber, err)
		}
		headers[lg.BlockNumber] = h
		header = h
	}

	msg := &messaging.EventMessage{
		MessageType: messaging.MessageTypeEvent,
		ChainID:     p.cfg.Chain.ChainID,
		PublishedAt: time.Now().UTC(),
		EventType:   event.Name(),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		Address:     codec.LowerHex(lg.Address),
		Timestamp:   int64(header.Time),
		EventData:   event.Data(),
	}
	msg.Normalize()

	if err := p.publisher.PublishEvent(ctx, msg); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(event.Name()).Inc()
	return nil
}

// reconcileTick publishes one reconciliation message per configured interval.
func (p *Producer) reconcileTick(ctx context.Context) {
	if time.Since(p.lastReconcile) < p.cfg.Reconcile.Interval.Duration {
		return
	}

	msg := &messaging.ReconciliationMessage{
		MessageType:        messaging.MessageTypeReconciliation,
		ChainID:            p.cfg.Chain.ChainID,
		PublishedAt:        time.Now().UTC(),
		TriggeredAt:        time.Now().UTC(),
		ReconciliationType: messaging.ReconciliationMarkExpired,
	}
	if err := p.publisher.PublishConfirmed(ctx, msg, messaging.KeyReconciliation); err != nil {
		p.log.Errorw("failed to publish reconciliation tick", "error", err)
		return
	}

	p.lastReconcile = time.Now()
	p.log.Debug("published reconciliation tick")
}

// Backfill publishes events for a bounded historical range without touching
// the sync cursor. Duplicates with the live producer are folded by the
// consumer's idempotent sink.
func (p *Producer) Backfill(ctx context.Context, fromBlock, toBlock uint64) error {
	p.log.Infow("backfill started", "from_block", fromBlock, "to_block", toBlock)

	total := 0
	for current := fromBlock; current <= toBlock; {
		end := current + p.cfg.Poll.BatchBlocks - 1
		if end > toBlock {
			end = toBlock
		}

		published, err := p.publishRange(ctx, current, end)
		if err != nil {
			return fmt.Errorf("backfill failed at blocks %d-%d: %w", current, end, err)
		}
		if err := p.publisher.WaitAll(ctx); err != nil {
			return fmt.Errorf("backfill confirm barrier failed at blocks %d-%d: %w", current, end, err)
		}

		total += published
		p.log.Infow("backfill batch confirmed", "from_block", current, "to_block", end, "events", published)
		current = end + 1
	}

	p.log.Infow("backfill complete", "events_published", total)
	return nil
}

func mergeAddresses(known, discovered []common.Address) []common.Address {
	if len(discovered) == 0 {
		return known
	}

	seen := make(map[common.Address]struct{}, len(known))
	for _, a := range known {
		seen[a] = struct{}{}
	}
	for _, a := range discovered {
		if _, ok := seen[a]; !ok {
			known = append(known, a)
			seen[a] = struct{}{}
		}
	}
	return known
}
