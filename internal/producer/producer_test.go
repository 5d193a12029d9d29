package producer

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/rpc"
	"github.com/fundlift/indexer/internal/store"
	"github.com/fundlift/indexer/internal/store/storetest"
)

var (
	factoryAddr  = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	campaignAddr = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	creatorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000A1")
)

// mockChain is a scripted rpc.ChainClient.
type mockChain struct {
	head    uint64
	hashes  map[uint64]common.Hash
	logs    map[string][]types.Log // keyed by first filter address
	queries []ethereum.FilterQuery
}

func (m *mockChain) LatestFinalizedBlock(ctx context.Context, confirmations uint64) (uint64, error) {
	if m.head < confirmations {
		return 0, nil
	}
	return m.head - confirmations, nil
}

func (m *mockChain) BlockHashAt(ctx context.Context, height uint64) (common.Hash, error) {
	if height > m.head {
		return common.Hash{}, rpc.ErrBlockNotFound
	}
	if hash, ok := m.hashes[height]; ok {
		return hash, nil
	}
	header := &types.Header{Number: new(big.Int).SetUint64(height), Time: 1690000000 + height}
	return header.Hash(), nil
}

func (m *mockChain) HeaderAt(ctx context.Context, height uint64) (*types.Header, error) {
	if height > m.head {
		return nil, rpc.ErrBlockNotFound
	}
	return &types.Header{Number: new(big.Int).SetUint64(height), Time: 1690000000 + height}, nil
}

func (m *mockChain) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	m.queries = append(m.queries, query)
	if len(query.Addresses) == 0 {
		return nil, nil
	}
	return m.logs[strings.ToLower(query.Addresses[0].Hex())], nil
}

func (m *mockChain) Close() {}

// mockPublisher records publishes; the confirm barrier returns waitErr.
type mockPublisher struct {
	events    []*messaging.EventMessage
	control   []messaging.Message
	waitCalls int
	waitErr   error
}

func (p *mockPublisher) Publish(ctx context.Context, msg messaging.Message, key string) error {
	p.control = append(p.control, msg)
	return nil
}

func (p *mockPublisher) PublishEvent(ctx context.Context, msg *messaging.EventMessage) error {
	p.events = append(p.events, msg)
	return nil
}

func (p *mockPublisher) PublishConfirmed(ctx context.Context, msg messaging.Message, key string) error {
	p.control = append(p.control, msg)
	return nil
}

func (p *mockPublisher) WaitAll(ctx context.Context) error {
	p.waitCalls++
	return p.waitErr
}

// mockControlQueue reports the scripted depths in order, then a drained
// control queue.
type mockControlQueue struct {
	depths []int
	calls  int
}

func (q *mockControlQueue) QueueDepth(ctx context.Context, queue string) (int, error) {
	if q.calls < len(q.depths) {
		depth := q.depths[q.calls]
		q.calls++
		return depth, nil
	}
	q.calls++
	return 0, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Chain.ChainID = storetest.TestChainID
	cfg.Chain.FactoryAddress = factoryAddr.Hex()
	cfg.Chain.Confirmations = 0
	cfg.Poll.BatchBlocks = 100
	cfg.Poll.Interval = config.NewDuration(10 * time.Millisecond)
	cfg.Reorg.RollbackDepth = 50
	cfg.Reconcile.Interval = config.NewDuration(time.Hour)
	return cfg
}

func newTestProducer(t *testing.T, st *store.Store, chain *mockChain,
	publisher *mockPublisher, control *mockControlQueue) *Producer {
	t.Helper()

	cdc, err := codec.New()
	require.NoError(t, err)

	cfg := testConfig()
	log := logger.NewNopLogger()
	reorg := NewReorgDetector(cfg, st, chain, publisher, control, log)
	return New(cfg, st, chain, cdc, publisher, reorg, log)
}

func campaignCreatedLog(t *testing.T, block uint64) types.Log {
	t.Helper()

	parsed, err := abi.JSON(strings.NewReader(`[{"type":"event","name":"CampaignCreated","inputs":[
		{"name":"factory","type":"address","indexed":true},
		{"name":"campaign","type":"address","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"goal","type":"uint256","indexed":false},
		{"name":"deadline","type":"uint256","indexed":false},
		{"name":"cid","type":"string","indexed":false}]}]`))
	require.NoError(t, err)

	data, err := parsed.Events["CampaignCreated"].Inputs.NonIndexed().Pack(
		big.NewInt(1000), big.NewInt(1_800_000_000), "QmTest")
	require.NoError(t, err)

	return types.Log{
		Address: factoryAddr,
		Topics: []common.Hash{
			parsed.Events["CampaignCreated"].ID,
			common.BytesToHash(factoryAddr.Bytes()),
			common.BytesToHash(campaignAddr.Bytes()),
			common.BytesToHash(creatorAddr.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xfeed01"),
		Index:       0,
		BlockHash:   common.HexToHash("0xb10c"),
	}
}

func TestIterateDiscoversAndCommits(t *testing.T) {
	st := storetest.NewStore(t)
	chain := &mockChain{
		head: 50,
		logs: map[string][]types.Log{
			strings.ToLower(factoryAddr.Hex()): {campaignCreatedLog(t, 42)},
		},
	}
	publisher := &mockPublisher{}
	p := newTestProducer(t, st, chain, publisher, &mockControlQueue{})

	advanced, err := p.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)

	// One CampaignCreated published, confirm barrier awaited before commit.
	require.Len(t, publisher.events, 1)
	assert.Equal(t, codec.EventCampaignCreated, publisher.events[0].EventType)
	assert.Equal(t, messaging.KeyCampaignCreated, publisher.events[0].RoutingKey())
	assert.Equal(t, "1000", publisher.events[0].EventData["goal"])
	assert.Equal(t, 1, publisher.waitCalls)

	// Cursor advanced to the batch target.
	cursor, err := st.ReadCursor(context.Background(), storetest.TestChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cursor.LastBlock)
	assert.NotEqual(t, common.Hash{}, cursor.LastBlockHash)

	// The freshly-discovered campaign joined the same batch's campaign scan.
	require.Len(t, chain.queries, 2)
	assert.Contains(t, chain.queries[1].Addresses, campaignAddr)

	// Caught up: the next pass does nothing.
	advanced, err = p.iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestIterateTargetBoundedByBatchSize(t *testing.T) {
	st := storetest.NewStore(t)
	chain := &mockChain{head: 10_000}
	publisher := &mockPublisher{}
	p := newTestProducer(t, st, chain, publisher, &mockControlQueue{})

	advanced, err := p.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)

	cursor, err := st.ReadCursor(context.Background(), storetest.TestChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cursor.LastBlock)
}

func TestIterateConfirmFailureDoesNotAdvanceCursor(t *testing.T) {
	st := storetest.NewStore(t)
	chain := &mockChain{head: 50}
	publisher := &mockPublisher{waitErr: assert.AnError}
	p := newTestProducer(t, st, chain, publisher, &mockControlQueue{})

	_, err := p.iterate(context.Background())
	require.Error(t, err)

	cursor, err := st.ReadCursor(context.Background(), storetest.TestChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor.LastBlock)
}

func TestIterateSkipsUndecodableLogs(t *testing.T) {
	st := storetest.NewStore(t)
	junk := types.Log{
		Address:     factoryAddr,
		Topics:      []common.Hash{crypto.Keccak256Hash([]byte("Junk()"))},
		BlockNumber: 40,
		TxHash:      common.HexToHash("0xdead"),
	}
	chain := &mockChain{
		head: 50,
		logs: map[string][]types.Log{strings.ToLower(factoryAddr.Hex()): {junk}},
	}
	publisher := &mockPublisher{}
	p := newTestProducer(t, st, chain, publisher, &mockControlQueue{})

	advanced, err := p.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)

	// The malformed log is skipped, never published; the batch still commits.
	assert.Empty(t, publisher.events)
	cursor, err := st.ReadCursor(context.Background(), storetest.TestChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cursor.LastBlock)
}

func TestReorgProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("no cursor, no reorg", func(t *testing.T) {
		st := storetest.NewStore(t)
		chain := &mockChain{head: 100}
		publisher := &mockPublisher{}
		detector := NewReorgDetector(testConfig(), st, chain, publisher, &mockControlQueue{}, logger.NewNopLogger())

		rolledBack, err := detector.Probe(ctx)
		require.NoError(t, err)
		assert.False(t, rolledBack)
		assert.Empty(t, publisher.control)
	})

	t.Run("matching hash, no reorg", func(t *testing.T) {
		st := storetest.NewStore(t)
		hash := common.HexToHash("0xaaaa01")
		chain := &mockChain{head: 200, hashes: map[uint64]common.Hash{100: hash}}
		require.NoError(t, st.CommitCursor(ctx, storetest.TestChainID, 100, hash))

		publisher := &mockPublisher{}
		detector := NewReorgDetector(testConfig(), st, chain, publisher, &mockControlQueue{}, logger.NewNopLogger())

		rolledBack, err := detector.Probe(ctx)
		require.NoError(t, err)
		assert.False(t, rolledBack)
	})

	t.Run("hash mismatch triggers rollback and rewind", func(t *testing.T) {
		st := storetest.NewStore(t)
		stored := common.HexToHash("0x01")
		current := common.HexToHash("0x02")
		chain := &mockChain{head: 200, hashes: map[uint64]common.Hash{100: current}}
		require.NoError(t, st.CommitCursor(ctx, storetest.TestChainID, 100, stored))

		publisher := &mockPublisher{}
		control := &mockControlQueue{depths: []int{2, 1, 0}}
		detector := NewReorgDetector(testConfig(), st, chain, publisher, control, logger.NewNopLogger())

		rolledBack, err := detector.Probe(ctx)
		require.NoError(t, err)
		assert.True(t, rolledBack)

		// Rollback window is (max(0, h-R), h] with R=50.
		require.Len(t, publisher.control, 1)
		rollback, ok := publisher.control[0].(*messaging.RollbackMessage)
		require.True(t, ok)
		assert.Equal(t, uint64(50), rollback.FromBlock)
		assert.Equal(t, uint64(100), rollback.ToBlock)

		// Cursor rewound to the window floor with the canonical hash.
		cursor, err := st.ReadCursor(ctx, storetest.TestChainID)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), cursor.LastBlock)

		// Control queue was polled until drained.
		assert.GreaterOrEqual(t, control.calls, 3)
	})

	t.Run("vanished height treated as deep reorg", func(t *testing.T) {
		st := storetest.NewStore(t)
		chain := &mockChain{head: 80} // cursor height 100 no longer exists
		require.NoError(t, st.CommitCursor(ctx, storetest.TestChainID, 100, common.HexToHash("0x01")))

		publisher := &mockPublisher{}
		detector := NewReorgDetector(testConfig(), st, chain, publisher, &mockControlQueue{}, logger.NewNopLogger())

		rolledBack, err := detector.Probe(ctx)
		require.NoError(t, err)
		assert.True(t, rolledBack)

		require.Len(t, publisher.control, 1)
		rollback := publisher.control[0].(*messaging.RollbackMessage)
		assert.Equal(t, uint64(50), rollback.FromBlock)
		assert.Equal(t, uint64(100), rollback.ToBlock)

		cursor, err := st.ReadCursor(ctx, storetest.TestChainID)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), cursor.LastBlock)
	})
}

func TestBackfillDoesNotTouchCursor(t *testing.T) {
	st := storetest.NewStore(t)
	chain := &mockChain{
		head: 1000,
		logs: map[string][]types.Log{
			strings.ToLower(factoryAddr.Hex()): {campaignCreatedLog(t, 120)},
		},
	}
	publisher := &mockPublisher{}
	p := newTestProducer(t, st, chain, publisher, &mockControlQueue{})

	require.NoError(t, p.Backfill(context.Background(), 100, 350))

	// Three batches of 100 blocks, each behind its own confirm barrier. The
	// scripted chain returns the factory log for every factory query.
	assert.Equal(t, 3, publisher.waitCalls)
	assert.Len(t, publisher.events, 3)

	cursor, err := st.ReadCursor(context.Background(), storetest.TestChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor.LastBlock)
}
