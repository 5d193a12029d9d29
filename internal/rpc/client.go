package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/fundlift/indexer/internal/config"
)

// ChainClient is the read-only view of the chain the producer depends on.
type ChainClient interface {
	LatestFinalizedBlock(ctx context.Context, confirmations uint64) (uint64, error)
	BlockHashAt(ctx context.Context, height uint64) (common.Hash, error)
	HeaderAt(ctx context.Context, height uint64) (*types.Header, error)
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Compile-time check to ensure Client implements the ChainClient interface.
var _ ChainClient = (*Client)(nil)

// Client wraps the Ethereum RPC client with the operations the producer needs.
// It is stateless: no block data is cached across calls, and every result may
// be superseded by a reorg.
type Client struct {
	eth     *ethclient.Client
	rpc     *ethrpc.Client
	retry   *config.RetryConfig
	timeout config.Duration
}

// NewClient creates a new RPC client connected to the given endpoint.
func NewClient(ctx context.Context, endpoint string, retry *config.RetryConfig, timeout config.Duration) (*Client, error) {
	rpcClient, err := ethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	return &Client{
		eth:     ethclient.NewClient(rpcClient),
		rpc:     rpcClient,
		retry:   retry,
		timeout: timeout,
	}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() {
	c.eth.Close()
}

// LatestFinalizedBlock returns the head height minus the configured number of
// confirmations, floored at zero.
func (c *Client) LatestFinalizedBlock(ctx context.Context, confirmations uint64) (uint64, error) {
	var head uint64
	err := retryWithBackoff(ctx, c.retry, "block_number", func() error {
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()

		n, err := c.eth.BlockNumber(reqCtx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	if head < confirmations {
		return 0, nil
	}
	return head - confirmations, nil
}

// BlockHashAt returns the canonical hash of the block at the given height.
// Returns ErrBlockNotFound when the height is beyond the current head.
func (c *Client) BlockHashAt(ctx context.Context, height uint64) (common.Hash, error) {
	header, err := c.HeaderAt(ctx, height)
	if err != nil {
		return common.Hash{}, err
	}
	return header.Hash(), nil
}

// HeaderAt retrieves the header for a specific block number.
// Returns ErrBlockNotFound when the height is beyond the current head.
func (c *Client) HeaderAt(ctx context.Context, height uint64) (*types.Header, error) {
	var header *types.Header
	err := retryWithBackoff(ctx, c.retry, "get_header", func() error {
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()

		h, err := c.eth.HeaderByNumber(reqCtx, new(big.Int).SetUint64(height))
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return header, nil
}

// GetLogs retrieves logs matching the given filter query. Both bounds are
// inclusive and the result is ordered by (block_number, log_index) ascending,
// as guaranteed by eth_getLogs.
func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := retryWithBackoff(ctx, c.retry, "get_logs", func() error {
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()

		l, err := c.eth.FilterLogs(reqCtx, query)
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout.Duration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout.Duration)
}
