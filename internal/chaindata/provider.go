// Package chaindata fetches block metadata from an Ethereum execution client.
package chaindata

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrInvalidConfig = errors.New("chaindata: invalid config")

// BlockData is the subset of block metadata the explorer persists.
type BlockData struct {
	Hash             common.Hash
	GasUsed          uint64
	TransactionCount int
	// Timestamp is the block timestamp in unix seconds.
	Timestamp uint64
}

// Provider fetches metadata for a block number.
type Provider interface {
	BlockData(ctx context.Context, number uint64) (BlockData, error)
}

// Client is an ethclient-backed Provider.
type Client struct {
	ec *ethclient.Client
}

func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: empty rpc url", ErrInvalidConfig)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chaindata: dial %q: %w", rpcURL, err)
	}
	return &Client{ec: ec}, nil
}

func (c *Client) BlockData(ctx context.Context, number uint64) (BlockData, error) {
	b, err := c.ec.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return BlockData{}, fmt.Errorf("chaindata: block %d: %w", number, err)
	}
	return fromBlock(b), nil
}

func (c *Client) Close() {
	c.ec.Close()
}

func fromBlock(b *types.Block) BlockData {
	return BlockData{
		Hash:             b.Hash(),
		GasUsed:          b.GasUsed(),
		TransactionCount: len(b.Transactions()),
		Timestamp:        b.Time(),
	}
}
