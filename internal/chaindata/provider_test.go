package chaindata

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
)

func TestFromBlock(t *testing.T) {
	t.Parallel()

	header := &types.Header{
		Number:   big.NewInt(100),
		GasUsed:  12_345_678,
		Time:     1_720_000_000,
		GasLimit: 30_000_000,
	}
	block := types.NewBlockWithHeader(header)

	got := fromBlock(block)
	if got.GasUsed != header.GasUsed {
		t.Fatalf("gas used: got %d want %d", got.GasUsed, header.GasUsed)
	}
	if got.Timestamp != header.Time {
		t.Fatalf("timestamp: got %d want %d", got.Timestamp, header.Time)
	}
	if got.TransactionCount != 0 {
		t.Fatalf("tx count: got %d want 0", got.TransactionCount)
	}
	if got.Hash != block.Hash() {
		t.Fatalf("hash mismatch")
	}
}

func TestDial_EmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty rpc url")
	}
}
