package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PaymentEvent is a decoded PaymentReceived log.
// The indexer core only ever sees this typed form; raw log parsing
// stays at the adapter boundary.
type PaymentEvent struct {
	Sender      common.Address
	Receiver    common.Address
	AmountWei   *big.Int
	Reference   string
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// LedgerClient is the chain-facing surface the indexer core depends on.
type LedgerClient interface {
	// SubscribePayments streams decoded payment events into sink until the
	// subscription is unsubscribed or fails.
	SubscribePayments(ctx context.Context, sink chan<- PaymentEvent) (ethereum.Subscription, error)

	// SubscribeNewHeads streams new chain heads into sink.
	SubscribeNewHeads(ctx context.Context, sink chan<- *types.Header) (ethereum.Subscription, error)

	// FilterPayments returns all decoded payment events in [fromBlock, toBlock].
	FilterPayments(ctx context.Context, fromBlock, toBlock uint64) ([]PaymentEvent, error)

	// BlockHeader returns the header at blockNum, or nil when the chain has
	// no block at that height.
	BlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error)

	// PaymentReceipt returns the receipt for txHash, or nil when the
	// transaction is unknown to the canonical chain.
	PaymentReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// HeadBlock returns the current chain head height.
	HeadBlock(ctx context.Context) (uint64, error)
}
