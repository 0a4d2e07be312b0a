package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/cobalt-pay/ledgersync/internal/config"
	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Compile-time check to ensure Client implements the LedgerClient interface.
var _ LedgerClient = (*Client)(nil)

// Client wraps the Ethereum RPC client with payment-indexing convenience methods.
// Range queries, headers and receipts use the HTTP endpoint; live
// subscriptions use the websocket endpoint.
type Client struct {
	eth      *ethclient.Client
	ws       *ethclient.Client
	contract common.Address
	retry    *config.RetryConfig
	log      *logger.Logger
}

// NewClient creates a new RPC client for the given chain configuration.
// When cfg.WSURL is empty the HTTP endpoint is used for subscriptions too;
// it must then support eth_subscribe.
func NewClient(ctx context.Context, cfg config.ChainConfig, log *logger.Logger) (*Client, error) {
	httpClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC endpoint: %w", err)
	}

	eth := ethclient.NewClient(httpClient)
	ws := eth
	if cfg.WSURL != "" && cfg.WSURL != cfg.RPCURL {
		wsClient, err := rpc.DialContext(ctx, cfg.WSURL)
		if err != nil {
			httpClient.Close()
			return nil, fmt.Errorf("failed to dial websocket endpoint: %w", err)
		}
		ws = ethclient.NewClient(wsClient)
	}

	return &Client{
		eth:      eth,
		ws:       ws,
		contract: cfg.Address(),
		retry:    cfg.Retry,
		log:      log,
	}, nil
}

// Close closes the RPC client connections.
func (c *Client) Close() {
	if c.ws != c.eth {
		c.ws.Close()
	}
	c.eth.Close()
}

// paymentQuery builds the filter for PaymentReceived logs of the contract.
func (c *Client) paymentQuery(fromBlock, toBlock *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{PaymentReceivedTopic}},
	}
}

// SubscribePayments subscribes to live PaymentReceived logs and forwards the
// decoded events into sink. Logs that fail to decode are logged and skipped.
func (c *Client) SubscribePayments(ctx context.Context, sink chan<- PaymentEvent) (ethereum.Subscription, error) {
	rawLogs := make(chan types.Log, 128)

	sub, err := c.ws.SubscribeFilterLogs(ctx, c.paymentQuery(nil, nil), rawLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to payment events: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case rawLog := <-rawLogs:
				if rawLog.Removed {
					// Removed logs are handled by the reorg sweep, not the live path.
					continue
				}
				event, err := DecodePayment(&rawLog)
				if err != nil {
					c.log.Warnf("skipping undecodable log at block %d, tx %s: %v",
						rawLog.BlockNumber, rawLog.TxHash.Hex(), err)
					continue
				}
				select {
				case sink <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// SubscribeNewHeads subscribes to new chain heads.
func (c *Client) SubscribeNewHeads(ctx context.Context, sink chan<- *types.Header) (ethereum.Subscription, error) {
	sub, err := c.ws.SubscribeNewHead(ctx, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	return sub, nil
}

// FilterPayments returns all decoded payment events in [fromBlock, toBlock].
func (c *Client) FilterPayments(ctx context.Context, fromBlock, toBlock uint64) ([]PaymentEvent, error) {
	var rawLogs []types.Log

	err := retryWithBackoff(ctx, c.retry, "eth_getLogs", func() error {
		var err error
		rawLogs, err = c.eth.FilterLogs(ctx, c.paymentQuery(
			new(big.Int).SetUint64(fromBlock),
			new(big.Int).SetUint64(toBlock),
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter payment logs [%d, %d]: %w", fromBlock, toBlock, err)
	}

	events := make([]PaymentEvent, 0, len(rawLogs))
	for i := range rawLogs {
		event, err := DecodePayment(&rawLogs[i])
		if err != nil {
			c.log.Warnf("skipping undecodable log at block %d, tx %s: %v",
				rawLogs[i].BlockNumber, rawLogs[i].TxHash.Hex(), err)
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// BlockHeader retrieves the header at blockNum, returning nil when the chain
// has no block at that height.
func (c *Client) BlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	var header *types.Header

	err := retryWithBackoff(ctx, c.retry, "eth_getBlockByNumber", func() error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNum))
		if errors.Is(err, ethereum.NotFound) {
			header = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block header %d: %w", blockNum, err)
	}

	return header, nil
}

// PaymentReceipt retrieves the receipt for txHash, returning nil when the
// transaction is not known to the canonical chain.
func (c *Client) PaymentReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt

	err := retryWithBackoff(ctx, c.retry, "eth_getTransactionReceipt", func() error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}

	return receipt, nil
}

// HeadBlock returns the current chain head height.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64

	err := retryWithBackoff(ctx, c.retry, "eth_blockNumber", func() error {
		var err error
		head, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get head block: %w", err)
	}

	return head, nil
}
