package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	// StatusPending means the payment is mined but not yet buried under
	// enough confirmations.
	StatusPending Status = "pending"

	// StatusConfirmed means the payment reached the configured
	// confirmation depth.
	StatusConfirmed Status = "confirmed"

	// StatusOrphaned means the payment's block or receipt disappeared from
	// the canonical chain. Terminal unless a resync re-observes the event
	// with a currently valid receipt.
	StatusOrphaned Status = "orphaned"

	// StatusFailed means the payment's transaction reverted on chain.
	StatusFailed Status = "failed"
)

// PaymentRecord is one row per on-chain payment log, keyed by
// (tx_hash, log_index).
type PaymentRecord struct {
	ID              int64          `meddler:"id,pk" json:"-"`
	TxHash          common.Hash    `meddler:"tx_hash,hash" json:"txHash"`
	LogIndex        uint           `meddler:"log_index" json:"logIndex"`
	Sender          common.Address `meddler:"sender,address" json:"sender"`
	Receiver        common.Address `meddler:"receiver,address" json:"receiver"`
	AmountWei       string         `meddler:"amount_wei" json:"amountWei"`
	AmountFormatted string         `meddler:"amount_formatted" json:"amountFormatted"`
	TokenSymbol     string         `meddler:"token_symbol" json:"tokenSymbol"`
	ChainID         uint64         `meddler:"chain_id" json:"chainId"`
	Status          Status         `meddler:"status" json:"status"`
	BlockNumber     uint64         `meddler:"block_number" json:"blockNumber"`
	OccurredAt      time.Time      `meddler:"occurred_at,utctime" json:"occurredAt"`
	Reference       string         `meddler:"reference" json:"reference"`
	CreatedAt       time.Time      `meddler:"created_at,utctime" json:"createdAt"`
	UpdatedAt       time.Time      `meddler:"updated_at,utctime" json:"updatedAt"`
}
