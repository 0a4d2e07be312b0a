package indexer

import (
	"strings"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/config"
	"github.com/cobalt-pay/ledgersync/internal/ledger"
	"github.com/cobalt-pay/ledgersync/internal/rpc"
)

// FormatUnits renders a base-10 wei amount as a human-scaled decimal string
// using pure string arithmetic. No floating point is involved at any step,
// so 18+ digit amounts format exactly. The fractional part is the low-order
// `decimals` digits zero-left-padded, then trimmed to the shortest form
// that keeps at least one digit ("1000000"/6 -> "1.0", "1"/6 -> "0.000001",
// "0" -> "0.0").
func FormatUnits(amountWei string, decimals uint8) string {
	d := int(decimals)

	whole, frac := "0", ""
	switch {
	case d == 0:
		whole = amountWei
	case len(amountWei) <= d:
		frac = strings.Repeat("0", d-len(amountWei)) + amountWei
	default:
		whole = amountWei[:len(amountWei)-d]
		frac = amountWei[len(amountWei)-d:]
	}

	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		frac = "0"
	}

	return whole + "." + frac
}

// normalizer converts decoded payment events into payment record drafts.
type normalizer struct {
	tokenSymbol       string
	tokenDecimals     uint8
	chainID           uint64
	confirmationDepth uint64
}

func newNormalizer(cfg config.ChainConfig) *normalizer {
	return &normalizer{
		tokenSymbol:       cfg.TokenSymbol,
		tokenDecimals:     cfg.TokenDecimals,
		chainID:           cfg.ChainID,
		confirmationDepth: cfg.ConfirmationDepth,
	}
}

// confirmedAt reports whether a payment mined at blockNumber has reached the
// confirmation depth given the observed head.
func (n *normalizer) confirmedAt(blockNumber, head uint64) bool {
	return head >= blockNumber && head-blockNumber+1 >= n.confirmationDepth
}

// normalize builds a record draft from a decoded event. The status is
// computed from the confirmation depth against head; occurredAt is the
// containing block's timestamp.
func (n *normalizer) normalize(event rpc.PaymentEvent, head uint64, occurredAt time.Time) *ledger.PaymentRecord {
	status := ledger.StatusPending
	if n.confirmedAt(event.BlockNumber, head) {
		status = ledger.StatusConfirmed
	}

	amountWei := event.AmountWei.String()

	return &ledger.PaymentRecord{
		TxHash:          event.TxHash,
		LogIndex:        event.LogIndex,
		Sender:          event.Sender,
		Receiver:        event.Receiver,
		AmountWei:       amountWei,
		AmountFormatted: FormatUnits(amountWei, n.tokenDecimals),
		TokenSymbol:     n.tokenSymbol,
		ChainID:         n.chainID,
		Status:          status,
		BlockNumber:     event.BlockNumber,
		OccurredAt:      occurredAt,
		Reference:       event.Reference,
	}
}
