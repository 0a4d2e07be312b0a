package indexer

import (
	"context"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/ledger"
	"github.com/cobalt-pay/ledgersync/internal/metrics"
	"github.com/cobalt-pay/ledgersync/internal/notify"
)

// runSweep periodically re-verifies recent records against the canonical
// chain and orphans the ones a reorg dropped.
func (i *Indexer) runSweep(ctx context.Context) error {
	ticker := time.NewTicker(i.idxCfg.SweepInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.sweepOnce(ctx)
		}
	}
}

// sweepOnce verifies the most recent pending and confirmed records. A record
// is orphaned when its block no longer exists or its transaction receipt is
// gone or points at a different block. RPC failures skip the record; the
// next sweep retries it.
func (i *Indexer) sweepOnce(ctx context.Context) {
	records, err := i.store.FindRecent(ctx,
		[]ledger.Status{ledger.StatusPending, ledger.StatusConfirmed},
		i.idxCfg.SweepWindow,
	)
	if err != nil {
		i.log.Errorf("sweep query failed: %v", err)
		return
	}

	for _, record := range records {
		orphaned, err := i.verifyRecord(ctx, record)
		if err != nil {
			i.log.Warnf("sweep check for %s/%d failed: %v",
				record.TxHash.Hex(), record.LogIndex, err)
			continue
		}
		if !orphaned {
			continue
		}

		transitioned, err := i.store.MarkOrphaned(ctx, record.TxHash, record.LogIndex)
		if err != nil {
			i.errs.Record(ctx, "failed to orphan record", map[string]any{
				"tx_hash":   record.TxHash.Hex(),
				"log_index": record.LogIndex,
				"error":     err.Error(),
			})
			continue
		}
		if !transitioned {
			continue
		}

		metrics.RecordOrphanedInc()

		record.Status = ledger.StatusOrphaned
		i.publish(ctx, notify.KindOrphaned, record)

		i.log.Warnw("payment orphaned by reorg",
			"tx_hash", record.TxHash.Hex(),
			"log_index", record.LogIndex,
			"block", record.BlockNumber,
		)
	}
}

// verifyRecord reports whether a record's transaction is gone from the
// canonical chain.
func (i *Indexer) verifyRecord(ctx context.Context, record *ledger.PaymentRecord) (bool, error) {
	header, err := i.client.BlockHeader(ctx, record.BlockNumber)
	if err != nil {
		return false, err
	}
	if header == nil {
		return true, nil
	}

	receipt, err := i.client.PaymentReceipt(ctx, record.TxHash)
	if err != nil {
		return false, err
	}
	if receipt == nil {
		return true, nil
	}
	if receipt.BlockNumber.Uint64() != record.BlockNumber {
		return true, nil
	}

	return false, nil
}
