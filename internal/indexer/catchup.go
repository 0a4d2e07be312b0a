package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/cobalt-pay/ledgersync/internal/metrics"
)

// ErrCatchupRunning is returned when a catch-up is requested while another
// one is still in progress.
var ErrCatchupRunning = errors.New("catch-up already running")

// CatchUp replays the historical range between the persisted cursor and the
// current head in chunks. The cursor only advances past a chunk after every
// event in it was persisted, so a crash mid-run resumes from the last fully
// processed chunk. Only one catch-up runs at a time; overlapping calls get
// ErrCatchupRunning.
func (i *Indexer) CatchUp(ctx context.Context) error {
	if !i.catchupMu.TryLock() {
		metrics.CatchupRunInc("rejected")
		return ErrCatchupRunning
	}
	defer i.catchupMu.Unlock()

	last, err := i.cursor.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	head := i.head.Load()
	if head <= last {
		return nil
	}

	from := last + 1
	i.log.Infow("catch-up started", "from", from, "to", head)

	for from <= head {
		to := from + i.idxCfg.ChunkSize - 1
		if to > head {
			to = head
		}

		if err := i.catchUpChunk(ctx, from, to); err != nil {
			metrics.CatchupRunInc("failed")
			return err
		}

		if err := i.cursor.Advance(ctx, to); err != nil {
			metrics.CatchupRunInc("failed")
			return fmt.Errorf("failed to advance cursor to %d: %w", to, err)
		}
		metrics.CursorBlockSet(to)

		from = to + 1
	}

	metrics.CatchupRunInc("completed")
	i.log.Infow("catch-up completed", "cursor", head)

	return nil
}

// catchUpChunk fetches and persists one block range. The first persistence
// failure aborts the chunk so the cursor is never advanced past an
// unpersisted event.
func (i *Indexer) catchUpChunk(ctx context.Context, from, to uint64) error {
	events, err := i.client.FilterPayments(ctx, from, to)
	if err != nil {
		i.errs.Record(ctx, "catch-up filter failed", map[string]any{
			"from":  from,
			"to":    to,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to filter blocks %d-%d: %w", from, to, err)
	}

	for _, event := range events {
		if err := i.processEvent(ctx, event, sourceCatchup); err != nil {
			return fmt.Errorf("failed to process event %s/%d: %w",
				event.TxHash.Hex(), event.LogIndex, err)
		}
	}

	i.log.Debugw("catch-up chunk done", "from", from, "to", to, "events", len(events))

	return nil
}

// ResyncFrom rewinds the cursor to just before block and replays from there.
// Replayed records hit the idempotent upsert, so an orphaned record whose
// event reappears on the canonical chain re-enters the pending flow.
func (i *Indexer) ResyncFrom(ctx context.Context, block uint64) error {
	start := uint64(0)
	if block > 0 {
		start = block - 1
	}

	if err := i.cursor.Reset(ctx, start); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	head, err := i.client.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head: %w", err)
	}
	i.head.Store(head)
	metrics.HeadBlockSet(head)

	return i.CatchUp(ctx)
}
