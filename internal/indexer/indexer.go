package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/config"
	"github.com/cobalt-pay/ledgersync/internal/cursor"
	"github.com/cobalt-pay/ledgersync/internal/errlog"
	"github.com/cobalt-pay/ledgersync/internal/ledger"
	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/cobalt-pay/ledgersync/internal/metrics"
	"github.com/cobalt-pay/ledgersync/internal/notify"
	"github.com/cobalt-pay/ledgersync/internal/rpc"
	"github.com/cobalt-pay/ledgersync/internal/tenant"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// ingestion sources; catch-up never fans out.
const (
	sourceLive    = "live"
	sourceCatchup = "catchup"
)

// blockTimeCacheLimit bounds the block timestamp cache between resets.
const blockTimeCacheLimit = 1024

// Indexer reconciles the on-chain payment event stream with the durable
// transaction ledger. It owns its cursor, subscription handles and catch-up
// mutex; every collaborator is injected, nothing is looked up from globals.
type Indexer struct {
	chainCfg config.ChainConfig
	idxCfg   config.IndexerConfig

	client   rpc.LedgerClient
	store    *ledger.Store
	cursor   *cursor.Store
	resolver tenant.Resolver
	notifier notify.Notifier
	errs     errlog.Ledger
	log      *logger.Logger

	confirmations *confirmationQueue

	// catchupMu makes catch-up mutually exclusive with itself. A re-entrant
	// call is rejected, not queued, to bound RPC load.
	catchupMu sync.Mutex

	head atomic.Uint64

	// per-batch block timestamp cache
	timesMu    sync.Mutex
	blockTimes map[uint64]time.Time
}

// New creates an Indexer with the given collaborators.
func New(
	chainCfg config.ChainConfig,
	idxCfg config.IndexerConfig,
	client rpc.LedgerClient,
	store *ledger.Store,
	cursorStore *cursor.Store,
	resolver tenant.Resolver,
	notifier notify.Notifier,
	errs errlog.Ledger,
	log *logger.Logger,
) (*Indexer, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if cursorStore == nil {
		return nil, errors.New("cursor store is required")
	}
	if resolver == nil {
		return nil, errors.New("tenant resolver is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if errs == nil {
		errs = errlog.NopLedger{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Indexer{
		chainCfg:      chainCfg,
		idxCfg:        idxCfg,
		client:        client,
		store:         store,
		cursor:        cursorStore,
		resolver:      resolver,
		notifier:      notifier,
		errs:          errs,
		log:           log.WithComponent("indexer"),
		confirmations: newConfirmationQueue(),
		blockTimes:    make(map[uint64]time.Time),
	}, nil
}

// Run starts the live subscription, head watcher and reorg sweep, after an
// initial catch-up from the persisted cursor. It blocks until the context
// is cancelled or a loop fails.
func (i *Indexer) Run(ctx context.Context) error {
	if err := i.cursor.Init(ctx, i.chainCfg.StartBlock); err != nil {
		return err
	}

	head, err := i.client.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get initial head: %w", err)
	}
	i.head.Store(head)
	metrics.HeadBlockSet(head)

	// The confirmation queue is in-memory; re-arm it for pending records
	// that survived the last shutdown before anything else runs.
	if err := i.reschedulePending(ctx); err != nil {
		return err
	}

	// Startup catch-up closes the gap accumulated while the process was down.
	if err := i.CatchUp(ctx); err != nil && !errors.Is(err, ErrCatchupRunning) {
		return fmt.Errorf("startup catch-up failed: %w", err)
	}

	// Promote rescheduled records that are already buried deep enough.
	i.checkConfirmations(ctx, i.head.Load())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.runLive(ctx) })
	g.Go(func() error { return i.runHeadWatcher(ctx) })
	g.Go(func() error { return i.runSweep(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reschedulePending re-arms confirmation checks for every pending record in
// the store. The confirmation queue does not survive restarts; without this,
// a pending record behind the cursor would never be re-observed (catch-up
// starts past it and the sweep never confirms) and would stay pending forever.
func (i *Indexer) reschedulePending(ctx context.Context) error {
	records, err := i.store.FindPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending records: %w", err)
	}

	for _, record := range records {
		target := record.BlockNumber + i.chainCfg.ConfirmationDepth - 1
		i.confirmations.Schedule(recordKey{TxHash: record.TxHash, LogIndex: record.LogIndex}, target)
	}

	if len(records) > 0 {
		i.log.Infof("rescheduled %d pending confirmation checks", len(records))
	}
	return nil
}

// liveProgress tracks the block whose events the live stream is still
// delivering. A block's batch is complete only once an event from a higher
// block arrives; dirty marks a batch with a failed persist so the cursor
// never moves over it.
type liveProgress struct {
	block   uint64
	dirty   bool
	started bool
}

// runLive consumes the live payment subscription sequentially, preserving
// the delivery order of the ledger client.
func (i *Indexer) runLive(ctx context.Context) error {
	events := make(chan rpc.PaymentEvent, 128)

	sub, err := i.client.SubscribePayments(ctx, events)
	if err != nil {
		return fmt.Errorf("failed to subscribe to payments: %w", err)
	}
	defer sub.Unsubscribe()

	i.log.Info("live ingestion started")

	var progress liveProgress
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("payment subscription failed: %w", err)
		case event := <-events:
			i.handleLiveEvent(ctx, event, &progress)
		}
	}
}

// handleLiveEvent persists one live event and maintains the cursor. The
// cursor is only advanced over a block once every event in it persisted,
// signalled by the arrival of an event from a higher block.
func (i *Indexer) handleLiveEvent(ctx context.Context, event rpc.PaymentEvent, progress *liveProgress) {
	if progress.started && event.BlockNumber > progress.block {
		if !progress.dirty {
			i.advanceLiveCursor(ctx, progress.block)
		}
		progress.dirty = false
	}
	if !progress.started || event.BlockNumber != progress.block {
		progress.block = event.BlockNumber
		progress.started = true
	}

	if err := i.processEvent(ctx, event, sourceLive); err != nil {
		// Recorded to the error ledger inside processEvent; the block is
		// marked dirty so the cursor stays behind it and the next catch-up
		// retries the event.
		progress.dirty = true
		i.log.Warnf("live event %s/%d not persisted: %v",
			event.TxHash.Hex(), event.LogIndex, err)
	}
}

// advanceLiveCursor moves the cursor over a fully persisted block. It only
// ever steps to the block directly after the stored value: a larger jump
// means blocks in between still belong to an outstanding catch-up gap, and
// skipping them would lose their events for good.
func (i *Indexer) advanceLiveCursor(ctx context.Context, block uint64) {
	last, err := i.cursor.Get(ctx)
	if err != nil {
		i.log.Errorf("failed to read cursor: %v", err)
		return
	}
	if block != last+1 {
		return
	}

	if err := i.cursor.Advance(ctx, block); err != nil {
		i.log.Errorf("failed to advance cursor: %v", err)
		return
	}
	metrics.CursorBlockSet(block)
}

// runHeadWatcher tracks the chain head, fires due confirmation checks and
// kicks a catch-up whenever the live stream has fallen behind.
func (i *Indexer) runHeadWatcher(ctx context.Context) error {
	heads := make(chan *types.Header, 16)

	sub, err := i.client.SubscribeNewHeads(ctx, heads)
	if err != nil {
		return fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("head subscription failed: %w", err)
		case header := <-heads:
			head := header.Number.Uint64()
			i.head.Store(head)
			metrics.HeadBlockSet(head)

			i.checkConfirmations(ctx, head)

			// More than one block behind: close the gap without blocking the
			// head stream. CatchUp rejects overlap itself.
			last, err := i.cursor.Get(ctx)
			if err != nil {
				i.log.Errorf("failed to read cursor: %v", err)
				continue
			}
			if head > last+1 {
				go func() {
					if err := i.CatchUp(ctx); err != nil && !errors.Is(err, ErrCatchupRunning) {
						i.log.Warnf("catch-up failed: %v", err)
					}
				}()
			}
		}
	}
}

// checkConfirmations re-reads every record whose target height has been
// reached and promotes it to confirmed. Re-arriving at an already-confirmed
// or orphaned record is a no-op.
func (i *Indexer) checkConfirmations(ctx context.Context, head uint64) {
	for _, key := range i.confirmations.Due(head) {
		record, err := i.store.Get(ctx, key.TxHash, key.LogIndex)
		if err != nil {
			i.errs.Record(ctx, "confirmation check failed", map[string]any{
				"tx_hash":   key.TxHash.Hex(),
				"log_index": key.LogIndex,
				"error":     err.Error(),
			})
			continue
		}
		if record == nil || record.Status != ledger.StatusPending {
			continue
		}

		transitioned, err := i.store.Confirm(ctx, key.TxHash, key.LogIndex)
		if err != nil {
			i.errs.Record(ctx, "confirmation persist failed", map[string]any{
				"tx_hash":   key.TxHash.Hex(),
				"log_index": key.LogIndex,
				"error":     err.Error(),
			})
			continue
		}
		if !transitioned {
			continue
		}

		metrics.RecordConfirmedInc()

		record.Status = ledger.StatusConfirmed
		i.publish(ctx, notify.KindConfirmed, record)

		i.log.Infow("payment confirmed",
			"tx_hash", key.TxHash.Hex(),
			"log_index", key.LogIndex,
			"block", record.BlockNumber,
			"head", head,
		)
	}
}

// processEvent runs the shared normalize -> upsert -> resolve -> fan-out
// path. Catch-up events are persisted but never fanned out. Any persistence
// failure is recorded to the error ledger and returned so the caller leaves
// the cursor untouched.
func (i *Indexer) processEvent(ctx context.Context, event rpc.PaymentEvent, source string) error {
	occurredAt, err := i.blockTime(ctx, event.BlockNumber)
	if err != nil {
		i.errs.Record(ctx, "failed to fetch block timestamp", map[string]any{
			"block":   event.BlockNumber,
			"tx_hash": event.TxHash.Hex(),
			"error":   err.Error(),
		})
		return err
	}

	norm := newNormalizer(i.chainCfg)
	draft := norm.normalize(event, i.head.Load(), occurredAt)

	record, err := i.store.Upsert(ctx, draft)
	if err != nil {
		i.errs.Record(ctx, "failed to persist payment record", map[string]any{
			"tx_hash":   event.TxHash.Hex(),
			"log_index": event.LogIndex,
			"block":     event.BlockNumber,
			"error":     err.Error(),
		})
		return err
	}

	metrics.EventIngestedInc(source)

	if source == sourceLive {
		i.publish(ctx, notify.KindUpdate, record)
	}

	if record.Status == ledger.StatusPending {
		target := event.BlockNumber + i.chainCfg.ConfirmationDepth - 1
		i.confirmations.Schedule(recordKey{TxHash: event.TxHash, LogIndex: event.LogIndex}, target)
	}

	return nil
}

// publish resolves the owning tenant and fans the record out on its
// channel, or on the global channel when no binding exists. A resolver
// error falls back to the global channel rather than dropping the event.
func (i *Indexer) publish(ctx context.Context, kind notify.EventKind, record *ledger.PaymentRecord) {
	tenantID, ok, err := i.resolver.Resolve(ctx, record.Sender, record.Receiver, record.Reference)
	if err != nil {
		i.errs.Record(ctx, "tenant resolution failed", map[string]any{
			"tx_hash":   record.TxHash.Hex(),
			"log_index": record.LogIndex,
			"error":     err.Error(),
		})
		tenantID, ok = "", false
	}
	if !ok {
		tenantID = ""
	}

	if err := i.notifier.Publish(ctx, tenantID, kind, record); err != nil {
		i.errs.Record(ctx, "fan-out publish failed", map[string]any{
			"tx_hash":   record.TxHash.Hex(),
			"log_index": record.LogIndex,
			"kind":      string(kind),
			"error":     err.Error(),
		})
	}
}

// blockTime returns the timestamp of a block, cached per batch so a block
// shared by many events is fetched once.
func (i *Indexer) blockTime(ctx context.Context, blockNum uint64) (time.Time, error) {
	i.timesMu.Lock()
	if t, ok := i.blockTimes[blockNum]; ok {
		i.timesMu.Unlock()
		return t, nil
	}
	i.timesMu.Unlock()

	header, err := i.client.BlockHeader(ctx, blockNum)
	if err != nil {
		return time.Time{}, err
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("block %d not found", blockNum)
	}

	t := time.Unix(int64(header.Time), 0).UTC()

	i.timesMu.Lock()
	if len(i.blockTimes) >= blockTimeCacheLimit {
		i.blockTimes = make(map[uint64]time.Time)
	}
	i.blockTimes[blockNum] = t
	i.timesMu.Unlock()

	return t, nil
}
