package indexer

import (
	"context"
	"database/sql"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/common"
	"github.com/cobalt-pay/ledgersync/internal/config"
	"github.com/cobalt-pay/ledgersync/internal/cursor"
	"github.com/cobalt-pay/ledgersync/internal/db"
	"github.com/cobalt-pay/ledgersync/internal/db/migrations"
	"github.com/cobalt-pay/ledgersync/internal/errlog"
	"github.com/cobalt-pay/ledgersync/internal/ledger"
	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/cobalt-pay/ledgersync/internal/notify"
	"github.com/cobalt-pay/ledgersync/internal/rpc"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	errCh chan error
}

func newFakeSub() *fakeSub           { return &fakeSub{errCh: make(chan error)} }
func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeClient is an in-memory chain view the tests mutate directly.
type fakeClient struct {
	mu       sync.Mutex
	head     uint64
	headers  map[uint64]*types.Header
	receipts map[ethcommon.Hash]*types.Receipt
	events   []rpc.PaymentEvent
}

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{
		head:     head,
		headers:  make(map[uint64]*types.Header),
		receipts: make(map[ethcommon.Hash]*types.Receipt),
	}
}

func (c *fakeClient) addBlock(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[number] = &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   1700000000 + number*12,
	}
}

func (c *fakeClient) addEvent(event rpc.PaymentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.receipts[event.TxHash] = &types.Receipt{
		BlockNumber: new(big.Int).SetUint64(event.BlockNumber),
	}
}

func (c *fakeClient) dropReceipt(txHash ethcommon.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receipts, txHash)
}

func (c *fakeClient) moveReceipt(txHash ethcommon.Hash, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[txHash] = &types.Receipt{BlockNumber: new(big.Int).SetUint64(block)}
}

func (c *fakeClient) dropBlock(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.headers, number)
}

func (c *fakeClient) SubscribePayments(ctx context.Context, sink chan<- rpc.PaymentEvent) (ethereum.Subscription, error) {
	return newFakeSub(), nil
}

func (c *fakeClient) SubscribeNewHeads(ctx context.Context, sink chan<- *types.Header) (ethereum.Subscription, error) {
	return newFakeSub(), nil
}

func (c *fakeClient) FilterPayments(ctx context.Context, fromBlock, toBlock uint64) ([]rpc.PaymentEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []rpc.PaymentEvent
	for _, event := range c.events {
		if event.BlockNumber >= fromBlock && event.BlockNumber <= toBlock {
			out = append(out, event)
		}
	}
	return out, nil
}

func (c *fakeClient) BlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[blockNum], nil
}

func (c *fakeClient) PaymentReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[txHash], nil
}

func (c *fakeClient) HeadBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

type published struct {
	tenantID string
	kind     notify.EventKind
	record   *ledger.PaymentRecord
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *fakeNotifier) Publish(
	ctx context.Context,
	tenantID string,
	kind notify.EventKind,
	record *ledger.PaymentRecord,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{tenantID: tenantID, kind: kind, record: record})
	return nil
}

func (n *fakeNotifier) published() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]published(nil), n.events...)
}

// fakeResolver maps receiver addresses to tenants.
type fakeResolver struct {
	byReceiver map[ethcommon.Address]string
}

func (r *fakeResolver) Resolve(
	ctx context.Context,
	sender, receiver ethcommon.Address,
	reference string,
) (string, bool, error) {
	tenantID, ok := r.byReceiver[receiver]
	return tenantID, ok, nil
}

type testEnv struct {
	indexer  *Indexer
	client   *fakeClient
	notifier *fakeNotifier
	store    *ledger.Store
	cursor   *cursor.Store
	db       *sql.DB
}

func newTestEnv(t *testing.T, head uint64, tenants map[ethcommon.Address]string) *testEnv {
	t.Helper()

	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, migrations.RunMigrationsDB(logger.NewNopLogger(), database))

	return newTestEnvOverDB(t, database, head, tenants)
}

// newTestEnvOverDB builds a fresh Indexer over an existing database, as a
// process restart would.
func newTestEnvOverDB(t *testing.T, database *sql.DB, head uint64, tenants map[ethcommon.Address]string) *testEnv {
	t.Helper()

	chainCfg := config.ChainConfig{
		ChainID:           1,
		TokenSymbol:       "ETH",
		TokenDecimals:     18,
		ConfirmationDepth: 6,
	}
	idxCfg := config.IndexerConfig{
		ChunkSize:     5000,
		SweepInterval: common.NewDuration(time.Hour),
		SweepWindow:   200,
	}

	client := newFakeClient(head)
	notifier := &fakeNotifier{}
	store := ledger.NewStore(database, logger.NewNopLogger())
	cursorStore := cursor.NewStore(database, logger.NewNopLogger())

	idx, err := New(
		chainCfg,
		idxCfg,
		client,
		store,
		cursorStore,
		&fakeResolver{byReceiver: tenants},
		notifier,
		errlog.NopLedger{},
		logger.NewNopLogger(),
	)
	require.NoError(t, err)
	idx.head.Store(head)

	return &testEnv{
		indexer:  idx,
		client:   client,
		notifier: notifier,
		store:    store,
		cursor:   cursorStore,
		db:       database,
	}
}

func paymentAt(txHash string, logIndex uint, block uint64, receiver ethcommon.Address) rpc.PaymentEvent {
	return rpc.PaymentEvent{
		Sender:      ethcommon.HexToAddress("0x1111111111111111111111111111111111111111"),
		Receiver:    receiver,
		AmountWei:   big.NewInt(1000000000000000000),
		Reference:   "inv-1",
		TxHash:      ethcommon.HexToHash(txHash),
		LogIndex:    logIndex,
		BlockNumber: block,
	}
}

var (
	tenantWallet = ethcommon.HexToAddress("0x2222222222222222222222222222222222222222")
	strayWallet  = ethcommon.HexToAddress("0x8888888888888888888888888888888888888888")
)

func TestProcessLiveEventFansOutAndSchedulesConfirmation(t *testing.T) {
	env := newTestEnv(t, 100, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, tenantWallet)

	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, ledger.StatusPending, record.Status)
	require.Equal(t, "1.0", record.AmountFormatted)

	events := env.notifier.published()
	require.Len(t, events, 1)
	require.Equal(t, "acme", events[0].tenantID)
	require.Equal(t, notify.KindUpdate, events[0].kind)

	require.Equal(t, 1, env.indexer.confirmations.Len())
}

func TestConfirmationAtDepth(t *testing.T) {
	env := newTestEnv(t, 100, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, tenantWallet)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))

	// depth 6: block 100 confirms at head 105, not before
	env.indexer.checkConfirmations(ctx, 104)
	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, record.Status)

	env.indexer.checkConfirmations(ctx, 105)
	record, err = env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, record.Status)

	events := env.notifier.published()
	require.Len(t, events, 2)
	require.Equal(t, notify.KindConfirmed, events[1].kind)
	require.Equal(t, "acme", events[1].tenantID)

	// confirmation fires exactly once
	env.indexer.checkConfirmations(ctx, 200)
	require.Len(t, env.notifier.published(), 2)
}

func TestDeepEventIngestsAsConfirmed(t *testing.T) {
	env := newTestEnv(t, 500, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, tenantWallet)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceCatchup))

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, record.Status)

	// already confirmed, nothing scheduled
	require.Equal(t, 0, env.indexer.confirmations.Len())
}

func TestUnattributedEventGoesGlobal(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, strayWallet)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))

	events := env.notifier.published()
	require.Len(t, events, 1)
	require.Empty(t, events[0].tenantID)
}

func TestCatchUpPersistsWithoutFanOut(t *testing.T) {
	env := newTestEnv(t, 110, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))

	for _, block := range []uint64{100, 105, 110} {
		env.client.addBlock(block)
	}
	env.client.addEvent(paymentAt("0xaa", 0, 100, tenantWallet))
	env.client.addEvent(paymentAt("0xbb", 0, 105, tenantWallet))
	env.client.addEvent(paymentAt("0xcc", 0, 110, tenantWallet))

	require.NoError(t, env.indexer.CatchUp(ctx))

	for _, txHash := range []string{"0xaa", "0xbb", "0xcc"} {
		record, err := env.store.Get(ctx, ethcommon.HexToHash(txHash), 0)
		require.NoError(t, err)
		require.NotNil(t, record)
	}

	// historical replay is silent
	require.Empty(t, env.notifier.published())

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(110), value)
}

func TestCatchUpChunksRanges(t *testing.T) {
	env := newTestEnv(t, 110, nil)
	env.indexer.idxCfg.ChunkSize = 4
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	require.NoError(t, env.indexer.CatchUp(ctx))

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(110), value)
}

func TestCatchUpUpToDateIsNoOp(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 100))
	require.NoError(t, env.indexer.CatchUp(ctx))

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), value)
}

func TestCatchUpRejectsOverlap(t *testing.T) {
	env := newTestEnv(t, 100, nil)

	env.indexer.catchupMu.Lock()
	defer env.indexer.catchupMu.Unlock()

	require.ErrorIs(t, env.indexer.CatchUp(context.Background()), ErrCatchupRunning)
}

func TestResyncReplaysAndRevivesOrphans(t *testing.T) {
	env := newTestEnv(t, 103, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 103))

	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, tenantWallet)
	env.client.addEvent(event)

	// orphaned earlier, but the event is back on the canonical chain
	_, err := env.store.Upsert(ctx, &ledger.PaymentRecord{
		TxHash:      event.TxHash,
		LogIndex:    event.LogIndex,
		Sender:      event.Sender,
		Receiver:    event.Receiver,
		AmountWei:   "1000000000000000000",
		TokenSymbol: "ETH",
		ChainID:     1,
		Status:      ledger.StatusOrphaned,
		BlockNumber: 100,
		OccurredAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, env.indexer.ResyncFrom(ctx, 100))

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, record.Status)
}

func TestSweepOrphansMissingReceipt(t *testing.T) {
	env := newTestEnv(t, 100, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	env.client.addBlock(50)
	event := paymentAt("0xaa", 0, 50, tenantWallet)
	env.client.addEvent(event)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceCatchup))

	// reorg: the receipt disappears
	env.client.dropReceipt(event.TxHash)

	env.indexer.sweepOnce(ctx)

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusOrphaned, record.Status)

	events := env.notifier.published()
	require.Len(t, events, 1)
	require.Equal(t, notify.KindOrphaned, events[0].kind)
	require.Equal(t, "acme", events[0].tenantID)

	// a second sweep does not re-notify
	env.indexer.sweepOnce(ctx)
	require.Len(t, env.notifier.published(), 1)
}

func TestSweepOrphansMovedReceipt(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	env.client.addBlock(50)
	env.client.addBlock(52)
	event := paymentAt("0xaa", 0, 50, strayWallet)
	env.client.addEvent(event)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceCatchup))

	// the transaction was re-mined in a different block
	env.client.moveReceipt(event.TxHash, 52)

	env.indexer.sweepOnce(ctx)

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusOrphaned, record.Status)
}

func TestSweepOrphansMissingBlock(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	env.client.addBlock(50)
	event := paymentAt("0xaa", 0, 50, strayWallet)
	env.client.addEvent(event)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceCatchup))

	env.client.dropBlock(50)

	env.indexer.sweepOnce(ctx)

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusOrphaned, record.Status)
}

func TestSweepLeavesCanonicalRecordsAlone(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	env.client.addBlock(50)
	event := paymentAt("0xaa", 0, 50, strayWallet)
	env.client.addEvent(event)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceCatchup))

	env.indexer.sweepOnce(ctx)

	record, err := env.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, record.Status)
	require.Empty(t, env.notifier.published())
}

func TestDuplicateLiveDeliveryNotifiesTwiceButStoresOnce(t *testing.T) {
	env := newTestEnv(t, 100, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, tenantWallet)

	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))

	var count int
	require.NoError(t, env.db.QueryRow(
		`SELECT COUNT(*) FROM payment_records`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestLiveCursorAdvancesOnlyWhenBlockCompletes(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	env.client.addBlock(100)
	env.client.addBlock(101)

	var progress liveProgress

	// two events in block 100: neither completes the block's batch
	env.indexer.handleLiveEvent(ctx, paymentAt("0xaa", 0, 100, strayWallet), &progress)
	env.indexer.handleLiveEvent(ctx, paymentAt("0xaa", 1, 100, strayWallet), &progress)

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(99), value)

	// an event from block 101 proves block 100 is fully delivered
	env.indexer.handleLiveEvent(ctx, paymentAt("0xbb", 0, 101, strayWallet), &progress)

	value, err = env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), value)
}

func TestCrashMidBlockDoesNotLoseEvents(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	env.client.addBlock(100)

	first := paymentAt("0xaa", 0, 100, strayWallet)
	second := paymentAt("0xaa", 1, 100, strayWallet)

	// only the first of the block's two events lands before the crash
	var progress liveProgress
	env.indexer.handleLiveEvent(ctx, first, &progress)

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(99), value)

	// restart over the same database; the chain still has both events
	restarted := newTestEnvOverDB(t, env.db, 100, nil)
	restarted.client.addBlock(100)
	restarted.client.addEvent(first)
	restarted.client.addEvent(second)

	require.NoError(t, restarted.indexer.CatchUp(ctx))

	record, err := restarted.store.Get(ctx, second.TxHash, second.LogIndex)
	require.NoError(t, err)
	require.NotNil(t, record)

	value, err = restarted.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), value)
}

func TestLiveCursorNeverJumpsCatchupGap(t *testing.T) {
	env := newTestEnv(t, 110, nil)
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	env.client.addBlock(105)
	env.client.addBlock(106)

	// the live stream is ahead of an unprocessed gap (100..104)
	var progress liveProgress
	env.indexer.handleLiveEvent(ctx, paymentAt("0xaa", 0, 105, strayWallet), &progress)
	env.indexer.handleLiveEvent(ctx, paymentAt("0xbb", 0, 106, strayWallet), &progress)

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(99), value)
}

func TestLiveCursorHoldsWhenPersistFails(t *testing.T) {
	env := newTestEnv(t, 101, nil)
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	// block 100 has no header, so its event cannot be persisted
	env.client.addBlock(101)

	var progress liveProgress
	env.indexer.handleLiveEvent(ctx, paymentAt("0xaa", 0, 100, strayWallet), &progress)
	env.indexer.handleLiveEvent(ctx, paymentAt("0xbb", 0, 101, strayWallet), &progress)

	record, err := env.store.Get(ctx, ethcommon.HexToHash("0xaa"), 0)
	require.NoError(t, err)
	require.Nil(t, record)

	value, err := env.cursor.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(99), value)
}

func TestRestartReschedulesPendingConfirmations(t *testing.T) {
	env := newTestEnv(t, 100, map[ethcommon.Address]string{tenantWallet: "acme"})
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, tenantWallet)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))
	require.NoError(t, env.cursor.Advance(ctx, 100))

	// restart: the in-memory confirmation queue is gone and catch-up starts
	// past the record's block, so only rescheduling can confirm it
	restarted := newTestEnvOverDB(t, env.db, 200, map[ethcommon.Address]string{tenantWallet: "acme"})
	require.Equal(t, 0, restarted.indexer.confirmations.Len())

	require.NoError(t, restarted.indexer.reschedulePending(ctx))
	restarted.indexer.checkConfirmations(ctx, 200)

	record, err := restarted.store.Get(ctx, event.TxHash, event.LogIndex)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, record.Status)

	events := restarted.notifier.published()
	require.Len(t, events, 1)
	require.Equal(t, notify.KindConfirmed, events[0].kind)
	require.Equal(t, "acme", events[0].tenantID)
}

func TestRunConfirmsPendingBehindCursorAfterRestart(t *testing.T) {
	env := newTestEnv(t, 100, nil)
	ctx := context.Background()

	require.NoError(t, env.cursor.Init(ctx, 99))
	env.client.addBlock(100)
	event := paymentAt("0xaa", 0, 100, strayWallet)
	require.NoError(t, env.indexer.processEvent(ctx, event, sourceLive))
	require.NoError(t, env.cursor.Advance(ctx, 100))

	restarted := newTestEnvOverDB(t, env.db, 200, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- restarted.indexer.Run(runCtx) }()

	require.Eventually(t, func() bool {
		record, err := restarted.store.Get(context.Background(), event.TxHash, event.LogIndex)
		return err == nil && record != nil && record.Status == ledger.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
