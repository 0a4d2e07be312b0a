package common

const (
	ComponentIndexer        = "indexer"
	ComponentRPC            = "rpc-client"
	ComponentLedgerStore    = "ledger-store"
	ComponentSyncCursor     = "sync-cursor"
	ComponentTenantResolver = "tenant-resolver"
	ComponentNotifier       = "notifier"
	ComponentReorgSweep     = "reorg-sweep"
	ComponentErrorLedger    = "error-ledger"
)

var AllComponents = map[string]struct{}{
	ComponentIndexer:        {},
	ComponentRPC:            {},
	ComponentLedgerStore:    {},
	ComponentSyncCursor:     {},
	ComponentTenantResolver: {},
	ComponentNotifier:       {},
	ComponentReorgSweep:     {},
	ComponentErrorLedger:    {},
}
