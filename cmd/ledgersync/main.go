package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cobalt-pay/ledgersync/internal/common"
	"github.com/cobalt-pay/ledgersync/internal/config"
	"github.com/cobalt-pay/ledgersync/internal/cursor"
	"github.com/cobalt-pay/ledgersync/internal/db"
	"github.com/cobalt-pay/ledgersync/internal/db/migrations"
	"github.com/cobalt-pay/ledgersync/internal/errlog"
	"github.com/cobalt-pay/ledgersync/internal/indexer"
	"github.com/cobalt-pay/ledgersync/internal/ledger"
	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/cobalt-pay/ledgersync/internal/metrics"
	"github.com/cobalt-pay/ledgersync/internal/notify"
	"github.com/cobalt-pay/ledgersync/internal/rpc"
	"github.com/cobalt-pay/ledgersync/internal/tenant"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	configPath string
	resyncFrom string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "ledgersync - on-chain payment ledger indexer",
	Long: `ledgersync ingests payment events from a smart contract into a
tenant-partitioned transaction ledger. It tracks confirmations, detects
chain reorganizations, and fans out record updates in real time.`,
	Version: version,
	RunE:    runIndexer,
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Rewind the sync cursor and replay historical events",
	Long: `Rewind the sync cursor to just before the given block and replay every
payment event from there. Replayed events hit the idempotent upsert, so
existing records are refreshed rather than duplicated.`,
	RunE: runResync,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	resyncCmd.Flags().StringVar(&resyncFrom, "from", "", "block to replay from (decimal or 0x-prefixed hex)")
	if err := resyncCmd.MarkFlagRequired("from"); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(resyncCmd)
}

// runtime bundles the wired collaborators shared by the run and resync
// commands.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	database *sql.DB
	client   *rpc.Client
	notifier *notify.RedisNotifier
	indexer  *indexer.Indexer
}

func (r *runtime) Close() {
	if err := r.notifier.Close(); err != nil {
		r.log.Warnf("failed to close notifier: %v", err)
	}
	r.client.Close()
	if err := r.database.Close(); err != nil {
		r.log.Warnf("failed to close database: %v", err)
	}
}

// setup loads configuration, runs migrations and wires the indexer.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	componentLogger := func(component string) *logger.Logger {
		return logger.NewComponentLogger(
			component,
			cfg.Logging.GetComponentLevel(component),
			cfg.Logging.IsDevelopment(),
		)
	}
	log := componentLogger(common.ComponentIndexer)

	log.Info("Running database migrations...")
	if err := migrations.RunMigrations(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	log.Info("Connecting to chain node...")
	client, err := rpc.NewClient(ctx, cfg.Chain, componentLogger(common.ComponentRPC))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	log.Infof("Connected to chain node: %s", cfg.Chain.RPCURL)

	notifier := notify.NewRedisNotifier(cfg.Redis, componentLogger(common.ComponentNotifier))

	idx, err := indexer.New(
		cfg.Chain,
		cfg.Indexer,
		client,
		ledger.NewStore(database, componentLogger(common.ComponentLedgerStore)),
		cursor.NewStore(database, componentLogger(common.ComponentSyncCursor)),
		tenant.NewSQLResolver(database, componentLogger(common.ComponentTenantResolver)),
		notifier,
		errlog.NewSQLLedger(database, componentLogger(common.ComponentErrorLedger)),
		log,
	)
	if err != nil {
		notifier.Close()
		client.Close()
		database.Close()
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		log:      log,
		database: database,
		client:   client,
		notifier: notifier,
		indexer:  idx,
	}, nil
}

func runIndexer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var metricsServer *metrics.Server
	if rt.cfg.Metrics != nil && rt.cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(rt.cfg.Metrics)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				rt.log.Warnf("failed to stop metrics server: %v", err)
			}
		}()
		rt.log.Infof("Metrics server started on %s%s",
			rt.cfg.Metrics.ListenAddress, rt.cfg.Metrics.Path)
	}

	rt.log.Info("Starting ledgersync...")

	if err := rt.indexer.Run(ctx); err != nil {
		return fmt.Errorf("indexer failed: %w", err)
	}

	rt.log.Info("ledgersync stopped")
	return nil
}

func runResync(cmd *cobra.Command, args []string) error {
	fromBlock, err := common.ParseUint64orHex(&resyncFrom)
	if err != nil {
		return fmt.Errorf("invalid --from value %q: %w", resyncFrom, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.log.Infof("Resyncing from block %d...", fromBlock)

	if err := rt.indexer.ResyncFrom(ctx, fromBlock); err != nil {
		return fmt.Errorf("resync failed: %w", err)
	}

	rt.log.Info("Resync completed")
	return nil
}
