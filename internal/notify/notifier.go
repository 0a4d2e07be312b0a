package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cobalt-pay/ledgersync/internal/config"
	"github.com/cobalt-pay/ledgersync/internal/ledger"
	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/cobalt-pay/ledgersync/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// EventKind is the fan-out event type carried with each published record.
type EventKind string

const (
	// KindUpdate is published when a record is ingested or refreshed.
	KindUpdate EventKind = "transactions:update"

	// KindConfirmed is published when a record transitions to confirmed.
	KindConfirmed EventKind = "transactions:confirmed"

	// KindOrphaned is published when a record transitions to orphaned.
	KindOrphaned EventKind = "transactions:orphaned"
)

// GlobalChannel receives events that resolve to no tenant. The fallback is
// deliberate: unattributed payments are surfaced, never dropped.
const GlobalChannel = "transactions:global"

// Notifier fans out payment records to interested subscribers.
type Notifier interface {
	// Publish delivers record on the tenant's channel when tenantID is
	// non-empty, otherwise on the global channel.
	Publish(ctx context.Context, tenantID string, kind EventKind, record *ledger.PaymentRecord) error
}

// envelope is the wire format published to subscribers.
type envelope struct {
	Kind   EventKind             `json:"kind"`
	Record *ledger.PaymentRecord `json:"record"`
}

// RedisNotifier publishes records over Redis pub/sub. Tenant isolation is
// structural: the channel name is derived only from the resolved tenant, so
// a subscriber scoped to one tenant can never observe another tenant's
// payments.
type RedisNotifier struct {
	client *redis.Client
	log    *logger.Logger
}

// Compile-time check to ensure RedisNotifier implements the Notifier interface.
var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a notifier for the given Redis configuration.
func NewRedisNotifier(cfg config.RedisConfig, log *logger.Logger) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisNotifier{
		client: client,
		log:    log.WithComponent("notifier"),
	}
}

// ChannelFor returns the pub/sub channel for a tenant, or the global
// channel when tenantID is empty.
func ChannelFor(tenantID string) string {
	if tenantID == "" {
		return GlobalChannel
	}
	return fmt.Sprintf("tenant:%s:transactions", tenantID)
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(
	ctx context.Context,
	tenantID string,
	kind EventKind,
	record *ledger.PaymentRecord,
) error {
	payload, err := json.Marshal(envelope{Kind: kind, Record: record})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	channel := ChannelFor(tenantID)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	scope := "tenant"
	if tenantID == "" {
		scope = "global"
	}
	metrics.NotificationPublishedInc(string(kind), scope)

	n.log.Debugw("notification published",
		"channel", channel,
		"kind", kind,
		"tx_hash", record.TxHash.Hex(),
		"log_index", record.LogIndex,
	)

	return nil
}

// Close closes the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
