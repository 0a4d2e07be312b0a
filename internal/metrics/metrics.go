package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_events_ingested_total",
			Help: "Total number of payment events persisted, by ingestion source",
		},
		[]string{"source"},
	)

	recordsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgersync_records_confirmed_total",
			Help: "Total number of payment records transitioned to confirmed",
		},
	)

	recordsOrphaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgersync_records_orphaned_total",
			Help: "Total number of payment records transitioned to orphaned",
		},
	)

	// Sync metrics
	headBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgersync_head_block",
			Help: "Latest chain head height observed",
		},
	)

	cursorBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgersync_cursor_block",
			Help: "Last fully persisted block height",
		},
	)

	catchupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_catchup_runs_total",
			Help: "Total number of catch-up runs, by outcome",
		},
		[]string{"outcome"},
	)

	// Fan-out metrics
	notificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_notifications_published_total",
			Help: "Total number of fan-out notifications published, by event kind and scope",
		},
		[]string{"kind", "scope"},
	)

	// RPC metrics
	rpcRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_rpc_retries_total",
			Help: "Total number of RPC retry attempts, by operation",
		},
		[]string{"operation"},
	)

	// Error metrics
	indexingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_indexing_errors_total",
			Help: "Total number of errors recorded to the error ledger, by component",
		},
		[]string{"component"},
	)
)

// EventIngestedInc increments the ingested-events counter for a source
// ("live" or "catchup").
func EventIngestedInc(source string) {
	eventsIngested.WithLabelValues(source).Inc()
}

// RecordConfirmedInc increments the confirmed-records counter.
func RecordConfirmedInc() {
	recordsConfirmed.Inc()
}

// RecordOrphanedInc increments the orphaned-records counter.
func RecordOrphanedInc() {
	recordsOrphaned.Inc()
}

// HeadBlockSet records the latest observed chain head.
func HeadBlockSet(block uint64) {
	headBlock.Set(float64(block))
}

// CursorBlockSet records the last fully persisted block.
func CursorBlockSet(block uint64) {
	cursorBlock.Set(float64(block))
}

// CatchupRunInc increments the catch-up run counter for an outcome
// ("completed", "rejected" or "failed").
func CatchupRunInc(outcome string) {
	catchupRuns.WithLabelValues(outcome).Inc()
}

// NotificationPublishedInc increments the fan-out counter for a kind and
// scope ("tenant" or "global").
func NotificationPublishedInc(kind, scope string) {
	notificationsPublished.WithLabelValues(kind, scope).Inc()
}

// RPCRetryInc increments the retry counter for an RPC operation.
func RPCRetryInc(operation string) {
	rpcRetries.WithLabelValues(operation).Inc()
}

// IndexingErrorInc increments the error-ledger counter for a component.
func IndexingErrorInc(component string) {
	indexingErrors.WithLabelValues(component).Inc()
}
