package errlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/cobalt-pay/ledgersync/internal/metrics"
)

// Ledger records indexing failures durably so no event loss goes unnoticed.
// Failed events are retried via catch-up; this is the audit trail.
type Ledger interface {
	Record(ctx context.Context, message string, fields map[string]any)
}

// SQLLedger persists errors to the indexing_errors table and mirrors them
// to the log.
type SQLLedger struct {
	db  *sql.DB
	log *logger.Logger
}

// Compile-time check to ensure SQLLedger implements the Ledger interface.
var _ Ledger = (*SQLLedger)(nil)

// NewSQLLedger creates an error ledger backed by the given database.
func NewSQLLedger(db *sql.DB, log *logger.Logger) *SQLLedger {
	return &SQLLedger{
		db:  db,
		log: log.WithComponent("error-ledger"),
	}
}

// Record implements Ledger. A failure to persist the error itself is logged
// and swallowed; error recording must never take the indexer down.
func (l *SQLLedger) Record(ctx context.Context, message string, fields map[string]any) {
	contextJSON, err := json.Marshal(fields)
	if err != nil {
		contextJSON = []byte("{}")
	}

	l.log.Errorw(message, "context", string(contextJSON))
	metrics.IndexingErrorInc("indexer")

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO indexing_errors (message, context, created_at) VALUES (?, ?, ?)
	`, message, string(contextJSON), time.Now().UTC())
	if err != nil {
		l.log.Warnf("failed to persist indexing error: %v", err)
	}
}

// NopLedger discards all records. Useful for testing.
type NopLedger struct{}

var _ Ledger = (*NopLedger)(nil)

func (NopLedger) Record(context.Context, string, map[string]any) {}
