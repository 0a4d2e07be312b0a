package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/logger"
)

// lastProcessedBlockKey is the singleton cursor row the indexer advances.
const lastProcessedBlockKey = "last_processed_block"

// Store is the durable sync cursor. It survives restarts and only moves
// forward, except through an explicit Reset.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// NewStore creates a cursor store backed by the given database.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log.WithComponent("sync-cursor"),
	}
}

// Init creates the cursor row with startBlock if it does not exist yet.
// An existing cursor is left untouched.
func (s *Store) Init(ctx context.Context, startBlock uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO NOTHING
	`, lastProcessedBlockKey, startBlock, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to initialize sync cursor: %w", err)
	}
	return nil
}

// Get returns the last fully processed block.
func (s *Store) Get(ctx context.Context) (uint64, error) {
	var value uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_cursor WHERE key = ?`, lastProcessedBlockKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sync cursor not initialized")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return value, nil
}

// Advance moves the cursor to block if block is ahead of the stored value.
// Lower or equal values are ignored so the cursor never moves backward.
func (s *Store) Advance(ctx context.Context, block uint64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_cursor SET value = ?, updated_at = ?
		WHERE key = ? AND value < ?
	`, block, time.Now().UTC(), lastProcessedBlockKey, block)
	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		s.log.Debugf("cursor advanced: block=%d", block)
	}
	return nil
}

// Reset forces the cursor to block regardless of its current value.
// Used by the administrative resync operation only.
func (s *Store) Reset(ctx context.Context, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, lastProcessedBlockKey, block, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset sync cursor: %w", err)
	}

	s.log.Warnf("cursor reset: block=%d", block)
	return nil
}
