package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// Store is the transaction ledger. All mutations of a payment record go
// through it; the (tx_hash, log_index) uniqueness constraint makes every
// write idempotent per key.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// NewStore creates a ledger store backed by the given database.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log.WithComponent("ledger-store"),
	}
}

// Upsert inserts the record, or refreshes the mutable fields (status,
// updated_at) when the (tx_hash, log_index) pair already exists. Immutable
// fields keep their originally inserted values, and a confirmed row never
// regresses to pending. Returns the resulting row.
func (s *Store) Upsert(ctx context.Context, record *PaymentRecord) (*PaymentRecord, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_records (
			tx_hash, log_index, sender, receiver, amount_wei, amount_formatted,
			token_symbol, chain_id, status, block_number, occurred_at, reference,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, log_index) DO UPDATE SET
			status = CASE
				WHEN payment_records.status = 'confirmed' AND excluded.status = 'pending'
					THEN payment_records.status
				ELSE excluded.status
			END,
			updated_at = excluded.updated_at
	`,
		record.TxHash.Hex(),
		record.LogIndex,
		strings.ToLower(record.Sender.Hex()),
		strings.ToLower(record.Receiver.Hex()),
		record.AmountWei,
		record.AmountFormatted,
		record.TokenSymbol,
		record.ChainID,
		record.Status,
		record.BlockNumber,
		record.OccurredAt.UTC(),
		record.Reference,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert payment record %s/%d: %w",
			record.TxHash.Hex(), record.LogIndex, err)
	}

	return s.Get(ctx, record.TxHash, record.LogIndex)
}

// Get returns the record for the given natural key, or nil when absent.
func (s *Store) Get(ctx context.Context, txHash common.Hash, logIndex uint) (*PaymentRecord, error) {
	var record PaymentRecord
	err := meddler.QueryRow(s.db, &record,
		`SELECT * FROM payment_records WHERE tx_hash = ? AND log_index = ?`,
		txHash.Hex(), logIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment record %s/%d: %w", txHash.Hex(), logIndex, err)
	}
	return &record, nil
}

// Confirm transitions a pending record to confirmed. Returns true when the
// transition happened, false when the record was absent or already past
// pending (making confirmation callbacks idempotent).
func (s *Store) Confirm(ctx context.Context, txHash common.Hash, logIndex uint) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_records SET status = ?, updated_at = ?
		WHERE tx_hash = ? AND log_index = ? AND status = ?
	`, StatusConfirmed, time.Now().UTC(), txHash.Hex(), logIndex, StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to confirm payment record %s/%d: %w", txHash.Hex(), logIndex, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkOrphaned transitions a pending or confirmed record to orphaned.
// Returns true when the transition happened; an already-orphaned or absent
// record is a no-op.
func (s *Store) MarkOrphaned(ctx context.Context, txHash common.Hash, logIndex uint) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_records SET status = ?, updated_at = ?
		WHERE tx_hash = ? AND log_index = ? AND status IN (?, ?)
	`, StatusOrphaned, time.Now().UTC(), txHash.Hex(), logIndex, StatusPending, StatusConfirmed)
	if err != nil {
		return false, fmt.Errorf("failed to orphan payment record %s/%d: %w", txHash.Hex(), logIndex, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// FindRecent returns the limit most recent records (by block height) whose
// status is in statuses. Used by the reorg sweep.
func (s *Store) FindRecent(ctx context.Context, statuses []Status, limit int) ([]*PaymentRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, status)
	}
	args = append(args, limit)

	//nolint:gosec // placeholders are generated, values are bound
	query := fmt.Sprintf(`
		SELECT * FROM payment_records
		WHERE status IN (%s)
		ORDER BY block_number DESC, log_index DESC
		LIMIT ?`, strings.Join(placeholders, ", "))

	var records []*PaymentRecord
	if err := meddler.QueryAll(s.db, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query recent payment records: %w", err)
	}
	return records, nil
}

// FindPending returns every record still awaiting confirmation, oldest block
// first. Used to re-arm confirmation checks after a restart.
func (s *Store) FindPending(ctx context.Context) ([]*PaymentRecord, error) {
	var records []*PaymentRecord
	err := meddler.QueryAll(s.db, &records, `
		SELECT * FROM payment_records
		WHERE status = ?
		ORDER BY block_number ASC, log_index ASC`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payment records: %w", err)
	}
	return records, nil
}

// ListForWallets returns records whose receiver or sender is one of the
// given addresses, newest first. This is the read path the CRUD layer uses
// to list a tenant's transactions, filtered by the same ownership predicate
// the resolver applies.
func (s *Store) ListForWallets(ctx context.Context, wallets []common.Address, limit, offset int) ([]*PaymentRecord, error) {
	if len(wallets) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(wallets))
	args := make([]interface{}, 0, 2*len(wallets)+2)
	for i, wallet := range wallets {
		placeholders[i] = "?"
		args = append(args, strings.ToLower(wallet.Hex()))
	}
	for _, wallet := range wallets {
		args = append(args, strings.ToLower(wallet.Hex()))
	}
	args = append(args, limit, offset)

	in := strings.Join(placeholders, ", ")
	//nolint:gosec // placeholders are generated, values are bound
	query := fmt.Sprintf(`
		SELECT * FROM payment_records
		WHERE receiver IN (%s) OR sender IN (%s)
		ORDER BY block_number DESC, log_index DESC
		LIMIT ? OFFSET ?`, in, in)

	var records []*PaymentRecord
	if err := meddler.QueryAll(s.db, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	return records, nil
}
