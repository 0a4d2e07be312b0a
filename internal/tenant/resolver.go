package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cobalt-pay/ledgersync/internal/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Resolver maps a payment to its owning tenant.
type Resolver interface {
	// Resolve returns the owning tenant id for a payment, or ok=false when
	// no binding exists. Resolution precedence: receiver wallet, then
	// sender wallet, then invoice reference. First match wins.
	Resolve(ctx context.Context, sender, receiver common.Address, reference string) (tenantID string, ok bool, err error)
}

// SQLResolver resolves tenants against the organization-management tables
// (tenant_wallets, tenant_invoices). Both tables are consumed read-only.
type SQLResolver struct {
	db  *sql.DB
	log *logger.Logger
}

// Compile-time check to ensure SQLResolver implements the Resolver interface.
var _ Resolver = (*SQLResolver)(nil)

// NewSQLResolver creates a resolver backed by the given database.
func NewSQLResolver(db *sql.DB, log *logger.Logger) *SQLResolver {
	return &SQLResolver{
		db:  db,
		log: log.WithComponent("tenant-resolver"),
	}
}

// Resolve implements Resolver. Precedence is significant: a receiver match
// always wins over a sender match, which wins over a reference match.
func (r *SQLResolver) Resolve(
	ctx context.Context,
	sender, receiver common.Address,
	reference string,
) (string, bool, error) {
	if tenantID, ok, err := r.walletOwner(ctx, receiver); err != nil || ok {
		return tenantID, ok, err
	}

	if tenantID, ok, err := r.walletOwner(ctx, sender); err != nil || ok {
		return tenantID, ok, err
	}

	if reference != "" {
		return r.referenceOwner(ctx, reference)
	}

	return "", false, nil
}

// walletOwner looks up the tenant owning a wallet address.
// Addresses are stored and compared lowercase.
func (r *SQLResolver) walletOwner(ctx context.Context, address common.Address) (string, bool, error) {
	var tenantID string
	err := r.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenant_wallets WHERE address = ?`,
		strings.ToLower(address.Hex()),
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up wallet owner: %w", err)
	}
	return tenantID, true, nil
}

// referenceOwner looks up the tenant owning an invoice reference.
func (r *SQLResolver) referenceOwner(ctx context.Context, reference string) (string, bool, error) {
	var tenantID string
	err := r.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenant_invoices WHERE reference = ?`,
		reference,
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up reference owner: %w", err)
	}
	return tenantID, true, nil
}
