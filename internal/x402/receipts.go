package x402

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrReplay is returned when a payment signature was already redeemed.
var ErrReplay = errors.New("payment already redeemed")

// Receipt is a redeemed payment.
type Receipt struct {
	Signature  string
	Digest     string
	Tier       Tier
	Amount     string
	Token      string
	Sender     string
	AcceptedAt time.Time
}

// ReceiptStore records redeemed payments. Redeem must be atomic: of two
// concurrent redemptions of one signature exactly one succeeds.
type ReceiptStore interface {
	Redeem(ctx context.Context, r Receipt) error
	Redeemed(ctx context.Context, signature string) (bool, error)
}

// MemoryReceipts is an in-process ReceiptStore.
type MemoryReceipts struct {
	mu   sync.Mutex
	used map[string]Receipt
}

// NewMemoryReceipts creates an empty MemoryReceipts.
func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{used: make(map[string]Receipt)}
}

// Redeem implements ReceiptStore.
func (m *MemoryReceipts) Redeem(_ context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[r.Signature]; ok {
		return ErrReplay
	}
	m.used[r.Signature] = r
	return nil
}

// Redeemed implements ReceiptStore.
func (m *MemoryReceipts) Redeemed(_ context.Context, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[signature]
	return ok, nil
}

// PostgresReceipts stores receipts in payment_receipts.
type PostgresReceipts struct {
	db *pgxpool.Pool
}

// NewPostgresReceipts creates a PostgresReceipts.
func NewPostgresReceipts(db *pgxpool.Pool) *PostgresReceipts {
	return &PostgresReceipts{db: db}
}

// Redeem implements ReceiptStore.
func (p *PostgresReceipts) Redeem(ctx context.Context, r Receipt) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO payment_receipts (signature, digest, tier, amount, token, sender, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Signature, r.Digest, string(r.Tier), r.Amount, r.Token, r.Sender, r.AcceptedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrReplay
	}
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// Redeemed implements ReceiptStore.
func (p *PostgresReceipts) Redeemed(ctx context.Context, signature string) (bool, error) {
	var used bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_receipts WHERE signature = $1)`, signature).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check receipt: %w", err)
	}
	return used, nil
}
