package wallet

import (
	"context"
	"time"
)

// Tx is the unit of work on one payer's balance, executed under that payer's lock.
type Tx interface {
	Balance(ctx context.Context) (Balance, error)
	FindByIdempotency(ctx context.Context, key string) (Entry, bool, error)
	InsertEntry(ctx context.Context, e Entry) error
	ApplyDelta(ctx context.Context, delta int64, now time.Time) (Balance, error)
	InsertTransaction(ctx context.Context, t Transaction) error
}

// Repository persists balances, entries and transactions.
//
// Rules:
// - WithPayerLock serializes all work for a payer; fn's writes commit together or not at all.
// - Entries are append-only.
type Repository interface {
	WithPayerLock(ctx context.Context, payerID string, fn func(ctx context.Context, tx Tx) error) error
	Balance(ctx context.Context, accountID string) (Balance, error)
	Transactions(ctx context.Context, accountID string) ([]Transaction, error)
}
