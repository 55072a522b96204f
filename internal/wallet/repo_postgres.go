package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"call-intake/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - balances (account_id PK, seconds bigint, updated_at)
// - balance_entries (immutable append-only), UNIQUE (account_id, idempotency_key)
// - balance_transactions (user-visible history)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) WithPayerLock(ctx context.Context, payerID string, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockBalance(ctx, tx, payerID); err != nil {
			return err
		}
		return fn(ctx, &pgTx{tx: tx, payerID: payerID})
	})
}

func (r *PostgresRepo) Balance(ctx context.Context, accountID string) (Balance, error) {
	b, err := getBalance(ctx, r.db, accountID)
	if errors.Is(err, ErrNotFound) {
		return Balance{AccountID: accountID}, nil
	}
	return b, err
}

func (r *PostgresRepo) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	const q = `
SELECT id, account_id, payer_id, entry_id, kind, delta_seconds, COALESCE(description, ''), created_at
FROM balance_transactions
WHERE account_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PayerID, &t.EntryID, &kind, &t.DeltaSeconds, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = EntryKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx      *sql.Tx
	payerID string
}

func (t *pgTx) Balance(ctx context.Context) (Balance, error) {
	return getBalance(ctx, t.tx, t.payerID)
}

func (t *pgTx) FindByIdempotency(ctx context.Context, key string) (Entry, bool, error) {
	return findEntryByIdempotency(ctx, t.tx, t.payerID, key)
}

func (t *pgTx) InsertEntry(ctx context.Context, e Entry) error {
	return insertEntry(ctx, t.tx, e)
}

func (t *pgTx) ApplyDelta(ctx context.Context, delta int64, now time.Time) (Balance, error) {
	return applyBalanceDelta(ctx, t.tx, t.payerID, delta, now)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr Transaction) error {
	return insertTransaction(ctx, t.tx, tr)
}

func lockBalance(ctx context.Context, tx *sql.Tx, accountID string) error {
	// Make sure the row exists, then lock it to serialize concurrent adjustments per payer.
	const ensure = `
INSERT INTO balances (account_id, seconds, updated_at)
VALUES ($1, 0, now())
ON CONFLICT (account_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ensure, accountID); err != nil {
		return err
	}
	const q = `SELECT account_id FROM balances WHERE account_id = $1 FOR UPDATE`
	var id string
	return tx.QueryRowContext(ctx, q, accountID).Scan(&id)
}

func getBalance(ctx context.Context, db utils.Querier, accountID string) (Balance, error) {
	const q = `
SELECT account_id, seconds, updated_at
FROM balances
WHERE account_id = $1
`
	var b Balance
	if err := db.QueryRowContext(ctx, q, accountID).Scan(
		&b.AccountID,
		&b.Seconds,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func findEntryByIdempotency(ctx context.Context, tx *sql.Tx, accountID, key string) (Entry, bool, error) {
	const q = `
SELECT id, account_id, kind, delta_seconds, requested_seconds, idempotency_key,
       COALESCE(reference, ''), COALESCE(source_account_id, ''), created_at
FROM balance_entries
WHERE account_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e Entry
	var kind string
	err := tx.QueryRowContext(ctx, q, accountID, key).Scan(
		&e.ID,
		&e.AccountID,
		&kind,
		&e.DeltaSeconds,
		&e.RequestedSeconds,
		&e.IdempotencyKey,
		&e.Reference,
		&e.SourceAccountID,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e.Kind = EntryKind(kind)
	return e, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry) error {
	const q = `
INSERT INTO balance_entries (
  id, account_id, kind, delta_seconds, requested_seconds, idempotency_key, reference, source_account_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		string(e.Kind),
		e.DeltaSeconds,
		e.RequestedSeconds,
		e.IdempotencyKey,
		e.Reference,
		e.SourceAccountID,
		e.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, accountID string, delta int64, now time.Time) (Balance, error) {
	const q = `
INSERT INTO balances (account_id, seconds, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (account_id)
DO UPDATE SET seconds = balances.seconds + EXCLUDED.seconds,
              updated_at = EXCLUDED.updated_at
RETURNING account_id, seconds, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, accountID, delta, now).Scan(
		&b.AccountID,
		&b.Seconds,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	const q = `
INSERT INTO balance_transactions (
  id, account_id, payer_id, entry_id, kind, delta_seconds, description, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.AccountID,
		t.PayerID,
		t.EntryID,
		string(t.Kind),
		t.DeltaSeconds,
		t.Description,
		t.CreatedAt,
	)
	return err
}
