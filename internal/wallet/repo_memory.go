package wallet

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo keeps balances in memory. Each WithPayerLock call stages its
// writes and applies them only if fn succeeds.
type MemoryRepo struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	balances map[string]Balance
	entries  map[string][]Entry
	txns     map[string][]Transaction
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		locks:    map[string]*sync.Mutex{},
		balances: map[string]Balance{},
		entries:  map[string][]Entry{},
		txns:     map[string][]Transaction{},
	}
}

// SetBalance seeds a balance without a ledger entry. Test setup only.
func (r *MemoryRepo) SetBalance(accountID string, seconds int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[accountID] = Balance{AccountID: accountID, Seconds: seconds}
}

func (r *MemoryRepo) Entries(accountID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries[accountID]...)
}

func (r *MemoryRepo) payerLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *MemoryRepo) WithPayerLock(ctx context.Context, payerID string, fn func(ctx context.Context, tx Tx) error) error {
	l := r.payerLock(payerID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	tx := &memTx{repo: r, payerID: payerID, balance: r.balances[payerID]}
	r.mu.Unlock()
	tx.balance.AccountID = payerID

	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.dirty {
		r.balances[payerID] = tx.balance
	}
	r.entries[payerID] = append(r.entries[payerID], tx.entries...)
	for _, t := range tx.txns {
		r.txns[t.AccountID] = append(r.txns[t.AccountID], t)
	}
	return nil
}

func (r *MemoryRepo) Balance(ctx context.Context, accountID string) (Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[accountID]
	b.AccountID = accountID
	return b, nil
}

func (r *MemoryRepo) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transaction(nil), r.txns[accountID]...), nil
}

type memTx struct {
	repo    *MemoryRepo
	payerID string
	balance Balance
	dirty   bool
	entries []Entry
	txns    []Transaction
}

func (t *memTx) Balance(ctx context.Context) (Balance, error) { return t.balance, nil }

func (t *memTx) FindByIdempotency(ctx context.Context, key string) (Entry, bool, error) {
	t.repo.mu.Lock()
	committed := t.repo.entries[t.payerID]
	t.repo.mu.Unlock()
	for _, list := range [][]Entry{committed, t.entries} {
		for _, e := range list {
			if e.IdempotencyKey == key {
				return e, true, nil
			}
		}
	}
	return Entry{}, false, nil
}

func (t *memTx) InsertEntry(ctx context.Context, e Entry) error {
	if _, ok, _ := t.FindByIdempotency(ctx, e.IdempotencyKey); ok {
		return ErrDuplicate
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTx) ApplyDelta(ctx context.Context, delta int64, now time.Time) (Balance, error) {
	t.balance.Seconds += delta
	t.balance.UpdatedAt = now
	t.dirty = true
	return t.balance, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr Transaction) error {
	t.txns = append(t.txns, tr)
	return nil
}
