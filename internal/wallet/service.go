package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-intake/internal/audit"
	"call-intake/internal/tenant"
	"call-intake/pkg/logger"

	"github.com/google/uuid"
)

// MinAdjustment is the smallest magnitude any single balance change may have.
const MinAdjustment int64 = 60

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
	ErrDuplicate         = errors.New("wallet: duplicate idempotency key")
)

// Accounts resolves billing delegation.
type Accounts interface {
	Account(ctx context.Context, accountID string) (tenant.Account, error)
}

// Service is the prepaid-seconds ledger.
//
// Money invariants:
// - No balance updates without a ledger entry.
// - Ledger is append-only.
// - Every adjustment runs under the payer's lock in one transaction.
// - Balance checks and debits resolve to the payer, never the sub-account.
type Service struct {
	repo     Repository
	accounts Accounts
	audit    *audit.Service
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, accounts Accounts, auditSvc *audit.Service) *Service {
	return &Service{repo: repo, accounts: accounts, audit: auditSvc, clock: time.Now}
}

// RoundAdjustment floors the magnitude of delta to MinAdjustment, keeping the sign.
func RoundAdjustment(delta int64) int64 {
	switch {
	case delta > 0 && delta < MinAdjustment:
		return MinAdjustment
	case delta < 0 && delta > -MinAdjustment:
		return -MinAdjustment
	default:
		return delta
	}
}

// PayerAccount returns the account billed for accountID.
func (s *Service) PayerAccount(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		return "", ErrInvalidArgument
	}
	if s.accounts == nil {
		return accountID, nil
	}
	a, err := s.accounts.Account(ctx, accountID)
	if errors.Is(err, tenant.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return a.Payer(), nil
}

// GetBalance returns the payer's balance for accountID.
func (s *Service) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	payer, err := s.PayerAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return s.repo.Balance(ctx, payer)
}

// Reserve checks that the payer can cover seconds (rounded to the minimum).
// Nothing is debited.
func (s *Service) Reserve(ctx context.Context, accountID string, seconds int64) error {
	if seconds < 0 {
		return ErrInvalidArgument
	}
	need := seconds
	if need < MinAdjustment {
		need = MinAdjustment
	}
	b, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	if b.Seconds < need {
		return fmt.Errorf("%w: balance %ds, need %ds", ErrInsufficientFunds, b.Seconds, need)
	}
	return nil
}

// Adjust is the single path for every balance change.
// A repeated idempotency key returns the original entry and the current balance.
func (s *Service) Adjust(ctx context.Context, accountID string, delta int64, md Metadata) (Entry, Balance, error) {
	if accountID == "" || delta == 0 || md.Kind == "" {
		return Entry{}, Balance{}, ErrInvalidArgument
	}
	payer, err := s.PayerAccount(ctx, accountID)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	key := md.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	stored := RoundAdjustment(delta)
	now := s.clock().UTC()

	var outEntry Entry
	var outBal Balance
	err = s.repo.WithPayerLock(ctx, payer, func(ctx context.Context, tx Tx) error {
		if existing, ok, err := tx.FindByIdempotency(ctx, key); err != nil {
			return err
		} else if ok {
			b, err := tx.Balance(ctx)
			if err != nil {
				return err
			}
			outEntry, outBal = existing, b
			return nil
		}

		cur, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if stored < 0 && !md.AllowNegative && cur.Seconds+stored < 0 {
			return fmt.Errorf("%w: balance %ds, adjustment %ds", ErrInsufficientFunds, cur.Seconds, stored)
		}

		entry := Entry{
			ID:               uuid.NewString(),
			AccountID:        payer,
			Kind:             md.Kind,
			DeltaSeconds:     stored,
			RequestedSeconds: delta,
			IdempotencyKey:   key,
			Reference:        md.Reference,
			CreatedAt:        now,
		}
		if accountID != payer {
			entry.SourceAccountID = accountID
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		b, err := tx.ApplyDelta(ctx, stored, now)
		if err != nil {
			return err
		}

		if md.Visible {
			owners := []string{payer}
			if accountID != payer {
				owners = append(owners, accountID)
			}
			for _, owner := range owners {
				if err := tx.InsertTransaction(ctx, Transaction{
					ID:           uuid.NewString(),
					AccountID:    owner,
					PayerID:      payer,
					EntryID:      entry.ID,
					Kind:         md.Kind,
					DeltaSeconds: stored,
					Description:  md.Description,
					CreatedAt:    now,
				}); err != nil {
					return err
				}
			}
		}
		outEntry, outBal = entry, b
		return nil
	})
	if err != nil {
		return Entry{}, Balance{}, err
	}
	return outEntry, outBal, nil
}

func debitKey(taskID string) string  { return "task:" + taskID + ":debit" }
func refundKey(taskID string) string { return "task:" + taskID + ":refund" }

// Debit charges the measured duration of a task.
func (s *Service) Debit(ctx context.Context, accountID, taskID string, seconds int64) (Entry, Balance, error) {
	if taskID == "" || seconds <= 0 {
		return Entry{}, Balance{}, ErrInvalidArgument
	}
	return s.Adjust(ctx, accountID, -seconds, Metadata{
		Kind:           EntryKindDebit,
		IdempotencyKey: debitKey(taskID),
		Reference:      taskID,
		Description:    fmt.Sprintf("call analysis, %ds", seconds),
		Visible:        true,
	})
}

// Refund returns exactly what a debit took.
func (s *Service) Refund(ctx context.Context, accountID, taskID string, debit Entry) (Entry, Balance, error) {
	if taskID == "" || debit.DeltaSeconds >= 0 {
		return Entry{}, Balance{}, ErrInvalidArgument
	}
	return s.Adjust(ctx, accountID, -debit.DeltaSeconds, Metadata{
		Kind:           EntryKindRefund,
		IdempotencyKey: refundKey(taskID),
		Reference:      taskID,
		Description:    "refund for failed analysis",
		Visible:        true,
	})
}

// AdminAdjust applies an operator change and records an internal audit event.
func (s *Service) AdminAdjust(ctx context.Context, accountID, actorID, reason string, delta int64, idempotencyKey string) (Entry, Balance, error) {
	if actorID == "" || reason == "" || idempotencyKey == "" {
		return Entry{}, Balance{}, ErrInvalidArgument
	}
	entry, bal, err := s.Adjust(ctx, accountID, delta, Metadata{
		Kind:           EntryKindAdmin,
		IdempotencyKey: idempotencyKey,
		Reference:      "admin:" + actorID,
		Description:    reason,
		Visible:        true,
		AllowNegative:  true,
	})
	if err != nil {
		return Entry{}, Balance{}, err
	}
	if s.audit != nil {
		if err := s.audit.LogBalanceAdjust(ctx, accountID, entry.AccountID, actorID, entry.ID, entry.DeltaSeconds, reason); err != nil {
			logger.From(ctx).Warn("audit append failed", "account_id", accountID, "entry_id", entry.ID, "err", err)
		}
	}
	return entry, bal, nil
}

// Transactions returns accountID's user-visible history.
func (s *Service) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	if accountID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.Transactions(ctx, accountID)
}
