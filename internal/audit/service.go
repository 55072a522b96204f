package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.AccountID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogBalanceAdjust records an operator-initiated balance change.
func (s *Service) LogBalanceAdjust(ctx context.Context, accountID, payerID, actorID, entryID string, delta int64, reason string) error {
	return s.Append(ctx, Event{
		AccountID:    accountID,
		PayerID:      payerID,
		Type:         EventTypeBalanceAdjust,
		ActorID:      actorID,
		EntryID:      entryID,
		DeltaSeconds: delta,
		Message:      reason,
	})
}

// LogAttemptExpired records a call abandoned after the retry window.
func (s *Service) LogAttemptExpired(ctx context.Context, accountID, callID, metadata string) error {
	return s.Append(ctx, Event{
		AccountID: accountID,
		Type:      EventTypeAttemptExpire,
		Message:   "retry window elapsed for call " + callID,
		Metadata:  metadata,
	})
}
