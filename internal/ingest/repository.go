package ingest

import (
	"context"

	"call-intake/internal/calls"
)

// Repository persists attempts.
//
// Rules:
// - Insert must not overwrite an existing (provider, call id); it reports inserted=false instead.
// - Update replaces the mutable fields of an existing attempt.
type Repository interface {
	Insert(ctx context.Context, a Attempt) (inserted bool, err error)
	Get(ctx context.Context, provider calls.Provider, callID string) (Attempt, error)
	Update(ctx context.Context, a Attempt) error
	Seen(ctx context.Context, provider calls.Provider, callIDs []string) ([]string, error)
	ListPending(ctx context.Context, limit int) ([]Attempt, error)
	EarliestForEntity(ctx context.Context, accountID, entityType, entityID string) (Attempt, bool, error)
}
