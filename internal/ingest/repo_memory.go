package ingest

import (
	"context"
	"sort"
	"sync"

	"call-intake/internal/calls"
)

type attemptKey struct {
	provider calls.Provider
	callID   string
}

// MemoryRepo is an in-memory Repository for tests and single-process runs.
type MemoryRepo struct {
	mu       sync.Mutex
	attempts map[attemptKey]Attempt
	// SeenCalls counts Seen invocations so tests can check batching.
	SeenCalls int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{attempts: map[attemptKey]Attempt{}}
}

func (r *MemoryRepo) Insert(ctx context.Context, a Attempt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := attemptKey{a.Provider, a.ProviderCallID}
	if _, ok := r.attempts[k]; ok {
		return false, nil
	}
	r.attempts[k] = a
	return true, nil
}

func (r *MemoryRepo) Get(ctx context.Context, provider calls.Provider, callID string) (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptKey{provider, callID}]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Update(ctx context.Context, a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := attemptKey{a.Provider, a.ProviderCallID}
	if _, ok := r.attempts[k]; !ok {
		return ErrNotFound
	}
	r.attempts[k] = a
	return nil
}

func (r *MemoryRepo) Seen(ctx context.Context, provider calls.Provider, callIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SeenCalls++
	var out []string
	for _, id := range callIDs {
		if _, ok := r.attempts[attemptKey{provider, id}]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListPending(ctx context.Context, limit int) ([]Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Attempt
	for _, a := range r.attempts {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].ProviderCallID < out[j].ProviderCallID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) EarliestForEntity(ctx context.Context, accountID, entityType, entityID string) (Attempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best Attempt
	found := false
	for _, a := range r.attempts {
		if a.AccountID != accountID || a.EntityType != entityType || a.EntityID != entityID {
			continue
		}
		if !found || earlier(a, best) {
			best, found = a, true
		}
	}
	return best, found, nil
}

// earlier orders by provider start time, unknown start times last.
func earlier(a, b Attempt) bool {
	switch {
	case a.StartedAt.IsZero() != b.StartedAt.IsZero():
		return !a.StartedAt.IsZero()
	case !a.StartedAt.Equal(b.StartedAt):
		return a.StartedAt.Before(b.StartedAt)
	default:
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
}
