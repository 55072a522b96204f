package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-intake/internal/calls"
	"call-intake/pkg/logger"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultBatchSize = 5000
)

// Store is the single source of truth for "already handled".
//
// Invariants:
// - A pending attempt first seen at T is rejected at or after T+TTL, never before.
// - Completed and rejected attempts are never reopened.
type Store struct {
	repo      Repository
	ttl       time.Duration
	batchSize int
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type Option func(*Store)

func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{repo: repo, ttl: DefaultTTL, batchSize: DefaultBatchSize, clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Expired reports whether a pending attempt has outlived the TTL at now.
func (s *Store) Expired(a Attempt, now time.Time) bool {
	return !now.Before(a.FirstSeenAt.Add(s.ttl))
}

// RecordOrBump creates the attempt on first sighting, otherwise bumps the retry
// counter. Past the TTL the attempt is rejected instead.
func (s *Store) RecordOrBump(ctx context.Context, r Record) (Attempt, Outcome, error) {
	if r.Provider == "" || r.ProviderCallID == "" {
		return Attempt{}, 0, errors.New("ingest: provider and call id are required")
	}
	now := s.clock().UTC()
	a := Attempt{
		Provider:       r.Provider,
		ProviderCallID: r.ProviderCallID,
		AccountID:      r.AccountID,
		FirstSeenAt:    now,
		LastAttemptAt:  now,
		Status:         StatusPending,
		RawPayload:     r.Payload,
		CallbackRoute:  r.Route,
		EntityType:     r.EntityType,
		EntityID:       r.EntityID,
		StartedAt:      r.StartedAt,
		TaskID:         r.TaskID,
	}
	inserted, err := s.repo.Insert(ctx, a)
	if err != nil {
		return Attempt{}, 0, fmt.Errorf("ingest: insert attempt: %w", err)
	}
	if inserted {
		return a, OutcomeCreated, nil
	}

	cur, err := s.repo.Get(ctx, r.Provider, r.ProviderCallID)
	if err != nil {
		return Attempt{}, 0, fmt.Errorf("ingest: load attempt: %w", err)
	}
	switch cur.Status {
	case StatusCompleted:
		return cur, OutcomeCompleted, nil
	case StatusRejected:
		return cur, OutcomeRejected, nil
	}
	if s.Expired(cur, now) {
		cur.Status = StatusRejected
		cur.LastAttemptAt = now
		if err := s.repo.Update(ctx, cur); err != nil {
			return Attempt{}, 0, fmt.Errorf("ingest: reject attempt: %w", err)
		}
		logExpired(ctx, cur)
		return cur, OutcomeExpired, nil
	}
	cur.RetryCount++
	cur.LastAttemptAt = now
	cur.Status = StatusPending
	if err := s.repo.Update(ctx, cur); err != nil {
		return Attempt{}, 0, fmt.Errorf("ingest: bump attempt: %w", err)
	}
	return cur, OutcomeBumped, nil
}

// BulkSeen returns the subset of ids that already have an attempt, querying in
// batches of at most the configured size.
func (s *Store) BulkSeen(ctx context.Context, provider calls.Provider, ids []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		got, err := s.repo.Seen(ctx, provider, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("ingest: bulk seen: %w", err)
		}
		for _, id := range got {
			seen[id] = struct{}{}
		}
	}
	return seen, nil
}

func (s *Store) setStatus(ctx context.Context, provider calls.Provider, callID string, st Status) error {
	a, err := s.repo.Get(ctx, provider, callID)
	if err != nil {
		return err
	}
	a.Status = st
	a.LastAttemptAt = s.clock().UTC()
	return s.repo.Update(ctx, a)
}

func (s *Store) MarkCompleted(ctx context.Context, provider calls.Provider, callID string) error {
	return s.setStatus(ctx, provider, callID, StatusCompleted)
}

func (s *Store) MarkRejected(ctx context.Context, provider calls.Provider, callID string) error {
	return s.setStatus(ctx, provider, callID, StatusRejected)
}

// Touch records a "not ready yet" pass: only lastAttemptAt moves.
func (s *Store) Touch(ctx context.Context, provider calls.Provider, callID string) error {
	a, err := s.repo.Get(ctx, provider, callID)
	if err != nil {
		return err
	}
	a.LastAttemptAt = s.clock().UTC()
	return s.repo.Update(ctx, a)
}

// Bump records a failed pass. Only pending attempts are bumped.
func (s *Store) Bump(ctx context.Context, provider calls.Provider, callID string) (Attempt, error) {
	a, err := s.repo.Get(ctx, provider, callID)
	if err != nil {
		return Attempt{}, err
	}
	if a.Status != StatusPending {
		return a, nil
	}
	a.RetryCount++
	a.LastAttemptAt = s.clock().UTC()
	return a, s.repo.Update(ctx, a)
}

// Pending lists every pending attempt, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Attempt, error) {
	out, err := s.repo.ListPending(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("ingest: list pending: %w", err)
	}
	return out, nil
}

// ExpirePending rejects pending attempts past the TTL and returns the rest.
func (s *Store) ExpirePending(ctx context.Context) (live []Attempt, expired []Attempt, err error) {
	all, err := s.Pending(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock().UTC()
	for _, a := range all {
		if !s.Expired(a, now) {
			live = append(live, a)
			continue
		}
		a.Status = StatusRejected
		a.LastAttemptAt = now
		if err := s.repo.Update(ctx, a); err != nil {
			return nil, nil, fmt.Errorf("ingest: expire attempt: %w", err)
		}
		logExpired(ctx, a)
		expired = append(expired, a)
	}
	return live, expired, nil
}

func (s *Store) EarliestForEntity(ctx context.Context, accountID, entityType, entityID string) (Attempt, bool, error) {
	if entityID == "" {
		return Attempt{}, false, nil
	}
	return s.repo.EarliestForEntity(ctx, accountID, entityType, entityID)
}

func logExpired(ctx context.Context, a Attempt) {
	logger.From(ctx).Error("ingestion attempt expired",
		"provider", a.Provider,
		"call_id", a.ProviderCallID,
		"account_id", a.AccountID,
		"retry_count", a.RetryCount,
		"first_seen_at", a.FirstSeenAt,
	)
}
