package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process memory. Tests and local runs only.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of every event in append order.
func (r *MemoryRepo) Events() []Event {
	return r.Filter(func(Event) bool { return true })
}

// OfType returns the events of type t for accountID, in append order.
func (r *MemoryRepo) OfType(accountID string, t EventType) []Event {
	return r.Filter(func(e Event) bool { return e.AccountID == accountID && e.Type == t })
}

func (r *MemoryRepo) Filter(keep func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
