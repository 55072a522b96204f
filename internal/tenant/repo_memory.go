package tenant

import (
	"context"
	"sort"
	"sync"

	"call-intake/internal/calls"
	"call-intake/internal/routing"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	integrations map[string]Integration // accountID|provider
	reports      map[string][]routing.Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     map[string]Account{},
		integrations: map[string]Integration{},
		reports:      map[string][]routing.Report{},
	}
}

func integrationKey(accountID string, p calls.Provider) string {
	return accountID + "|" + string(p)
}

func (m *MemoryStore) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

func (m *MemoryStore) PutIntegration(in Integration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[integrationKey(in.AccountID, in.Provider)] = in
}

func (m *MemoryStore) PutReports(accountID string, rs ...routing.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[accountID] = append([]routing.Report(nil), rs...)
}

func (m *MemoryStore) Account(ctx context.Context, accountID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) IntegrationByExternalID(ctx context.Context, provider calls.Provider, externalID string) (Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, in := range m.integrations {
		if in.Provider == provider && in.ExternalID == externalID && in.Active {
			return in, nil
		}
	}
	return Integration{}, ErrNotFound
}

func (m *MemoryStore) Integration(ctx context.Context, accountID string, provider calls.Provider) (Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[integrationKey(accountID, provider)]
	if !ok || !in.Active {
		return Integration{}, ErrNotFound
	}
	return in, nil
}

func (m *MemoryStore) Integrations(ctx context.Context, provider calls.Provider) ([]Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Integration
	for _, in := range m.integrations {
		if in.Provider == provider && in.Active {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (m *MemoryStore) Reports(ctx context.Context, accountID string) ([]routing.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]routing.Report(nil), m.reports[accountID]...), nil
}

func (m *MemoryStore) SaveTokens(ctx context.Context, accountID string, provider calls.Provider, t Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := integrationKey(accountID, provider)
	in, ok := m.integrations[k]
	if !ok {
		return ErrNotFound
	}
	in.Tokens = t
	m.integrations[k] = in
	return nil
}
