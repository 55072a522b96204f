package ingest

import (
	"context"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
)

// History answers first-call lookups from recorded attempts. Poll providers
// have no CRM, so earlier calls from the same phone are the only history.
type History struct {
	Store *Store
}

var _ filter.FirstCallSource = History{}

func (h History) FirstCallByEntity(ctx context.Context, call calls.NormalizedCall) (string, bool, error) {
	a, found, err := h.Store.EarliestForEntity(ctx, call.AccountID, call.CRMEntityType, call.CRMEntityID)
	if err != nil {
		return "", false, err
	}
	// No history yet means this call is the first.
	if !found || a.ProviderCallID == call.ProviderCallID {
		return call.ProviderCallID, true, nil
	}
	if !a.StartedAt.IsZero() && !call.StartedAt.IsZero() && call.StartedAt.Before(a.StartedAt) {
		return call.ProviderCallID, true, nil
	}
	return a.ProviderCallID, true, nil
}
