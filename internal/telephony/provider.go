package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/internal/tenant"
	"call-intake/pkg/utils"
)

// Kind selects a provider adapter implementation.
type Kind = calls.Provider

var (
	// ErrNotReady means the provider accepted the call but has not stored the audio yet.
	// It is the retry trigger, never a permanent rejection.
	ErrNotReady = errors.New("telephony: recording not ready")
	// ErrUnsupported is returned for capabilities a provider does not have.
	ErrUnsupported = errors.New("telephony: unsupported by provider")
	// ErrConfig marks missing or unusable integration credentials.
	// These need operator action and are never retried.
	ErrConfig = errors.New("telephony: integration misconfigured")
	// ErrSkip means the payload is valid but is not a call we act on.
	ErrSkip = errors.New("telephony: payload skipped")
)

// Adapter is implemented by every provider.
//
// Rules:
// - Adapters are built per account from tenant credentials; no shared clients.
// - Vocabulary mapping into calls.Direction happens inside Normalize.
type Adapter interface {
	Name() Kind
	Normalize(raw calls.RawCall) (calls.NormalizedCall, error)
	FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error)
	Authenticate(ctx context.Context) error
}

// Poller is implemented by providers that are polled instead of pushing webhooks.
type Poller interface {
	Adapter
	FetchCalls(ctx context.Context, since time.Time) ([]calls.RawCall, error)
}

// EntityFetcher loads CRM entities for pipeline/status and custom-field rules.
type EntityFetcher interface {
	FetchEntity(ctx context.Context, entityType, entityID string) (filter.Entity, error)
}

// FirstCallFinder looks up the earliest call on the call's CRM entity.
type FirstCallFinder interface {
	FirstCallByEntity(ctx context.Context, call calls.NormalizedCall) (id string, found bool, err error)
}

// Commenter posts text back to the CRM entity a call belongs to.
type Commenter interface {
	AddNote(ctx context.Context, call calls.NormalizedCall, text string) error
}

var (
	_ filter.EntitySource    = EntityFetcher(nil)
	_ filter.FirstCallSource = FirstCallFinder(nil)
)

// Deps are the process-level collaborators handed to every factory.
type Deps struct {
	HTTP     *http.Client
	Tokens   tenant.TokenSaver
	Retry    utils.RetryPolicy
	Location *time.Location
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	out := d
	if out.HTTP == nil {
		out.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	if out.Retry.MaxAttempts == 0 {
		out.Retry = utils.DefaultRetryPolicy()
	}
	if out.Location == nil {
		out.Location = time.UTC
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Factory builds an adapter for one account's integration.
type Factory func(in tenant.Integration, deps Deps) (Adapter, error)

// Registry maps provider kinds to factories.
type Registry struct {
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{}}
}

// DefaultRegistry knows every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(calls.ProviderAmoCRM, NewAmoCRM)
	r.Register(calls.ProviderBitrix, NewBitrix)
	r.Register(calls.ProviderMango, NewMango)
	r.Register(calls.ProviderZadarma, NewZadarma)
	r.Register(calls.ProviderOnlinePBX, NewOnlinePBX)
	r.Register(calls.ProviderSipuni, NewSipuni)
	r.Register(calls.ProviderCustom, NewCustom)
	return r
}

func (r *Registry) Register(k Kind, f Factory) {
	r.factories[k] = f
}

// New builds the adapter for in.Provider.
func (r *Registry) New(in tenant.Integration, deps Deps) (Adapter, error) {
	f, ok := r.factories[in.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrConfig, in.Provider)
	}
	return f(in, deps.withDefaults())
}

// Kinds lists registered providers in stable order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsPoller reports whether k is a polled provider.
func IsPoller(k Kind) bool {
	switch k {
	case calls.ProviderMango, calls.ProviderZadarma, calls.ProviderOnlinePBX, calls.ProviderSipuni:
		return true
	default:
		return false
	}
}

func requireFields(in tenant.Integration, fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s integration for account %s is missing %v", ErrConfig, in.Provider, in.AccountID, missing)
}
