package tenant

import (
	"context"
	"errors"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/routing"
)

var ErrNotFound = errors.New("tenant: not found")

// Account is a tenant account as seen by the intake core.
type Account struct {
	ID string `json:"id"`
	// PayerID is the account billed for this one; empty means self.
	PayerID string `json:"payer_id,omitempty"`
	Name    string `json:"name"`

	// Timezone and PhoneRegion override process defaults for filtering.
	Timezone    string `json:"timezone,omitempty"`
	PhoneRegion string `json:"phone_region,omitempty"`

	// WebhookSecret authenticates the custom webhook and task status API.
	WebhookSecret string `json:"-"`
}

// Integration holds one account's credentials for one provider.
type Integration struct {
	AccountID string         `json:"account_id"`
	Provider  calls.Provider `json:"provider"`

	// ExternalID is the provider-side account identifier seen in webhooks
	// (amoCRM account id, Bitrix member_id, PBX domain).
	ExternalID string `json:"external_id"`
	// BaseURL is the tenant-specific API root (CRM subdomain, PBX host).
	BaseURL string `json:"base_url,omitempty"`

	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri,omitempty"`

	Tokens Tokens `json:"-"`

	APIKey    string `json:"-"`
	APISecret string `json:"-"`

	Active bool `json:"active"`
}

// Tokens is a refreshable OAuth2 token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the stored expiry, used when the access token is opaque.
	ExpiresAt time.Time
}

// Directory is the read side of tenant data needed by intake.
type Directory interface {
	Account(ctx context.Context, accountID string) (Account, error)
	IntegrationByExternalID(ctx context.Context, provider calls.Provider, externalID string) (Integration, error)
	Integration(ctx context.Context, accountID string, provider calls.Provider) (Integration, error)
	Integrations(ctx context.Context, provider calls.Provider) ([]Integration, error)
	Reports(ctx context.Context, accountID string) ([]routing.Report, error)
}

// TokenSaver persists refreshed token pairs.
type TokenSaver interface {
	SaveTokens(ctx context.Context, accountID string, provider calls.Provider, t Tokens) error
}

// Store is the full tenant data-access surface.
type Store interface {
	Directory
	TokenSaver
}
