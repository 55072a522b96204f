package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew refreshes slightly before the real expiry.
const expirySkew = 30 * time.Second

// RefreshFunc exchanges a refresh token for a new pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (tenant.Tokens, error)

// TokenSource hands out a valid access token, refreshing lazily.
// Refresh is single-flight per adapter instance; separate processes may still
// refresh concurrently.
type TokenSource struct {
	accountID string
	provider  calls.Provider
	refresh   RefreshFunc
	saver     tenant.TokenSaver
	now       func() time.Time

	mu     sync.Mutex
	tokens tenant.Tokens
}

func NewTokenSource(in tenant.Integration, refresh RefreshFunc, saver tenant.TokenSaver, now func() time.Time) *TokenSource {
	if now == nil {
		now = time.Now
	}
	return &TokenSource{
		accountID: in.AccountID,
		provider:  in.Provider,
		refresh:   refresh,
		saver:     saver,
		now:       now,
		tokens:    in.Tokens,
	}
}

// Token returns an access token, refreshing it first when its expiry has passed.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.tokens.AccessToken != "" && !ts.expiredLocked() {
		return ts.tokens.AccessToken, nil
	}
	if err := ts.refreshLocked(ctx); err != nil {
		return "", err
	}
	return ts.tokens.AccessToken, nil
}

// Invalidate forces the next Token call to refresh, e.g. after a 401.
// stale is the token the caller saw rejected; a newer token is kept.
func (ts *TokenSource) Invalidate(stale string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tokens.AccessToken == stale {
		ts.tokens.AccessToken = ""
	}
}

func (ts *TokenSource) expiredLocked() bool {
	exp := TokenExpiry(ts.tokens)
	if exp.IsZero() {
		return false
	}
	return !ts.now().Add(expirySkew).Before(exp)
}

func (ts *TokenSource) refreshLocked(ctx context.Context) error {
	if ts.refresh == nil || ts.tokens.RefreshToken == "" {
		return fmt.Errorf("%w: %s access token expired and no refresh token is stored", ErrConfig, ts.provider)
	}
	next, err := ts.refresh(ctx, ts.tokens.RefreshToken)
	if err != nil {
		if Transient(err) {
			return err
		}
		return fmt.Errorf("%w: %s token refresh failed: %v", ErrConfig, ts.provider, err)
	}
	if next.AccessToken == "" {
		return fmt.Errorf("%w: %s token refresh returned no access token", ErrConfig, ts.provider)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = ts.tokens.RefreshToken
	}
	ts.tokens = next
	if ts.saver != nil {
		if err := ts.saver.SaveTokens(ctx, ts.accountID, ts.provider, next); err != nil {
			return fmt.Errorf("persist refreshed tokens: %w", err)
		}
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT access token without verifying it
// (the CRM signs it, we only need the timestamp). Opaque tokens fall back to the
// stored expiry.
func TokenExpiry(t tenant.Tokens) time.Time {
	if t.AccessToken != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				return exp.Time
			}
		}
	}
	return t.ExpiresAt
}

// tokenResponse is the common OAuth2 token endpoint body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (r tokenResponse) tokens(now time.Time) (tenant.Tokens, error) {
	if r.Error != "" {
		return tenant.Tokens{}, errors.New(r.Error + ": " + r.ErrorDesc)
	}
	t := tenant.Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	if r.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return t, nil
}
