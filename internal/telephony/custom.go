package telephony

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"
)

// CustomRequest is the body of the interactive upload webhook.
type CustomRequest struct {
	AccountID    string `json:"account_id"`
	TelegramID   string `json:"telegram_id"`
	ClientSecret string `json:"client_secret"`
	CallURL      string `json:"call_url"`
}

// DecodeCustomRequest parses and checks the required fields.
func DecodeCustomRequest(b []byte) (CustomRequest, error) {
	var r CustomRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return CustomRequest{}, fmt.Errorf("custom: decode body: %w", err)
	}
	r.AccountID = strings.TrimSpace(r.AccountID)
	r.CallURL = strings.TrimSpace(r.CallURL)
	if r.AccountID == "" || r.CallURL == "" {
		return CustomRequest{}, errors.New("custom: account_id and call_url are required")
	}
	if u, err := url.Parse(r.CallURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return CustomRequest{}, fmt.Errorf("custom: call_url %q is not an http url", r.CallURL)
	}
	return r, nil
}

// CustomCallID derives a stable call id from the account and recording URL.
// Two accounts submitting the same link get distinct ids.
func CustomCallID(accountID, callURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(accountID) + "\x00" + strings.TrimSpace(callURL)))
	return hex.EncodeToString(sum[:])
}

// Custom handles uploads that point directly at a recording URL.
// There is no provider API behind it.
type Custom struct {
	in  tenant.Integration
	api apiClient
}

func NewCustom(in tenant.Integration, deps Deps) (Adapter, error) {
	return &Custom{in: in, api: newAPIClient(deps)}, nil
}

func (c *Custom) Name() Kind { return calls.ProviderCustom }

func (c *Custom) Authenticate(context.Context) error { return nil }

func (c *Custom) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	req, err := DecodeCustomRequest(raw.Payload)
	if err != nil {
		return calls.NormalizedCall{}, err
	}
	out := calls.NormalizedCall{
		Provider:          calls.ProviderCustom,
		ProviderCallID:    CustomCallID(req.AccountID, req.CallURL),
		AccountID:         req.AccountID,
		ResponsibleUserID: req.TelegramID,
		RecordingLocator:  req.CallURL,
		Raw:               raw,
	}
	return out, out.Validate()
}

func (c *Custom) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	return c.api.get(ctx, call.RecordingLocator)
}
