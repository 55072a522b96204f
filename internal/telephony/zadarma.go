package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"
)

const (
	zadarmaDefaultBase = "https://api.zadarma.com"
	zadarmaTimeLayout  = "2006-01-02 15:04:05"
)

// Zadarma polls PBX statistics from the Zadarma API.
type Zadarma struct {
	in   tenant.Integration
	api  apiClient
	base string
	loc  *time.Location
	now  func() time.Time
}

func NewZadarma(in tenant.Integration, deps Deps) (Adapter, error) {
	base := strings.TrimRight(in.BaseURL, "/")
	if base == "" {
		base = zadarmaDefaultBase
	}
	return &Zadarma{in: in, api: newAPIClient(deps), base: base, loc: deps.Location, now: deps.Now}, nil
}

func (z *Zadarma) Name() Kind { return calls.ProviderZadarma }

func (z *Zadarma) Authenticate(ctx context.Context) error {
	return requireFields(z.in, map[string]string{"api_key": z.in.APIKey, "api_secret": z.in.APISecret})
}

// signature is base64(hex(hmac_sha1(path + query + md5(query), secret))).
func zadarmaSignature(path, query, secret string) string {
	sum := md5.Sum([]byte(query))
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(path + query + hex.EncodeToString(sum[:])))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}

func (z *Zadarma) get(ctx context.Context, path string, params url.Values, out any) error {
	query := params.Encode()
	_, err := z.api.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.base+path+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", z.in.APIKey+":"+zadarmaSignature(path, query, z.in.APISecret))
		return req, nil
	}, out)
	return err
}

type zadarmaStats struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Stats   []map[string]any `json:"stats"`
}

func (z *Zadarma) FetchCalls(ctx context.Context, since time.Time) ([]calls.RawCall, error) {
	if err := z.Authenticate(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("start", since.In(z.loc).Format(zadarmaTimeLayout))
	params.Set("end", z.now().In(z.loc).Format(zadarmaTimeLayout))
	params.Set("version", "2")

	var resp zadarmaStats
	if err := z.get(ctx, "/v1/statistics/pbx/", params, &resp); err != nil {
		return nil, fmt.Errorf("zadarma statistics: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("zadarma statistics: %s", resp.Message)
	}
	out := make([]calls.RawCall, 0, len(resp.Stats))
	for _, s := range resp.Stats {
		rec := flatten(s)
		out = append(out, calls.RawCall{
			Provider:   calls.ProviderZadarma,
			Route:      calls.RoutePoll,
			AccountID:  z.in.AccountID,
			Payload:    rec.payload(),
			ReceivedAt: z.now(),
		})
	}
	return out, nil
}

func (z *Zadarma) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	rec, err := decodeRecord(raw.Payload)
	if err != nil {
		return calls.NormalizedCall{}, fmt.Errorf("zadarma: decode record: %w", err)
	}
	if rec["is_recorded"] == "false" || rec["is_recorded"] == "0" {
		return calls.NormalizedCall{}, fmt.Errorf("%w: zadarma call %s was not recorded", ErrSkip, rec["pbx_call_id"])
	}

	var dir calls.Direction
	switch rec["call_type"] {
	case "incoming":
		dir = calls.DirectionInbound
	case "outgoing":
		dir = calls.DirectionOutbound
	case "internal":
		dir = calls.DirectionInternal
	default:
		return calls.NormalizedCall{}, fmt.Errorf("zadarma: unknown call_type %q", rec["call_type"])
	}

	out := calls.NormalizedCall{
		Provider:         calls.ProviderZadarma,
		ProviderCallID:   rec["pbx_call_id"],
		AccountID:        z.in.AccountID,
		DurationSeconds:  atoi(rec["seconds"]),
		Direction:        dir,
		RecordingLocator: rec["pbx_call_id"],
		Raw:              raw,
	}
	if t, err := time.ParseInLocation(zadarmaTimeLayout, rec["callstart"], z.loc); err == nil {
		out.StartedAt = t.UTC()
	}
	if dir == calls.DirectionInbound {
		out.PhoneNumber = rec["clid"]
		out.ResponsibleUserID = rec["destination"]
	} else {
		out.PhoneNumber = rec["destination"]
		out.ResponsibleUserID = rec["sip"]
	}
	phoneEntity(&out)
	return out, out.Validate()
}

func (z *Zadarma) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	params := url.Values{}
	params.Set("pbx_call_id", call.RecordingLocator)
	params.Set("lifetime", "3600")
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Link    string `json:"link"`
	}
	if err := z.get(ctx, "/v1/pbx/record/request/", params, &resp); err != nil {
		return calls.Recording{}, fmt.Errorf("zadarma record request: %w", err)
	}
	if resp.Status != "success" || resp.Link == "" {
		return calls.Recording{}, fmt.Errorf("%w: %s", ErrNotReady, resp.Message)
	}
	return z.api.get(ctx, resp.Link)
}
