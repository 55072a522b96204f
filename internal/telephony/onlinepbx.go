package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"
)

const onlinePBXDefaultBase = "https://api.onlinepbx.ru"

// OnlinePBX polls call history from the OnlinePBX API.
// The API key is exchanged for a session key which is cached until rejected.
type OnlinePBX struct {
	in   tenant.Integration
	api  apiClient
	base string
	now  func() time.Time

	mu      sync.Mutex
	session string
}

func NewOnlinePBX(in tenant.Integration, deps Deps) (Adapter, error) {
	base := strings.TrimRight(in.BaseURL, "/")
	if base == "" {
		base = onlinePBXDefaultBase + "/" + in.ExternalID
	}
	return &OnlinePBX{in: in, api: newAPIClient(deps), base: base, now: deps.Now}, nil
}

func (o *OnlinePBX) Name() Kind { return calls.ProviderOnlinePBX }

type onlinePBXResponse struct {
	Status    string          `json:"status"`
	Comment   string          `json:"comment"`
	IsNotAuth bool            `json:"isNotAuth"`
	Data      json.RawMessage `json:"data"`
}

// Authenticate logs in with the API key and caches the session key.
func (o *OnlinePBX) Authenticate(ctx context.Context) error {
	if err := requireFields(o.in, map[string]string{"api_key": o.in.APIKey}); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loginLocked(ctx)
}

func (o *OnlinePBX) loginLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("auth_key", o.in.APIKey)
	var resp onlinePBXResponse
	if _, err := o.api.doJSON(ctx, o.formRequest("/auth.json", form, ""), &resp); err != nil {
		return fmt.Errorf("onlinepbx auth: %w", err)
	}
	var data struct {
		Key   string `json:"key"`
		KeyID string `json:"key_id"`
	}
	if resp.Status != "1" || json.Unmarshal(resp.Data, &data) != nil || data.Key == "" {
		return fmt.Errorf("%w: onlinepbx rejected api key: %s", ErrConfig, resp.Comment)
	}
	o.session = data.KeyID + ":" + data.Key
	return nil
}

func (o *OnlinePBX) formRequest(path string, form url.Values, session string) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if session != "" {
			req.Header.Set("x-pbx-authentication", session)
		}
		return req, nil
	}
}

// call runs an authenticated request, logging in again once if the session expired.
func (o *OnlinePBX) call(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == "" {
		if err := o.loginLocked(ctx); err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var resp onlinePBXResponse
		if _, err := o.api.doJSON(ctx, o.formRequest(path, form, o.session), &resp); err != nil {
			return nil, fmt.Errorf("onlinepbx %s: %w", path, err)
		}
		if resp.IsNotAuth && attempt == 0 {
			if err := o.loginLocked(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if resp.Status != "1" {
			return nil, fmt.Errorf("onlinepbx %s: %s", path, resp.Comment)
		}
		return resp.Data, nil
	}
}

func (o *OnlinePBX) FetchCalls(ctx context.Context, since time.Time) ([]calls.RawCall, error) {
	form := url.Values{}
	form.Set("start_stamp_from", fmt.Sprint(since.Unix()))
	form.Set("start_stamp_to", fmt.Sprint(o.now().Unix()))
	data, err := o.call(ctx, "/mongo_history/search.json", form)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("onlinepbx history: %w", err)
	}
	out := make([]calls.RawCall, 0, len(rows))
	for _, row := range rows {
		rec := flatten(row)
		out = append(out, calls.RawCall{
			Provider:   calls.ProviderOnlinePBX,
			Route:      calls.RoutePoll,
			AccountID:  o.in.AccountID,
			Payload:    rec.payload(),
			ReceivedAt: o.now(),
		})
	}
	return out, nil
}

func (o *OnlinePBX) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	rec, err := decodeRecord(raw.Payload)
	if err != nil {
		return calls.NormalizedCall{}, fmt.Errorf("onlinepbx: decode record: %w", err)
	}
	var dir calls.Direction
	switch rec["accountcode"] {
	case "inbound":
		dir = calls.DirectionInbound
	case "outbound":
		dir = calls.DirectionOutbound
	case "local":
		dir = calls.DirectionInternal
	default:
		return calls.NormalizedCall{}, fmt.Errorf("onlinepbx: unknown accountcode %q", rec["accountcode"])
	}

	// user_talk_time excludes ringing; fall back to total duration.
	dur := atoi(rec["user_talk_time"])
	if dur == 0 {
		dur = atoi(rec["duration"])
	}
	out := calls.NormalizedCall{
		Provider:         calls.ProviderOnlinePBX,
		ProviderCallID:   rec["uuid"],
		AccountID:        o.in.AccountID,
		StartedAt:        flexString(rec["start_stamp"]).Unix(),
		DurationSeconds:  dur,
		Direction:        dir,
		RecordingLocator: rec["uuid"],
		Raw:              raw,
	}
	if dir == calls.DirectionInbound {
		out.PhoneNumber = rec["caller_id_number"]
		out.ResponsibleUserID = rec["destination_number"]
	} else {
		out.PhoneNumber = rec["destination_number"]
		out.ResponsibleUserID = rec["caller_id_number"]
	}
	phoneEntity(&out)
	return out, out.Validate()
}

func (o *OnlinePBX) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	form := url.Values{}
	form.Set("uuid", call.RecordingLocator)
	form.Set("download", "1")
	data, err := o.call(ctx, "/mongo_history/search.json", form)
	if err != nil {
		return calls.Recording{}, err
	}
	var link string
	if err := json.Unmarshal(data, &link); err != nil || link == "" {
		return calls.Recording{}, ErrNotReady
	}
	return o.api.get(ctx, link)
}
