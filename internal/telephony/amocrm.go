package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/internal/tenant"
)

// amoCRM note types carried by call webhooks.
const (
	amoNoteCallIn  = "10"
	amoNoteCallOut = "11"
)

// amoEntityKeys are the top-level webhook keys that can carry call notes.
var amoEntityKeys = []string{"leads", "contacts", "companies", "customers"}

// AmoCRM is the push adapter for amoCRM call-note webhooks (two protocol versions).
type AmoCRM struct {
	in     tenant.Integration
	api    apiClient
	tokens *TokenSource
	now    func() time.Time
}

func NewAmoCRM(in tenant.Integration, deps Deps) (Adapter, error) {
	a := &AmoCRM{in: in, api: newAPIClient(deps), now: deps.Now}
	a.tokens = NewTokenSource(in, a.refresh, deps.Tokens, deps.Now)
	return a, nil
}

func (a *AmoCRM) Name() Kind { return calls.ProviderAmoCRM }

func (a *AmoCRM) Authenticate(ctx context.Context) error {
	if err := requireFields(a.in, map[string]string{"base_url": a.in.BaseURL}); err != nil {
		return err
	}
	_, err := a.tokens.Token(ctx)
	return err
}

// Normalize parses both webhook versions. raw.Route selects the version.
func (a *AmoCRM) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	form, err := url.ParseQuery(string(raw.Payload))
	if err != nil {
		return calls.NormalizedCall{}, fmt.Errorf("amocrm: parse form: %w", err)
	}
	tree := ParseBracketForm(form)

	var note map[string]any
	for _, k := range amoEntityKeys {
		if n := Sub(tree, k, "note", "0", "note"); n != nil {
			note = n
			break
		}
	}
	if note == nil {
		return calls.NormalizedCall{}, fmt.Errorf("%w: amocrm webhook carries no note", ErrSkip)
	}

	var (
		dir    calls.Direction
		params amoCallParams
	)
	if raw.Route == calls.RouteAmoCRMV2 {
		switch Str(note, "note_type") {
		case "call_in":
			dir = calls.DirectionInbound
		case "call_out":
			dir = calls.DirectionOutbound
		default:
			return calls.NormalizedCall{}, fmt.Errorf("%w: amocrm note type %q is not a call", ErrSkip, Str(note, "note_type"))
		}
		if err := json.Unmarshal([]byte(Str(note, "text")), &params); err != nil {
			return calls.NormalizedCall{}, fmt.Errorf("amocrm: v2 note text: %w", err)
		}
	} else {
		switch Str(note, "note_type") {
		case amoNoteCallIn:
			dir = calls.DirectionInbound
		case amoNoteCallOut:
			dir = calls.DirectionOutbound
		default:
			return calls.NormalizedCall{}, fmt.Errorf("%w: amocrm note type %q is not a call", ErrSkip, Str(note, "note_type"))
		}
		params = amoCallParams{
			UNIQ:     flexString(Str(note, "params", "UNIQ")),
			Duration: flexString(Str(note, "params", "DURATION")),
			Link:     flexString(Str(note, "params", "LINK")),
			Phone:    flexString(Str(note, "params", "PHONE")),
		}
	}

	id := string(params.UNIQ)
	if id == "" {
		id = Str(note, "id")
	}
	if id == "" {
		return calls.NormalizedCall{}, fmt.Errorf("amocrm: call note has no UNIQ or id")
	}
	dur := params.Duration.Int()

	out := calls.NormalizedCall{
		Provider:          calls.ProviderAmoCRM,
		ProviderCallID:    id,
		AccountID:         a.in.AccountID,
		DurationSeconds:   dur,
		Direction:         dir,
		ResponsibleUserID: Str(note, "responsible_user_id"),
		RecordingLocator:  string(params.Link),
		CRMEntityType:     amoEntityType(Str(note, "element_type")),
		CRMEntityID:       Str(note, "element_id"),
		PhoneNumber:       string(params.Phone),
		Raw:               raw,
	}
	if ts, err := strconv.ParseInt(Str(note, "created_at"), 10, 64); err == nil && ts > 0 {
		out.StartedAt = time.Unix(ts, 0).UTC()
	}
	return out, out.Validate()
}

// AmoAccountID reads account[id] without a full normalize; used to resolve the tenant.
func AmoAccountID(payload []byte) string {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(form.Get("account[id]"))
}

type amoCallParams struct {
	UNIQ     flexString `json:"UNIQ"`
	Duration flexString `json:"DURATION"`
	Link     flexString `json:"LINK"`
	Phone    flexString `json:"PHONE"`
}

func amoEntityType(code string) string {
	switch code {
	case "1", "contact", "contacts":
		return "contact"
	case "2", "lead", "leads":
		return "lead"
	case "3", "company", "companies":
		return "company"
	case "12", "customer", "customers":
		return "customer"
	default:
		return code
	}
}

func amoEntityPath(entityType string) (string, error) {
	switch entityType {
	case "lead":
		return "leads", nil
	case "contact":
		return "contacts", nil
	case "company":
		return "companies", nil
	case "customer":
		return "customers", nil
	default:
		return "", fmt.Errorf("%w: unknown amocrm entity type %q", ErrConfig, entityType)
	}
}

func (a *AmoCRM) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	return a.api.get(ctx, call.RecordingLocator)
}

// authed issues an authenticated request, refreshing once on 401.
func (a *AmoCRM) authed(ctx context.Context, method, path string, body any, out any) (int, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = b
	}
	for attempt := 0; ; attempt++ {
		tok, err := a.tokens.Token(ctx)
		if err != nil {
			return 0, err
		}
		status, err := a.api.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.in.BaseURL, "/")+path, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			return req, nil
		}, out)
		if status == http.StatusUnauthorized && attempt == 0 {
			a.tokens.Invalidate(tok)
			continue
		}
		return status, err
	}
}

type amoEntity struct {
	ID           int64 `json:"id"`
	PipelineID   int64 `json:"pipeline_id"`
	StatusID     int64 `json:"status_id"`
	CustomFields []struct {
		FieldID int64 `json:"field_id"`
		Values  []struct {
			Value  any   `json:"value"`
			EnumID int64 `json:"enum_id"`
		} `json:"values"`
	} `json:"custom_fields_values"`
	Embedded struct {
		Leads []struct {
			ID int64 `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

func (e amoEntity) toFilter(entityType string) filter.Entity {
	out := filter.Entity{
		Type:         entityType,
		ID:           strconv.FormatInt(e.ID, 10),
		CustomFields: map[string][]string{},
	}
	if e.PipelineID != 0 {
		out.PipelineID = strconv.FormatInt(e.PipelineID, 10)
	}
	if e.StatusID != 0 {
		out.StatusID = strconv.FormatInt(e.StatusID, 10)
	}
	for _, f := range e.CustomFields {
		key := strconv.FormatInt(f.FieldID, 10)
		for _, v := range f.Values {
			if v.EnumID != 0 {
				out.CustomFields[key] = append(out.CustomFields[key], strconv.FormatInt(v.EnumID, 10))
			}
			if v.Value != nil {
				out.CustomFields[key] = append(out.CustomFields[key], fmt.Sprint(v.Value))
			}
		}
	}
	return out
}

// FetchEntity loads a lead, contact or company. Contacts and companies carry
// their first linked lead as Deal.
func (a *AmoCRM) FetchEntity(ctx context.Context, entityType, entityID string) (filter.Entity, error) {
	path, err := amoEntityPath(entityType)
	if err != nil {
		return filter.Entity{}, err
	}
	var e amoEntity
	q := ""
	if entityType == "contact" || entityType == "company" {
		q = "?with=leads"
	}
	if _, err := a.authed(ctx, http.MethodGet, "/api/v4/"+path+"/"+url.PathEscape(entityID)+q, nil, &e); err != nil {
		return filter.Entity{}, fmt.Errorf("amocrm: fetch %s %s: %w", entityType, entityID, err)
	}
	out := e.toFilter(entityType)
	if len(e.Embedded.Leads) > 0 {
		lead, err := a.FetchEntity(ctx, "lead", strconv.FormatInt(e.Embedded.Leads[0].ID, 10))
		if err != nil {
			return filter.Entity{}, err
		}
		out.Deal = &lead
	}
	return out, nil
}

type amoNotes struct {
	Embedded struct {
		Notes []struct {
			ID        int64  `json:"id"`
			NoteType  string `json:"note_type"`
			CreatedAt int64  `json:"created_at"`
			Params    struct {
				UNIQ string `json:"uniq"`
			} `json:"params"`
		} `json:"notes"`
	} `json:"_embedded"`
}

// FirstCallByEntity returns the UNIQ of the oldest call note on the entity.
func (a *AmoCRM) FirstCallByEntity(ctx context.Context, call calls.NormalizedCall) (string, bool, error) {
	path, err := amoEntityPath(call.CRMEntityType)
	if err != nil {
		return "", false, err
	}
	q := url.Values{}
	q.Add("filter[note_type][]", "call_in")
	q.Add("filter[note_type][]", "call_out")
	q.Set("order[created_at]", "asc")
	q.Set("limit", "1")

	var notes amoNotes
	status, err := a.authed(ctx, http.MethodGet, "/api/v4/"+path+"/"+url.PathEscape(call.CRMEntityID)+"/notes?"+q.Encode(), nil, &notes)
	if err != nil {
		return "", false, fmt.Errorf("amocrm: first call: %w", err)
	}
	if status == http.StatusNoContent || len(notes.Embedded.Notes) == 0 {
		return "", false, nil
	}
	n := notes.Embedded.Notes[0]
	if n.Params.UNIQ != "" {
		return n.Params.UNIQ, true, nil
	}
	return strconv.FormatInt(n.ID, 10), true, nil
}

// AddNote posts a common note to the call's entity.
func (a *AmoCRM) AddNote(ctx context.Context, call calls.NormalizedCall, text string) error {
	path, err := amoEntityPath(call.CRMEntityType)
	if err != nil {
		return err
	}
	body := []map[string]any{{
		"note_type": "common",
		"params":    map[string]string{"text": text},
	}}
	if _, err := a.authed(ctx, http.MethodPost, "/api/v4/"+path+"/"+url.PathEscape(call.CRMEntityID)+"/notes", body, nil); err != nil {
		return fmt.Errorf("amocrm: add note: %w", err)
	}
	return nil
}

func (a *AmoCRM) refresh(ctx context.Context, refreshToken string) (tenant.Tokens, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":     a.in.ClientID,
		"client_secret": a.in.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"redirect_uri":  a.in.RedirectURI,
	})
	var tr tokenResponse
	_, err := a.api.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.in.BaseURL, "/")+"/oauth2/access_token", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &tr)
	if err != nil {
		return tenant.Tokens{}, err
	}
	return tr.tokens(a.now())
}
