package telephony

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/internal/tenant"
)

const (
	bitrixCallEndEvent = "ONVOXIMPLANTCALLEND"
	bitrixOAuthURL     = "https://oauth.bitrix.info/oauth/token/"
)

// bitrixAcceptedCodes are CALL_FAILED_CODE values for calls that actually connected.
var bitrixAcceptedCodes = map[string]bool{"200": true, "OTHER": true}

// Bitrix is the push adapter for Bitrix24 telephony call-end events.
type Bitrix struct {
	in       tenant.Integration
	api      apiClient
	tokens   *TokenSource
	now      func() time.Time
	loc      *time.Location
	oauthURL string
}

func NewBitrix(in tenant.Integration, deps Deps) (Adapter, error) {
	b := &Bitrix{in: in, api: newAPIClient(deps), now: deps.Now, loc: deps.Location, oauthURL: bitrixOAuthURL}
	b.tokens = NewTokenSource(in, b.refresh, deps.Tokens, deps.Now)
	return b, nil
}

func (b *Bitrix) Name() Kind { return calls.ProviderBitrix }

func (b *Bitrix) Authenticate(ctx context.Context) error {
	if err := requireFields(b.in, map[string]string{"base_url": b.in.BaseURL}); err != nil {
		return err
	}
	_, err := b.tokens.Token(ctx)
	return err
}

// BitrixMemberID reads auth[member_id], which identifies the portal.
func BitrixMemberID(payload []byte) string {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(form.Get("auth[member_id]"))
}

func (b *Bitrix) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	form, err := url.ParseQuery(string(raw.Payload))
	if err != nil {
		return calls.NormalizedCall{}, fmt.Errorf("bitrix: parse form: %w", err)
	}
	tree := ParseBracketForm(form)

	if ev := strings.ToUpper(Str(tree, "event")); ev != bitrixCallEndEvent {
		return calls.NormalizedCall{}, fmt.Errorf("%w: bitrix event %q", ErrSkip, ev)
	}
	data := Sub(tree, "data")
	if data == nil {
		return calls.NormalizedCall{}, fmt.Errorf("bitrix: event has no data")
	}
	if code := Str(data, "CALL_FAILED_CODE"); !bitrixAcceptedCodes[code] {
		return calls.NormalizedCall{}, fmt.Errorf("%w: bitrix call failed with code %q", ErrSkip, code)
	}

	var dir calls.Direction
	switch Str(data, "CALL_TYPE") {
	case "1":
		dir = calls.DirectionOutbound
	case "2", "3":
		dir = calls.DirectionInbound
	case "4":
		// Callback: the portal dials the client.
		dir = calls.DirectionOutbound
	default:
		return calls.NormalizedCall{}, fmt.Errorf("bitrix: unknown CALL_TYPE %q", Str(data, "CALL_TYPE"))
	}

	out := calls.NormalizedCall{
		Provider:          calls.ProviderBitrix,
		ProviderCallID:    Str(data, "CALL_ID"),
		AccountID:         b.in.AccountID,
		DurationSeconds:   atoi(Str(data, "CALL_DURATION")),
		Direction:         dir,
		ResponsibleUserID: Str(data, "PORTAL_USER_ID"),
		RecordingLocator:  Str(data, "CALL_ID"),
		CRMEntityType:     strings.ToLower(Str(data, "CRM_ENTITY_TYPE")),
		CRMEntityID:       Str(data, "CRM_ENTITY_ID"),
		PhoneNumber:       Str(data, "PHONE_NUMBER"),
		Raw:               raw,
	}
	out.StartedAt = parseBitrixTime(Str(data, "CALL_START_DATE"), b.loc)
	return out, out.Validate()
}

func parseBitrixTime(s string, loc *time.Location) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// bitrixResponse wraps every REST reply.
type bitrixResponse[T any] struct {
	Result T      `json:"result"`
	Error  string `json:"error"`
	Desc   string `json:"error_description"`
}

// call invokes a REST method with form params, refreshing once on expired_token.
func (b *Bitrix) call(ctx context.Context, method string, params url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		tok, err := b.tokens.Token(ctx)
		if err != nil {
			return err
		}
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("auth", tok)
		status, err := b.api.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.in.BaseURL, "/")+"/rest/"+method+".json", strings.NewReader(q.Encode()))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req, nil
		}, out)
		if status == http.StatusUnauthorized && attempt == 0 {
			b.tokens.Invalidate(tok)
			continue
		}
		if err != nil {
			return fmt.Errorf("bitrix %s: %w", method, err)
		}
		return nil
	}
}

type bitrixStat struct {
	CallID        string     `json:"CALL_ID"`
	CallRecordURL string     `json:"CALL_RECORD_URL"`
	RecordFileID  flexString `json:"RECORD_FILE_ID"`
	CallStartDate string     `json:"CALL_START_DATE"`
}

// FetchRecording resolves the record URL through voximplant.statistic.get.
// An empty CALL_RECORD_URL means the portal has not stored the audio yet.
func (b *Bitrix) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	params := url.Values{}
	params.Set("FILTER[CALL_ID]", call.RecordingLocator)
	var resp bitrixResponse[[]bitrixStat]
	if err := b.call(ctx, "voximplant.statistic.get", params, &resp); err != nil {
		return calls.Recording{}, err
	}
	if len(resp.Result) == 0 || resp.Result[0].CallRecordURL == "" {
		return calls.Recording{}, ErrNotReady
	}
	return b.api.get(ctx, resp.Result[0].CallRecordURL)
}

type bitrixEntity map[string]any

func (e bitrixEntity) str(k string) string {
	v, ok := e[k]
	if !ok || v == nil {
		return ""
	}
	return scalarText(v)
}

func (e bitrixEntity) toFilter(entityType string) filter.Entity {
	out := filter.Entity{Type: entityType, ID: e.str("ID"), CustomFields: map[string][]string{}}
	switch entityType {
	case "deal":
		out.PipelineID = e.str("CATEGORY_ID")
		out.StatusID = e.str("STAGE_ID")
	case "lead":
		out.StatusID = e.str("STATUS_ID")
	}
	for k, v := range e {
		if !strings.HasPrefix(k, "UF_CRM_") || v == nil {
			continue
		}
		switch vv := v.(type) {
		case []any:
			for _, x := range vv {
				out.CustomFields[k] = append(out.CustomFields[k], scalarText(x))
			}
		default:
			out.CustomFields[k] = append(out.CustomFields[k], scalarText(vv))
		}
	}
	return out
}

// FetchEntity loads a lead, deal, contact or company. Contacts and companies
// carry their most recent deal as Deal.
func (b *Bitrix) FetchEntity(ctx context.Context, entityType, entityID string) (filter.Entity, error) {
	switch entityType {
	case "lead", "deal", "contact", "company":
	default:
		return filter.Entity{}, fmt.Errorf("%w: unknown bitrix entity type %q", ErrConfig, entityType)
	}
	params := url.Values{}
	params.Set("id", entityID)
	var resp bitrixResponse[bitrixEntity]
	if err := b.call(ctx, "crm."+entityType+".get", params, &resp); err != nil {
		return filter.Entity{}, err
	}
	out := resp.Result.toFilter(entityType)

	if entityType == "contact" || entityType == "company" {
		lp := url.Values{}
		lp.Set("filter["+strings.ToUpper(entityType)+"_ID]", entityID)
		lp.Set("order[DATE_CREATE]", "DESC")
		lp.Add("select[]", "*")
		lp.Add("select[]", "UF_*")
		var deals bitrixResponse[[]bitrixEntity]
		if err := b.call(ctx, "crm.deal.list", lp, &deals); err != nil {
			return filter.Entity{}, err
		}
		if len(deals.Result) > 0 {
			d := deals.Result[0].toFilter("deal")
			out.Deal = &d
		}
	}
	return out, nil
}

func (b *Bitrix) FirstCallByEntity(ctx context.Context, call calls.NormalizedCall) (string, bool, error) {
	params := url.Values{}
	params.Set("FILTER[CRM_ENTITY_TYPE]", strings.ToUpper(call.CRMEntityType))
	params.Set("FILTER[CRM_ENTITY_ID]", call.CRMEntityID)
	params.Set("SORT", "CALL_START_DATE")
	params.Set("ORDER", "ASC")
	var resp bitrixResponse[[]bitrixStat]
	if err := b.call(ctx, "voximplant.statistic.get", params, &resp); err != nil {
		return "", false, err
	}
	if len(resp.Result) == 0 {
		return "", false, nil
	}
	return resp.Result[0].CallID, true, nil
}

func (b *Bitrix) AddNote(ctx context.Context, call calls.NormalizedCall, text string) error {
	params := url.Values{}
	params.Set("fields[ENTITY_ID]", call.CRMEntityID)
	params.Set("fields[ENTITY_TYPE]", strings.ToLower(call.CRMEntityType))
	params.Set("fields[COMMENT]", text)
	var resp bitrixResponse[any]
	return b.call(ctx, "crm.timeline.comment.add", params, &resp)
}

func (b *Bitrix) refresh(ctx context.Context, refreshToken string) (tenant.Tokens, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("client_id", b.in.ClientID)
	q.Set("client_secret", b.in.ClientSecret)
	q.Set("refresh_token", refreshToken)
	var tr tokenResponse
	_, err := b.api.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, b.oauthURL+"?"+q.Encode(), nil)
	}, &tr)
	if err != nil {
		return tenant.Tokens{}, err
	}
	return tr.tokens(b.now())
}
