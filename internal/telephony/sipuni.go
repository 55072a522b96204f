package telephony

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"
)

const (
	sipuniDefaultBase = "https://sipuni.com/api"
	sipuniDateLayout  = "02.01.2006"
	sipuniTimeLayout  = "02.01.2006 15:04:05"
)

// CSV export column names.
const (
	sipuniColType     = "Тип"
	sipuniColTime     = "Время"
	sipuniColFrom     = "Откуда"
	sipuniColTo       = "Куда"
	sipuniColAnswered = "Кто ответил"
	sipuniColTalk     = "Длительность разговора"
	sipuniColRecordID = "ID записи"
)

// sipuniExportFields is the signed parameter order for /statistic/export.
var sipuniExportFields = []string{
	"anonymous", "firstTime", "from", "fromNumber", "state",
	"to", "toNumber", "tree", "type", "user",
}

// Sipuni polls the Sipuni statistics CSV export.
// ExternalID holds the Sipuni user number, APISecret the integration key.
type Sipuni struct {
	in   tenant.Integration
	api  apiClient
	base string
	loc  *time.Location
	now  func() time.Time
}

func NewSipuni(in tenant.Integration, deps Deps) (Adapter, error) {
	base := strings.TrimRight(in.BaseURL, "/")
	if base == "" {
		base = sipuniDefaultBase
	}
	return &Sipuni{in: in, api: newAPIClient(deps), base: base, loc: deps.Location, now: deps.Now}, nil
}

func (s *Sipuni) Name() Kind { return calls.ProviderSipuni }

func (s *Sipuni) Authenticate(ctx context.Context) error {
	return requireFields(s.in, map[string]string{"user": s.in.ExternalID, "secret": s.in.APISecret})
}

// sipuniHash is md5 of the values joined with "+", followed by "+secret".
func sipuniHash(values []string, secret string) string {
	sum := md5.Sum([]byte(strings.Join(values, "+") + "+" + secret))
	return hex.EncodeToString(sum[:])
}

func (s *Sipuni) signedForm(order []string, params map[string]string) url.Values {
	form := url.Values{}
	values := make([]string, 0, len(order))
	for _, k := range order {
		form.Set(k, params[k])
		values = append(values, params[k])
	}
	form.Set("hash", sipuniHash(values, s.in.APISecret))
	return form
}

func (s *Sipuni) postForm(path string, form url.Values) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
}

func (s *Sipuni) FetchCalls(ctx context.Context, since time.Time) ([]calls.RawCall, error) {
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	form := s.signedForm(sipuniExportFields, map[string]string{
		"anonymous": "1",
		"firstTime": "0",
		"from":      since.In(s.loc).Format(sipuniDateLayout),
		"state":     "0",
		"to":        s.now().In(s.loc).Format(sipuniDateLayout),
		"type":      "0",
		"user":      s.in.ExternalID,
	})
	b, _, err := s.api.body(ctx, s.postForm("/statistic/export", form))
	if err != nil {
		return nil, fmt.Errorf("sipuni export: %w", err)
	}
	raws, err := s.parseExport(b)
	if err != nil {
		return nil, err
	}
	// The export is day-granular; drop rows before the cursor.
	out := raws[:0]
	for _, r := range raws {
		rec, _ := decodeRecord(r.Payload)
		if t, err := time.ParseInLocation(sipuniTimeLayout, rec[sipuniColTime], s.loc); err == nil && t.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Sipuni) parseExport(body []byte) ([]calls.RawCall, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	r.Comma = ';'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sipuni: parse export header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out []calls.RawCall
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sipuni: parse export csv: %w", err)
		}
		rec := record{}
		for i, col := range header {
			if i < len(row) {
				rec[col] = strings.TrimSpace(row[i])
			}
		}
		out = append(out, calls.RawCall{
			Provider:   calls.ProviderSipuni,
			Route:      calls.RoutePoll,
			AccountID:  s.in.AccountID,
			Payload:    rec.payload(),
			ReceivedAt: s.now(),
		})
	}
	return out, nil
}

func (s *Sipuni) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	rec, err := decodeRecord(raw.Payload)
	if err != nil {
		return calls.NormalizedCall{}, fmt.Errorf("sipuni: decode record: %w", err)
	}
	id := rec[sipuniColRecordID]
	if id == "" {
		return calls.NormalizedCall{}, fmt.Errorf("%w: sipuni call has no recording", ErrSkip)
	}

	var dir calls.Direction
	switch strings.ToLower(rec[sipuniColType]) {
	case "входящий":
		dir = calls.DirectionInbound
	case "исходящий":
		dir = calls.DirectionOutbound
	case "внутренний":
		dir = calls.DirectionInternal
	default:
		return calls.NormalizedCall{}, fmt.Errorf("sipuni: unknown call type %q", rec[sipuniColType])
	}

	out := calls.NormalizedCall{
		Provider:         calls.ProviderSipuni,
		ProviderCallID:   id,
		AccountID:        s.in.AccountID,
		DurationSeconds:  atoi(rec[sipuniColTalk]),
		Direction:        dir,
		RecordingLocator: id,
		Raw:              raw,
	}
	if t, err := time.ParseInLocation(sipuniTimeLayout, rec[sipuniColTime], s.loc); err == nil {
		out.StartedAt = t.UTC()
	}
	if dir == calls.DirectionInbound {
		out.PhoneNumber = rec[sipuniColFrom]
		out.ResponsibleUserID = rec[sipuniColAnswered]
	} else {
		out.PhoneNumber = rec[sipuniColTo]
		out.ResponsibleUserID = rec[sipuniColFrom]
	}
	phoneEntity(&out)
	return out, out.Validate()
}

func (s *Sipuni) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	if call.RecordingLocator == "" {
		return calls.Recording{}, ErrNotReady
	}
	form := s.signedForm([]string{"id", "user"}, map[string]string{
		"id":   call.RecordingLocator,
		"user": s.in.ExternalID,
	})
	return s.api.download(ctx, s.postForm("/statistic/record", form))
}
