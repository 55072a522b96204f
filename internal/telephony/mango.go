package telephony

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
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

const mangoDefaultBase = "https://app.mango-office.ru/vpbx"

// mangoStatsFields is the column order requested from the stats export.
var mangoStatsFields = []string{
	"entry_id", "records", "start", "finish", "answer",
	"from_extension", "from_number", "to_extension", "to_number", "call_direction",
}

// Mango polls the Mango Office VPBX statistics export.
type Mango struct {
	in   tenant.Integration
	api  apiClient
	base string
	now  func() time.Time

	// resultWait is the pause between polls of a pending stats export.
	resultWait     time.Duration
	resultAttempts int
}

func NewMango(in tenant.Integration, deps Deps) (Adapter, error) {
	base := strings.TrimRight(in.BaseURL, "/")
	if base == "" {
		base = mangoDefaultBase
	}
	return &Mango{in: in, api: newAPIClient(deps), base: base, now: deps.Now, resultWait: 2 * time.Second, resultAttempts: 10}, nil
}

func (m *Mango) Name() Kind { return calls.ProviderMango }

func (m *Mango) Authenticate(ctx context.Context) error {
	return requireFields(m.in, map[string]string{"api_key": m.in.APIKey, "api_salt": m.in.APISecret})
}

// sign computes sha256(api_key + json + api_salt) as lowercase hex.
func (m *Mango) sign(payload string) string {
	sum := sha256.Sum256([]byte(m.in.APIKey + payload + m.in.APISecret))
	return hex.EncodeToString(sum[:])
}

func (m *Mango) post(ctx context.Context, command string, body any) ([]byte, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	form := url.Values{}
	form.Set("vpbx_api_key", m.in.APIKey)
	form.Set("sign", m.sign(string(raw)))
	form.Set("json", string(raw))
	return m.api.body(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/"+command, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// FetchCalls runs the two-step export: request a key, then poll for the CSV.
func (m *Mango) FetchCalls(ctx context.Context, since time.Time) ([]calls.RawCall, error) {
	if err := m.Authenticate(ctx); err != nil {
		return nil, err
	}
	b, _, err := m.post(ctx, "stats/request", map[string]string{
		"date_from": fmt.Sprint(since.Unix()),
		"date_to":   fmt.Sprint(m.now().Unix()),
		"fields":    strings.Join(mangoStatsFields, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("mango stats/request: %w", err)
	}
	var key struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(b, &key); err != nil || key.Key == "" {
		return nil, fmt.Errorf("mango stats/request: no export key in %s", truncate(string(b), 200))
	}

	for i := 0; i < m.resultAttempts; i++ {
		body, status, err := m.post(ctx, "stats/result", map[string]string{"key": key.Key})
		if err != nil {
			return nil, fmt.Errorf("mango stats/result: %w", err)
		}
		if status == http.StatusNoContent || (status == http.StatusOK && len(body) == 0 && i < m.resultAttempts-1) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.resultWait):
			}
			continue
		}
		return m.parseStats(body)
	}
	return nil, errors.New("mango stats/result: export not ready")
}

func (m *Mango) parseStats(body []byte) ([]calls.RawCall, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = ';'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out []calls.RawCall
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mango: parse stats csv: %w", err)
		}
		if len(row) < len(mangoStatsFields) {
			continue
		}
		rec := record{}
		for i, f := range mangoStatsFields {
			rec[f] = strings.TrimSpace(row[i])
		}
		out = append(out, calls.RawCall{
			Provider:   calls.ProviderMango,
			Route:      calls.RoutePoll,
			AccountID:  m.in.AccountID,
			Payload:    rec.payload(),
			ReceivedAt: m.now(),
		})
	}
	return out, nil
}

func (m *Mango) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	rec, err := decodeRecord(raw.Payload)
	if err != nil {
		return calls.NormalizedCall{}, fmt.Errorf("mango: decode record: %w", err)
	}
	var dir calls.Direction
	switch rec["call_direction"] {
	case "0":
		dir = calls.DirectionInternal
	case "1":
		dir = calls.DirectionInbound
	case "2":
		dir = calls.DirectionOutbound
	default:
		return calls.NormalizedCall{}, fmt.Errorf("mango: unknown call_direction %q", rec["call_direction"])
	}

	start := flexString(rec["start"]).Unix()
	finish := flexString(rec["finish"]).Unix()
	// Talk time runs from answer; unanswered calls have answer=0.
	answer := flexString(rec["answer"]).Unix()
	dur := 0
	if !answer.IsZero() && finish.After(answer) {
		dur = int(finish.Sub(answer).Seconds())
	}

	out := calls.NormalizedCall{
		Provider:         calls.ProviderMango,
		ProviderCallID:   rec["entry_id"],
		AccountID:        m.in.AccountID,
		StartedAt:        start,
		DurationSeconds:  dur,
		Direction:        dir,
		RecordingLocator: firstRecording(rec["records"]),
		Raw:              raw,
	}
	if dir == calls.DirectionInbound {
		out.ResponsibleUserID = rec["to_extension"]
		out.PhoneNumber = rec["from_number"]
	} else {
		out.ResponsibleUserID = rec["from_extension"]
		out.PhoneNumber = rec["to_number"]
	}
	phoneEntity(&out)
	return out, out.Validate()
}

// firstRecording picks the first id from "[rec1,rec2]".
func firstRecording(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(s, ",")[0])
}

func (m *Mango) FetchRecording(ctx context.Context, call calls.NormalizedCall) (calls.Recording, error) {
	if call.RecordingLocator == "" {
		return calls.Recording{}, ErrNotReady
	}
	raw, _ := json.Marshal(map[string]string{"recording_id": call.RecordingLocator, "action": "download"})
	form := url.Values{}
	form.Set("vpbx_api_key", m.in.APIKey)
	form.Set("sign", m.sign(string(raw)))
	form.Set("json", string(raw))
	return m.api.download(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/queries/recording/post", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}
