package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"
)

func TestDecodeCustomRequest(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"account_id":"a1","telegram_id":"42","client_secret":"s","call_url":"https://x/y.mp3"}`, true},
		{"missing url", `{"account_id":"a1"}`, false},
		{"missing account", `{"call_url":"https://x/y.mp3"}`, false},
		{"not http", `{"account_id":"a1","call_url":"ftp://x/y.mp3"}`, false},
		{"garbage", `{`, false},
	}
	for _, tc := range cases {
		_, err := DecodeCustomRequest([]byte(tc.body))
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestCustom_NormalizeAndDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "mp3")
	}))
	defer srv.Close()

	a, _ := NewCustom(tenant.Integration{Provider: calls.ProviderCustom}, testDeps())
	body := `{"account_id":"a1","telegram_id":"42","client_secret":"s","call_url":"` + srv.URL + `/call.mp3"}`
	c, err := a.Normalize(calls.RawCall{Provider: calls.ProviderCustom, Route: calls.RouteCustom, Payload: []byte(body)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if c.ProviderCallID != CustomCallID("a1", srv.URL+"/call.mp3") || len(c.ProviderCallID) != 64 {
		t.Fatalf("unexpected call id %q", c.ProviderCallID)
	}
	if CustomCallID("a2", srv.URL+"/call.mp3") == c.ProviderCallID {
		t.Fatalf("call id must differ per account")
	}
	if c.AccountID != "a1" || c.ResponsibleUserID != "42" {
		t.Fatalf("unexpected call %+v", c)
	}

	rec, err := a.FetchRecording(context.Background(), c)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, _ := io.ReadAll(rec.Body)
	rec.Body.Close()
	if string(b) != "mp3" {
		t.Fatalf("unexpected body %q", b)
	}

	c.RecordingLocator = srv.URL + "/missing.mp3"
	if _, err := a.FetchRecording(context.Background(), c); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
