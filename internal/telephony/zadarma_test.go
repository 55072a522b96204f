package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/tenant"
)

func TestZadarmaSignature(t *testing.T) {
	a := zadarmaSignature("/v1/info/balance/", "format=json", "secret")
	b := zadarmaSignature("/v1/info/balance/", "format=json", "secret")
	if a == "" || a != b {
		t.Fatalf("expected deterministic signature")
	}
	if a == zadarmaSignature("/v1/info/balance/", "format=xml", "secret") {
		t.Fatalf("expected query to affect signature")
	}
}

func TestZadarma_FetchNormalizeRecord(t *testing.T) {
	var audioURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "key:" + zadarmaSignature(r.URL.Path, r.URL.RawQuery, "sec")
		if r.URL.Path != "/audio.mp3" && r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/statistics/pbx/":
			_, _ = io.WriteString(w, `{"status":"success","stats":[
				{"pbx_call_id":"in_1","call_id":"1","sip":"100","callstart":"2023-11-14 20:00:00","clid":"+79161234567","destination":"100","seconds":64,"is_recorded":"true","call_type":"incoming"},
				{"pbx_call_id":"out_2","sip":"101","callstart":"2023-11-14 20:05:00","clid":"101","destination":"+79160000000","seconds":0,"is_recorded":"false","call_type":"outgoing"}
			]}`)
		case "/v1/pbx/record/request/":
			if r.URL.Query().Get("pbx_call_id") == "in_1" {
				_, _ = io.WriteString(w, `{"status":"success","link":"`+audioURL+`"}`)
				return
			}
			_, _ = io.WriteString(w, `{"status":"error","message":"record not found"}`)
		case "/audio.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = io.WriteString(w, "mp3")
		}
	}))
	defer srv.Close()
	audioURL = srv.URL + "/audio.mp3"

	a, _ := NewZadarma(tenant.Integration{AccountID: "acc-z", BaseURL: srv.URL, APIKey: "key", APISecret: "sec"}, testDeps())
	z := a.(*Zadarma)
	raws, err := z.FetchCalls(context.Background(), time.Unix(1699990000, 0))
	if err != nil || len(raws) != 2 {
		t.Fatalf("fetch calls: %d %v", len(raws), err)
	}

	call, err := z.Normalize(raws[0])
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if call.ProviderCallID != "in_1" || call.Direction != calls.DirectionInbound || call.DurationSeconds != 64 {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.StartedAt.IsZero() || call.CRMEntityID != "+79161234567" {
		t.Fatalf("unexpected start/entity %+v", call)
	}
	if _, err := z.Normalize(raws[1]); !errors.Is(err, ErrSkip) {
		t.Fatalf("expected unrecorded call skipped, got %v", err)
	}

	rec, err := z.FetchRecording(context.Background(), call)
	if err != nil {
		t.Fatalf("fetch recording: %v", err)
	}
	rec.Body.Close()

	if _, err := z.FetchRecording(context.Background(), calls.NormalizedCall{RecordingLocator: "other"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
