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

func TestOnlinePBX_SessionAndHistory(t *testing.T) {
	logins := 0
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.URL.Path {
		case "/auth.json":
			logins++
			if r.PostForm.Get("auth_key") != "api-key" {
				_, _ = io.WriteString(w, `{"status":"0","comment":"bad key"}`)
				return
			}
			_, _ = io.WriteString(w, `{"status":"1","data":{"key":"k`+string(rune('0'+logins))+`","key_id":"id"}}`)
		case "/mongo_history/search.json":
			// The first session key is treated as expired.
			if r.Header.Get("x-pbx-authentication") != "id:k2" {
				_, _ = io.WriteString(w, `{"status":"0","isNotAuth":true}`)
				return
			}
			switch {
			case r.PostForm.Get("download") == "1" && r.PostForm.Get("uuid") == "u-1":
				_, _ = io.WriteString(w, `{"status":"1","data":"`+srvURL+`/rec/u-1.mp3"}`)
			case r.PostForm.Get("download") == "1":
				_, _ = io.WriteString(w, `{"status":"1","data":""}`)
			default:
				_, _ = io.WriteString(w, `{"status":"1","data":[
					{"uuid":"u-1","caller_id_number":"+79161234567","destination_number":"201","start_stamp":1699995000,"duration":80,"user_talk_time":70,"accountcode":"inbound"},
					{"uuid":"u-2","caller_id_number":"201","destination_number":"202","start_stamp":1699995100,"duration":10,"user_talk_time":0,"accountcode":"local"}
				]}`)
			}
		case "/rec/u-1.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = io.WriteString(w, "mp3")
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	a, _ := NewOnlinePBX(tenant.Integration{AccountID: "acc-o", BaseURL: srv.URL, APIKey: "api-key"}, testDeps())
	o := a.(*OnlinePBX)
	ctx := context.Background()

	raws, err := o.FetchCalls(ctx, time.Unix(1699990000, 0))
	if err != nil || len(raws) != 2 {
		t.Fatalf("fetch calls: %d %v", len(raws), err)
	}
	if logins != 2 {
		t.Fatalf("expected relogin after expired session, got %d logins", logins)
	}

	in, err := o.Normalize(raws[0])
	if err != nil || in.Direction != calls.DirectionInbound || in.DurationSeconds != 70 || in.ResponsibleUserID != "201" {
		t.Fatalf("unexpected inbound %+v err=%v", in, err)
	}
	local, err := o.Normalize(raws[1])
	if err != nil || local.Direction != calls.DirectionInternal || local.DurationSeconds != 10 {
		t.Fatalf("unexpected local %+v err=%v", local, err)
	}

	rec, err := o.FetchRecording(ctx, in)
	if err != nil {
		t.Fatalf("fetch recording: %v", err)
	}
	rec.Body.Close()
	if _, err := o.FetchRecording(ctx, local); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestOnlinePBX_BadKeyIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"0","comment":"bad key"}`)
	}))
	defer srv.Close()
	a, _ := NewOnlinePBX(tenant.Integration{BaseURL: srv.URL, APIKey: "nope"}, testDeps())
	if err := a.Authenticate(context.Background()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
