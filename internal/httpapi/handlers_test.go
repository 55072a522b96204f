package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"call-intake/internal/audit"
	"call-intake/internal/calls"
	"call-intake/internal/intake"
	"call-intake/internal/pipeline"
	"call-intake/internal/tasks"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
	"call-intake/internal/wallet"

	"github.com/gin-gonic/gin"
)

type fakeIntake struct {
	pushErr   error
	pushed    []calls.Route
	customErr error
	custom    []telephony.CustomRequest
}

func (f *fakeIntake) HandlePush(ctx context.Context, route calls.Route, kind calls.Provider, payload []byte) error {
	f.pushed = append(f.pushed, route)
	return f.pushErr
}

func (f *fakeIntake) SubmitCustom(ctx context.Context, req telephony.CustomRequest) (intake.Submission, error) {
	f.custom = append(f.custom, req)
	if f.customErr != nil {
		return intake.Submission{}, f.customErr
	}
	return intake.Submission{CallID: telephony.CustomCallID(req.AccountID, req.CallURL), TaskID: "t1"}, nil
}

func newRouter(t *testing.T, in *fakeIntake) (*gin.Engine, *tasks.MemoryRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := tenant.NewMemoryStore()
	store.PutAccount(tenant.Account{ID: "acc", WebhookSecret: "s3cret"})
	store.PutAccount(tenant.Account{ID: "other", WebhookSecret: "x"})
	repo := tasks.NewMemoryRepo()
	r := gin.New()
	Handlers{Intake: in, Accounts: store, Tasks: repo}.Register(r)
	return r, repo
}

func do(t *testing.T, r http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" && body[0] == '{' {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return w.Code, out
}

func TestWebhooks_AlwaysHTTP200(t *testing.T) {
	in := &fakeIntake{}
	r, _ := newRouter(t, in)

	for _, path := range []string{"/webhooks/amocrm", "/webhooks/amocrm/v2", "/webhooks/bitrix"} {
		code, body := do(t, r, http.MethodPost, path, "account[id]=1")
		if code != http.StatusOK || body["status"] != float64(200) {
			t.Fatalf("%s: unexpected %d %v", path, code, body)
		}
	}
	want := []calls.Route{calls.RouteAmoCRMV1, calls.RouteAmoCRMV2, calls.RouteBitrix}
	for i, route := range want {
		if in.pushed[i] != route {
			t.Fatalf("route %d: got %s want %s", i, in.pushed[i], route)
		}
	}

	in.pushErr = intake.ErrUnknownAccount
	code, body := do(t, r, http.MethodPost, "/webhooks/amocrm", "account[id]=9")
	if code != http.StatusOK || body["status"] != float64(403) {
		t.Fatalf("unknown account: unexpected %d %v", code, body)
	}

	in.pushErr = intake.ErrAtCapacity
	code, body = do(t, r, http.MethodPost, "/webhooks/bitrix", "auth[member_id]=m")
	if code != http.StatusOK || body["status"] != float64(200) {
		t.Fatalf("capacity: unexpected %d %v", code, body)
	}
}

func TestCustomWebhook(t *testing.T) {
	in := &fakeIntake{}
	r, _ := newRouter(t, in)

	code, body := do(t, r, http.MethodPost, "/webhooks/custom", `{"account_id":"acc","telegram_id":"7","client_secret":"s3cret","call_url":"https://f.example/a.mp3"}`)
	if code != http.StatusOK || body["status"] != float64(200) || body["task_id"] != "t1" {
		t.Fatalf("unexpected %d %v", code, body)
	}
	if body["call_id"] != telephony.CustomCallID("acc", "https://f.example/a.mp3") {
		t.Fatalf("unexpected call id %v", body["call_id"])
	}

	_, body = do(t, r, http.MethodPost, "/webhooks/custom", `{"account_id":"acc","call_url":"ftp://nope"}`)
	if body["status"] != float64(403) {
		t.Fatalf("invalid url should be refused, got %v", body)
	}

	in.customErr = intake.ErrForbidden
	_, body = do(t, r, http.MethodPost, "/webhooks/custom", `{"account_id":"acc","client_secret":"bad","call_url":"https://f.example/a.mp3"}`)
	if body["status"] != float64(403) {
		t.Fatalf("bad secret should be refused, got %v", body)
	}
}

func TestTaskStatus(t *testing.T) {
	r, repo := newRouter(t, &fakeIntake{})
	ctx := context.Background()
	if err := repo.Create(ctx, tasks.Task{ID: "t1", AccountID: "acc", FileURL: "u", Status: tasks.StatusDone, Transcript: "hi", AdvancedTranscript: "Speaker A: hi"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	code, body := do(t, r, http.MethodGet, "/tasks/t1?account_id=acc&client_secret=s3cret", "")
	if code != http.StatusOK || body["status"] != float64(200) {
		t.Fatalf("unexpected %d %v", code, body)
	}
	data, _ := body["task_data"].(map[string]any)
	if data["report_status"] != "done" || data["transcript"] != "hi" || data["advanced_transcript"] != "Speaker A: hi" {
		t.Fatalf("unexpected task data %v", data)
	}

	for _, path := range []string{
		"/tasks/t1?account_id=acc&client_secret=wrong",
		"/tasks/t1?account_id=other&client_secret=x",
		"/tasks/missing?account_id=acc&client_secret=s3cret",
	} {
		if _, body := do(t, r, http.MethodGet, path, ""); body["status"] != float64(403) {
			t.Fatalf("%s: expected 403 body, got %v", path, body)
		}
	}
}

func TestTaskStatus_FailedDownload(t *testing.T) {
	r, repo := newRouter(t, &fakeIntake{})
	job := pipeline.Job{
		TaskID: "t-dl",
		Call: calls.NormalizedCall{
			Provider:         calls.ProviderCustom,
			ProviderCallID:   telephony.CustomCallID("acc", "https://f.example/gone.mp3"),
			AccountID:        "acc",
			RecordingLocator: "https://f.example/gone.mp3",
		},
	}
	if _, err := pipeline.New(repo, nil, nil, nil, nil).Abort(context.Background(), job, errors.New("provider http 410")); err == nil {
		t.Fatalf("expected the download cause back")
	}

	_, body := do(t, r, http.MethodGet, "/tasks/t-dl?account_id=acc&client_secret=s3cret", "")
	data, _ := body["task_data"].(map[string]any)
	if body["status"] != float64(200) || data["report_status"] != "error" {
		t.Fatalf("unexpected %v", body)
	}
	if data["status_message"] != pipeline.UserMessage(pipeline.ErrDownload) {
		t.Fatalf("expected download message, got %v", data["status_message"])
	}
}

func TestReadyz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Handlers{Ready: func(context.Context) error { return errors.New("db down") }}.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := tenant.NewMemoryStore()
	store.PutAccount(tenant.Account{ID: "acc"})
	bal := wallet.NewMemoryRepo()
	bal.SetBalance("acc", 100)
	auditRepo := audit.NewMemoryRepo()
	ledger := wallet.NewService(bal, store, audit.NewService(auditRepo))

	token := strings.Repeat("k", 32)
	r := gin.New()
	Handlers{Accounts: store, Ledger: ledger, AdminToken: token}.Register(r)

	body := `{"actor_id":"ops-1","reason":"goodwill","delta_seconds":30,"idempotency_key":"adj-1"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/acc/balance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/accounts/acc/balance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	b, _ := ledger.GetBalance(context.Background(), "acc")
	if b.Seconds != 160 {
		t.Fatalf("expected 30s rounded up to 60, balance %d", b.Seconds)
	}
	if len(auditRepo.Events()) != 1 {
		t.Fatalf("expected an audit event")
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/accounts/acc/balance", strings.NewReader(`{"delta_seconds":5}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", w.Code)
	}
}
