package intake

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/ingest"
	"call-intake/internal/pipeline"
	"call-intake/internal/routing"
	"call-intake/internal/tasks"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
)

func TestProcess_NotReadyThenBumpedAnHourLater(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	e.adapter.notReady = true
	ctx := context.Background()

	res, err := e.in.Process(ctx, pushItem("c1", 120))
	if err != nil || res.Outcome != OutcomeNotReady {
		t.Fatalf("expected not ready, got %s %v", res.Outcome, err)
	}
	a := e.attempt(t, calls.ProviderAmoCRM, "c1")
	if a.RetryCount != 0 || a.Status != ingest.StatusPending || a.AccountID != "acc" {
		t.Fatalf("unexpected attempt %+v", a)
	}

	e.now = e.now.Add(time.Hour)
	if _, err := e.in.Process(ctx, pushItem("c1", 120)); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	a = e.attempt(t, calls.ProviderAmoCRM, "c1")
	if a.RetryCount != 1 || a.Status != ingest.StatusPending {
		t.Fatalf("expected retry 1 pending, got %+v", a)
	}
	if len(e.runner.callIDs()) != 0 {
		t.Fatalf("pipeline must not run without audio")
	}
}

func TestProcess_CompletedCallIsNotDownloadedAgain(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	ctx := context.Background()

	res, err := e.in.Process(ctx, pushItem("c1", 120))
	if err != nil || res.Outcome != OutcomeProcessed || res.Task.ID != "task-c1" {
		t.Fatalf("expected processed, got %+v %v", res, err)
	}
	if a := e.attempt(t, calls.ProviderAmoCRM, "c1"); a.Status != ingest.StatusCompleted {
		t.Fatalf("expected completed attempt, got %s", a.Status)
	}

	res, err = e.in.Process(ctx, pushItem("c1", 120))
	if err != nil || res.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s %v", res.Outcome, err)
	}
	if got := e.adapter.fetchedIDs(); len(got) != 1 {
		t.Fatalf("expected a single download, got %v", got)
	}
	if got := e.runner.callIDs(); len(got) != 1 {
		t.Fatalf("expected one pipeline run, got %v", got)
	}
}

func TestProcess_FilteredPushIsNotRecorded(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	res, err := e.in.Process(context.Background(), pushItem("c1", 45))
	if err != nil || res.Outcome != OutcomeFiltered {
		t.Fatalf("expected filtered, got %s %v", res.Outcome, err)
	}
	if e.hasAttempt(calls.ProviderAmoCRM, "c1") {
		t.Fatalf("rejected push calls are not recorded")
	}
	if len(e.adapter.fetchedIDs()) != 0 {
		t.Fatalf("filtered call must not be downloaded")
	}
}

func TestProcess_SkipPayload(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	item := Item{Raw: calls.RawCall{Provider: calls.ProviderAmoCRM, Route: calls.RouteAmoCRMV2, Payload: []byte("account[id]=ext1&skip=1")}}
	res, err := e.in.Process(context.Background(), item)
	if err != nil || res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s %v", res.Outcome, err)
	}
}

func TestProcess_UnknownAccount(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	item := Item{Raw: calls.RawCall{Provider: calls.ProviderAmoCRM, Route: calls.RouteAmoCRMV1, Payload: []byte("account[id]=nobody&id=c1")}}
	if _, err := e.in.Process(context.Background(), item); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if err := e.in.HandlePush(context.Background(), calls.RouteAmoCRMV1, calls.ProviderAmoCRM, []byte("id=c1")); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount without account id, got %v", err)
	}
}

func TestProcess_DownloadFailureKeepsAttemptPending(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	e.adapter.fetchErr = errors.New("connection reset")
	res, err := e.in.Process(context.Background(), pushItem("c1", 120))
	if !errors.Is(err, pipeline.ErrDownload) || res.Outcome != OutcomeDownloadFailed {
		t.Fatalf("expected download failure, got %s %v", res.Outcome, err)
	}
	if a := e.attempt(t, calls.ProviderAmoCRM, "c1"); a.Status != ingest.StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
}

func TestProcess_PipelineErrorBeforeTaskLeavesPending(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	e.runner.err = errors.New("store down")
	res, err := e.in.Process(context.Background(), pushItem("c1", 120))
	if err == nil || res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %s %v", res.Outcome, err)
	}
	// No task was created, so the retrier may try again.
	if a := e.attempt(t, calls.ProviderAmoCRM, "c1"); a.Status != ingest.StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
}

func TestHandlePush_QueuesAndProcessesInBackground(t *testing.T) {
	e := newEnv(t, calls.ProviderAmoCRM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.in.Start(ctx)

	if err := e.in.HandlePush(ctx, calls.RouteAmoCRMV1, calls.ProviderAmoCRM, amoPayload("c1", 120)); err != nil {
		t.Fatalf("push: %v", err)
	}
	e.in.Stop()
	if got := e.runner.callIDs(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected background processing of c1, got %v", got)
	}
	if err := e.in.HandlePush(ctx, calls.RouteAmoCRMV1, calls.ProviderAmoCRM, amoPayload("c2", 120)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestSubmitCustom(t *testing.T) {
	e := newEnv(t, calls.ProviderCustom)
	ctx := context.Background()
	req := telephony.CustomRequest{AccountID: "acc", TelegramID: "42", ClientSecret: "wrong", CallURL: "https://files.example/a.mp3"}

	if _, err := e.in.SubmitCustom(ctx, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for bad secret, got %v", err)
	}
	req.AccountID = "ghost"
	if _, err := e.in.SubmitCustom(ctx, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown account, got %v", err)
	}

	req.AccountID = "acc"
	req.ClientSecret = "s3cret"
	sub, err := e.in.SubmitCustom(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.CallID != telephony.CustomCallID(req.AccountID, req.CallURL) || sub.TaskID == "" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	if err := e.tasks.Create(ctx, tasks.Task{ID: "t-old", AccountID: "acc", FileURL: req.CallURL, Status: tasks.StatusDone}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	again, err := e.in.SubmitCustom(ctx, req)
	if err != nil || again.TaskID != "t-old" {
		t.Fatalf("expected existing task, got %+v %v", again, err)
	}
}

func TestSubmitCustom_SameURLForTwoAccounts(t *testing.T) {
	srv := newRecordingServer(t)
	srv.ready.Store(true)
	e := newEnv(t, calls.ProviderCustom)
	e.useCustomAdapter()
	e.dir.PutAccount(tenant.Account{ID: "acc2", WebhookSecret: "other"})
	e.dir.PutReports("acc2", routing.Report{ID: "r2", AccountID: "acc2", Name: "Sales", Active: true})
	shared := srv.URL + "/shared.mp3"

	first := e.submit(t, telephony.CustomRequest{AccountID: "acc", ClientSecret: "s3cret", CallURL: shared})
	second := e.submit(t, telephony.CustomRequest{AccountID: "acc2", ClientSecret: "other", CallURL: shared})
	if first.CallID == second.CallID {
		t.Fatalf("accounts must not share a call id: %s", first.CallID)
	}
	if got := e.runner.accounts(); len(got) != 2 || got[0] != "acc" || got[1] != "acc2" {
		t.Fatalf("expected a job per account, got %v", got)
	}
	for acct, sub := range map[string]Submission{"acc": first, "acc2": second} {
		task, err := e.tasks.Get(context.Background(), sub.TaskID)
		if err != nil || task.AccountID != acct || task.Status != tasks.StatusDone {
			t.Fatalf("%s: unexpected task %+v %v", acct, task, err)
		}
	}
}

func TestSubmitCustom_DownloadFailureIsReportedOnTask(t *testing.T) {
	srv := newRecordingServer(t)
	srv.status.Store(http.StatusForbidden)
	e := newEnv(t, calls.ProviderCustom)
	e.useCustomAdapter()

	sub := e.submit(t, telephony.CustomRequest{AccountID: "acc", TelegramID: "42", ClientSecret: "s3cret", CallURL: srv.URL + "/private.mp3"})
	task, err := e.tasks.Get(context.Background(), sub.TaskID)
	if err != nil {
		t.Fatalf("task %s was promised to the caller: %v", sub.TaskID, err)
	}
	if task.Status != tasks.StatusError || task.Step != tasks.StepDownloading {
		t.Fatalf("unexpected task %+v", task)
	}
	if got, want := pipeline.TaskMessage(task), pipeline.UserMessage(pipeline.ErrDownload); got != want {
		t.Fatalf("status message %q, want %q", got, want)
	}
	if a := e.attempt(t, calls.ProviderCustom, sub.CallID); a.Status != ingest.StatusCompleted {
		t.Fatalf("expected closed attempt, got %s", a.Status)
	}
	if got := e.runner.callIDs(); len(got) != 0 {
		t.Fatalf("pipeline must not run without audio, got %v", got)
	}
}
