package intake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/internal/ingest"
	"call-intake/internal/pipeline"
	"call-intake/internal/routing"
	"call-intake/internal/tasks"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
)

// fakeAdapter reads calls from form payloads: id, duration, started (unix).
type fakeAdapter struct {
	kind calls.Provider

	mu       sync.Mutex
	notReady bool
	fetchErr error
	polled   []calls.RawCall
	fetched  []string
	built    int
}

func (f *fakeAdapter) factory(in tenant.Integration, d telephony.Deps) (telephony.Adapter, error) {
	f.mu.Lock()
	f.built++
	f.mu.Unlock()
	return f, nil
}

func (f *fakeAdapter) Name() calls.Provider { return f.kind }

func (f *fakeAdapter) Authenticate(context.Context) error { return nil }

func (f *fakeAdapter) Normalize(raw calls.RawCall) (calls.NormalizedCall, error) {
	v, err := url.ParseQuery(string(raw.Payload))
	if err != nil {
		return calls.NormalizedCall{}, err
	}
	if v.Get("skip") != "" {
		return calls.NormalizedCall{}, telephony.ErrSkip
	}
	d, _ := strconv.Atoi(v.Get("duration"))
	c := calls.NormalizedCall{
		Provider:         f.kind,
		ProviderCallID:   v.Get("id"),
		AccountID:        raw.AccountID,
		DurationSeconds:  d,
		Direction:        calls.DirectionInbound,
		RecordingLocator: "rec-" + v.Get("id"),
		Raw:              raw,
	}
	if s, err := strconv.ParseInt(v.Get("started"), 10, 64); err == nil {
		c.StartedAt = time.Unix(s, 0).UTC()
	}
	return c, c.Validate()
}

func (f *fakeAdapter) FetchRecording(ctx context.Context, c calls.NormalizedCall) (calls.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, c.ProviderCallID)
	if f.notReady {
		return calls.Recording{}, telephony.ErrNotReady
	}
	if f.fetchErr != nil {
		return calls.Recording{}, f.fetchErr
	}
	return calls.Recording{Body: io.NopCloser(strings.NewReader("audio")), ContentType: "audio/mpeg"}, nil
}

func (f *fakeAdapter) FetchCalls(ctx context.Context, since time.Time) ([]calls.RawCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]calls.RawCall(nil), f.polled...), nil
}

func (f *fakeAdapter) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fakeRunner struct {
	mu     sync.Mutex
	jobs   []pipeline.Job
	done   map[string]tasks.Task
	err    error
	aborts []string
	// repo, when set, receives every task so status lookups see them.
	repo   *tasks.MemoryRepo
}

func (r *fakeRunner) taskFor(job pipeline.Job, status tasks.Status) tasks.Task {
	id := job.TaskID
	if id == "" {
		id = "task-" + job.Call.ProviderCallID
	}
	return tasks.Task{
		ID:              id,
		AccountID:       job.Call.AccountID,
		Source:          job.Call.Provider,
		ProviderCallID:  job.Call.ProviderCallID,
		Status:          status,
		DurationSeconds: job.Call.DurationSeconds,
		FileURL:         job.FileRef(),
	}
}

func (r *fakeRunner) save(t tasks.Task) {
	if r.repo != nil {
		_ = r.repo.Create(context.Background(), t)
	}
}

func (r *fakeRunner) Process(ctx context.Context, job pipeline.Job) (tasks.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Recording.Body != nil {
		job.Recording.Body.Close()
	}
	if r.done == nil {
		r.done = map[string]tasks.Task{}
	}
	ref := job.Call.AccountID + "\x00" + job.FileRef()
	if t, ok := r.done[ref]; ok {
		return t, pipeline.ErrAlreadyProcessed
	}
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return tasks.Task{}, r.err
	}
	t := r.taskFor(job, tasks.StatusDone)
	r.done[ref] = t
	r.save(t)
	return t, nil
}

func (r *fakeRunner) Abort(ctx context.Context, job pipeline.Job, cause error) (tasks.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = map[string]tasks.Task{}
	}
	ref := job.Call.AccountID + "\x00" + job.FileRef()
	if t, ok := r.done[ref]; ok {
		return t, pipeline.ErrAlreadyProcessed
	}
	t := r.taskFor(job, tasks.StatusError)
	t.Step = tasks.StepDownloading
	t.ErrorDetails = cause.Error()
	r.aborts = append(r.aborts, t.ID)
	r.done[ref] = t
	r.save(t)
	return t, cause
}

func (r *fakeRunner) accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Call.AccountID)
	}
	return out
}

func (r *fakeRunner) callIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Call.ProviderCallID)
	}
	return out
}

type env struct {
	in       *Intake
	dir      *tenant.MemoryStore
	repo     *ingest.MemoryRepo
	attempts *ingest.Store
	tasks    *tasks.MemoryRepo
	adapter  *fakeAdapter
	runner   *fakeRunner
	now      time.Time
}

func newEnv(t *testing.T, kind calls.Provider) *env {
	t.Helper()
	e := &env{
		dir:     tenant.NewMemoryStore(),
		repo:    ingest.NewMemoryRepo(),
		tasks:   tasks.NewMemoryRepo(),
		adapter: &fakeAdapter{kind: kind},
		runner:  &fakeRunner{},
		now:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }

	minDur := 60
	e.dir.PutAccount(tenant.Account{ID: "acc", WebhookSecret: "s3cret"})
	e.dir.PutIntegration(tenant.Integration{AccountID: "acc", Provider: kind, ExternalID: "ext1", Active: true})
	e.dir.PutReports("acc", routing.Report{
		ID: "r1", AccountID: "acc", Name: "QA", Active: true,
		Filters:   filter.FilterSet{MinDuration: &minDur},
		Questions: []routing.Question{{Key: "q1", Prompt: "Greeted?"}},
	})

	reg := telephony.NewRegistry()
	reg.Register(kind, e.adapter.factory)
	e.attempts = ingest.NewStore(e.repo, ingest.WithClock(clock))
	e.in = New(Config{Workers: 1, QueueSize: 4}, e.dir, reg, telephony.Deps{}, e.attempts, nil, e.runner, e.tasks)
	e.in.clock = clock
	return e
}

func (e *env) attempt(t *testing.T, provider calls.Provider, id string) ingest.Attempt {
	t.Helper()
	a, err := e.repo.Get(context.Background(), provider, id)
	if err != nil {
		t.Fatalf("attempt %s: %v", id, err)
	}
	return a
}

func (e *env) hasAttempt(provider calls.Provider, id string) bool {
	_, err := e.repo.Get(context.Background(), provider, id)
	return !errors.Is(err, ingest.ErrNotFound)
}

func amoPayload(id string, duration int) []byte {
	return []byte("account[id]=ext1&id=" + id + "&duration=" + strconv.Itoa(duration))
}

// useCustomAdapter swaps the fake for the real custom adapter and records
// tasks in the env's task repo.
func (e *env) useCustomAdapter() {
	e.in.registry.Register(calls.ProviderCustom, telephony.NewCustom)
	e.runner.repo = e.tasks
}

// recordingServer serves audio once ready is set and 404 before. status,
// when non-zero, is returned instead.
type recordingServer struct {
	*httptest.Server
	ready  atomic.Bool
	status atomic.Int32
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	s := &recordingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := s.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		if !s.ready.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "mp3")
	}))
	t.Cleanup(s.Close)
	return s
}

// submit queues one custom request and waits for it to be processed.
func (e *env) submit(t *testing.T, req telephony.CustomRequest) Submission {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.in.dispatch = NewDispatcher(1, 4, e.in.run)
	e.in.Start(ctx)
	sub, err := e.in.SubmitCustom(ctx, req)
	e.in.Stop()
	if err != nil {
		t.Fatalf("submit %s: %v", req.AccountID, err)
	}
	return sub
}

func pushItem(id string, duration int) Item {
	return Item{Raw: calls.RawCall{Provider: calls.ProviderAmoCRM, Route: calls.RouteAmoCRMV1, Payload: amoPayload(id, duration)}}
}
