package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/internal/ingest"
	"call-intake/internal/metrics"
	"call-intake/internal/pipeline"
	"call-intake/internal/routing"
	"call-intake/internal/tasks"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
	"call-intake/internal/wallet"
	"call-intake/pkg/logger"

	"github.com/google/uuid"
)

var (
	// ErrUnknownAccount means the payload does not map to an active integration.
	ErrUnknownAccount = errors.New("intake: unknown account")
	// ErrForbidden means the caller failed authentication.
	ErrForbidden = errors.New("intake: forbidden")
)

// Outcome is the per-call intake decision.
type Outcome string

const (
	OutcomeSkipped        Outcome = "skipped"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeFiltered       Outcome = "filtered"
	OutcomeExpired        Outcome = "expired"
	OutcomeNotReady       Outcome = "not_ready"
	OutcomeDownloadFailed Outcome = "download_failed"
	OutcomeProcessed      Outcome = "processed"
	OutcomeFailed         Outcome = "failed"
)

// Runner runs the task pipeline for one qualified call.
type Runner interface {
	Process(ctx context.Context, job pipeline.Job) (tasks.Task, error)
	// Abort records a terminal task for a job that never got its recording.
	Abort(ctx context.Context, job pipeline.Job, cause error) (tasks.Task, error)
}

// Item is one raw call to process.
type Item struct {
	Raw calls.RawCall
	// Replay marks a retry of a pending attempt; the attempt is not bumped up front.
	Replay bool
	// TaskID is pre-assigned for interactive sources.
	TaskID string
	// SeenAt is when the call was first seen; filters judge recency against it.
	// Zero means now.
	SeenAt time.Time
	// Integration skips the directory lookup when the caller already resolved it.
	Integration *tenant.Integration

	adapter telephony.Adapter
}

type Result struct {
	Call    calls.NormalizedCall
	Outcome Outcome
	Task    tasks.Task
}

type Config struct {
	Location *time.Location
	// Region is the default phone region for accounts without one.
	Region    string
	Workers   int
	QueueSize int
}

// Intake turns raw provider payloads into pipeline jobs.
//
// Order per call:
//  1. Resolve tenant and adapter
//  2. Normalize
//  3. Select the winning report
//  4. Record or bump the attempt (before any download)
//  5. Download, run the pipeline, complete the attempt
type Intake struct {
	dir      tenant.Directory
	registry *telephony.Registry
	deps     telephony.Deps
	attempts *ingest.Store
	selector *routing.Selector
	runner   Runner
	tasks    tasks.Repository
	dispatch *Dispatcher
	loc      *time.Location
	region   string
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func New(cfg Config, dir tenant.Directory, registry *telephony.Registry, deps telephony.Deps, attempts *ingest.Store, selector *routing.Selector, runner Runner, taskRepo tasks.Repository) *Intake {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if selector == nil {
		selector = routing.NewSelector(nil)
	}
	in := &Intake{
		dir:      dir,
		registry: registry,
		deps:     deps,
		attempts: attempts,
		selector: selector,
		runner:   runner,
		tasks:    taskRepo,
		loc:      cfg.Location,
		region:   cfg.Region,
		clock:    time.Now,
	}
	in.dispatch = NewDispatcher(cfg.Workers, cfg.QueueSize, in.run)
	return in
}

// Start launches the background workers for pushed calls.
func (in *Intake) Start(ctx context.Context) { in.dispatch.Start(ctx) }

// Stop refuses new work and waits for queued calls to finish.
func (in *Intake) Stop() { in.dispatch.Stop() }

// HandlePush resolves the tenant synchronously and queues the payload.
// Processing happens in the background.
func (in *Intake) HandlePush(ctx context.Context, route calls.Route, kind calls.Provider, payload []byte) error {
	raw := calls.RawCall{Provider: kind, Route: route, Payload: payload, ReceivedAt: in.clock().UTC()}
	integ, err := in.integration(ctx, Item{Raw: raw})
	if err != nil {
		return err
	}
	raw.AccountID = integ.AccountID
	metrics.CallsReceived.WithLabelValues(string(kind), string(route)).Inc()
	return in.dispatch.Submit(ctx, Item{Raw: raw, Integration: &integ})
}

// Submission identifies a queued interactive call.
type Submission struct {
	CallID string
	TaskID string
}

// SubmitCustom authenticates an interactive upload and queues it.
// A recording the account already processed returns the existing task.
func (in *Intake) SubmitCustom(ctx context.Context, req telephony.CustomRequest) (Submission, error) {
	acct, err := in.dir.Account(ctx, req.AccountID)
	if errors.Is(err, tenant.ErrNotFound) {
		return Submission{}, ErrForbidden
	}
	if err != nil {
		return Submission{}, err
	}
	if !acct.VerifySecret(req.ClientSecret) {
		return Submission{}, ErrForbidden
	}

	sub := Submission{CallID: telephony.CustomCallID(acct.ID, req.CallURL)}
	if in.tasks != nil {
		if t, found, err := in.tasks.FindByFileURL(ctx, acct.ID, req.CallURL); err != nil {
			return Submission{}, err
		} else if found {
			sub.TaskID = t.ID
			return sub, nil
		}
	}
	sub.TaskID = uuid.NewString()

	// The stored payload is replayed on retry; it must not carry the secret.
	req.ClientSecret = ""
	payload, err := json.Marshal(req)
	if err != nil {
		return Submission{}, fmt.Errorf("intake: encode custom payload: %w", err)
	}
	raw := calls.RawCall{
		Provider:   calls.ProviderCustom,
		Route:      calls.RouteCustom,
		AccountID:  acct.ID,
		Payload:    payload,
		ReceivedAt: in.clock().UTC(),
	}
	metrics.CallsReceived.WithLabelValues(string(raw.Provider), string(raw.Route)).Inc()
	if err := in.dispatch.Submit(ctx, Item{Raw: raw, TaskID: sub.TaskID}); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (in *Intake) run(ctx context.Context, item Item) {
	res, err := in.Process(ctx, item)
	log := logger.From(ctx).With(
		"provider", item.Raw.Provider,
		"route", item.Raw.Route,
		"call_id", res.Call.ProviderCallID,
		"outcome", res.Outcome,
	)
	if err != nil {
		log.Warn("call processing failed", "err", err)
		return
	}
	log.Debug("call processed")
}

// Process runs one call through intake. It is synchronous; poll workers and
// the retrier call it directly.
func (in *Intake) Process(ctx context.Context, item Item) (Result, error) {
	adapter, raw, err := in.adapterFor(ctx, item)
	if err != nil {
		return Result{}, err
	}

	call, err := adapter.Normalize(raw)
	if errors.Is(err, telephony.ErrSkip) {
		return in.done(Result{Call: call, Outcome: OutcomeSkipped}, nil)
	}
	if err != nil {
		return Result{}, fmt.Errorf("intake: normalize %s payload: %w", raw.Provider, err)
	}
	ctx, log := logger.WithAttrs(ctx, "provider", call.Provider, "account_id", call.AccountID, "call_id", call.ProviderCallID)
	res := Result{Call: call}

	report, ok, err := in.selectReport(ctx, adapter, call, item.SeenAt)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Outcome = OutcomeFiltered
		return in.done(res, in.reject(ctx, item, call))
	}

	if !item.Replay {
		rec := ingest.RecordOf(call)
		rec.TaskID = item.TaskID
		_, outcome, err := in.attempts.RecordOrBump(ctx, rec)
		if err != nil {
			return res, err
		}
		switch outcome {
		case ingest.OutcomeCompleted, ingest.OutcomeRejected:
			res.Outcome = OutcomeDuplicate
			return in.done(res, nil)
		case ingest.OutcomeExpired:
			res.Outcome = OutcomeExpired
			if call.Provider == calls.ProviderCustom {
				res.Task, err = in.abandon(ctx, item.TaskID, call, in.expiredCause())
			}
			return in.done(res, err)
		}
	}

	rec, err := adapter.FetchRecording(ctx, call)
	if errors.Is(err, telephony.ErrNotReady) {
		log.Info("recording not ready, will retry")
		res.Outcome = OutcomeNotReady
		return in.done(res, in.attempts.Touch(ctx, call.Provider, call.ProviderCallID))
	}
	if err != nil {
		res.Outcome = OutcomeDownloadFailed
		cause := fmt.Errorf("%w: %w", pipeline.ErrDownload, err)
		if call.Provider != calls.ProviderCustom {
			return in.done(res, cause)
		}
		// The provider helper already retried transient errors; the user is told now.
		if res.Task, err = in.abandon(ctx, item.TaskID, call, cause); err != nil {
			return in.done(res, errors.Join(cause, err))
		}
		return in.done(res, in.attempts.MarkCompleted(ctx, call.Provider, call.ProviderCallID))
	}

	job := pipeline.Job{TaskID: item.TaskID, Call: call, Report: report, Recording: rec}
	if n, ok := adapter.(telephony.Commenter); ok {
		job.Noter = n
	}
	task, err := in.runner.Process(ctx, job)
	res.Task = task
	switch {
	case errors.Is(err, pipeline.ErrAlreadyProcessed):
		res.Outcome = OutcomeDuplicate
		return in.done(res, in.attempts.MarkCompleted(ctx, call.Provider, call.ProviderCallID))
	case err != nil && task.ID == "":
		// Nothing was created; the attempt stays pending for the retrier.
		res.Outcome = OutcomeFailed
		return in.done(res, err)
	}

	metrics.TasksFinished.WithLabelValues(string(task.Status)).Inc()
	if task.Status == tasks.StatusDone {
		metrics.BilledSeconds.Add(float64(wallet.RoundAdjustment(int64(task.DurationSeconds))))
	}
	res.Outcome = OutcomeProcessed
	if err != nil {
		res.Outcome = OutcomeFailed
	}
	return in.done(res, errors.Join(err, in.attempts.MarkCompleted(ctx, call.Provider, call.ProviderCallID)))
}

// Expire gives an expired interactive attempt a terminal task so the caller
// learns the recording never arrived. Other sources have nobody waiting.
func (in *Intake) Expire(ctx context.Context, a ingest.Attempt) (tasks.Task, error) {
	if a.Provider != calls.ProviderCustom {
		return tasks.Task{}, nil
	}
	adapter, raw, err := in.adapterFor(ctx, Item{Raw: a.Raw()})
	if err != nil {
		return tasks.Task{}, err
	}
	call, err := adapter.Normalize(raw)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("intake: normalize expired attempt: %w", err)
	}
	return in.abandon(ctx, a.TaskID, call, in.expiredCause())
}

func (in *Intake) expiredCause() error {
	return fmt.Errorf("%w: recording not available within %s", pipeline.ErrDownload, in.attempts.TTL())
}

// abandon records the terminal task for an interactive call. A task that
// already exists for the file is returned as is.
func (in *Intake) abandon(ctx context.Context, taskID string, call calls.NormalizedCall, cause error) (tasks.Task, error) {
	t, err := in.runner.Abort(ctx, pipeline.Job{TaskID: taskID, Call: call}, cause)
	switch {
	case t.ID == "":
		return t, err
	case errors.Is(err, pipeline.ErrAlreadyProcessed):
		return t, nil
	}
	metrics.TasksFinished.WithLabelValues(string(t.Status)).Inc()
	logger.From(ctx).Warn("interactive call abandoned", "task_id", t.ID, "err", cause)
	return t, nil
}

func (in *Intake) done(res Result, err error) (Result, error) {
	metrics.CallOutcomes.WithLabelValues(string(res.Call.Provider), string(res.Outcome)).Inc()
	return res, err
}

// reject records filtered poll calls so they are not fetched again.
// Push rejections are not recorded; providers resend them only on change.
func (in *Intake) reject(ctx context.Context, item Item, call calls.NormalizedCall) error {
	switch {
	case item.Replay:
		return in.attempts.MarkRejected(ctx, call.Provider, call.ProviderCallID)
	case item.Raw.Route == calls.RoutePoll:
		_, outcome, err := in.attempts.RecordOrBump(ctx, ingest.RecordOf(call))
		if err != nil || !outcome.Proceed() {
			return err
		}
		return in.attempts.MarkRejected(ctx, call.Provider, call.ProviderCallID)
	default:
		return nil
	}
}

func (in *Intake) selectReport(ctx context.Context, adapter telephony.Adapter, call calls.NormalizedCall, seenAt time.Time) (routing.Report, bool, error) {
	reports, err := in.dir.Reports(ctx, call.AccountID)
	if err != nil {
		return routing.Report{}, false, fmt.Errorf("intake: load reports: %w", err)
	}
	// The user explicitly asked for the analysis.
	if call.Provider == calls.ProviderCustom {
		r, ok := routing.Primary(reports)
		return r, ok, nil
	}

	ec, err := in.evalContext(ctx, adapter, call.AccountID, seenAt)
	if err != nil {
		return routing.Report{}, false, err
	}
	r, ok, rejections := in.selector.Select(ctx, call, reports, ec)
	if !ok && len(rejections) > 0 {
		metrics.FilterRejections.WithLabelValues(string(rejections[len(rejections)-1].Result.Predicate)).Inc()
	}
	return r, ok, nil
}

// evalContext judges the call as of now, or as of seenAt for replays so a
// pending attempt is not aged out by its own retries.
func (in *Intake) evalContext(ctx context.Context, adapter telephony.Adapter, accountID string, seenAt time.Time) (*filter.EvalContext, error) {
	now := seenAt
	if now.IsZero() {
		now = in.clock()
	}
	ec := &filter.EvalContext{Now: now, Location: in.loc, Region: in.region}
	acct, err := in.dir.Account(ctx, accountID)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("intake: load account: %w", err)
	default:
		if acct.Timezone != "" {
			if loc, err := time.LoadLocation(acct.Timezone); err == nil {
				ec.Location = loc
			}
		}
		if acct.PhoneRegion != "" {
			ec.Region = acct.PhoneRegion
		}
	}

	if f, ok := adapter.(telephony.EntityFetcher); ok {
		ec.Entities = f
	}
	if f, ok := adapter.(telephony.FirstCallFinder); ok {
		ec.FirstCalls = f
	} else if telephony.IsPoller(adapter.Name()) {
		ec.FirstCalls = ingest.History{Store: in.attempts}
	}
	return ec, nil
}

// adapterFor returns the adapter for item and its raw call with the account set.
func (in *Intake) adapterFor(ctx context.Context, item Item) (telephony.Adapter, calls.RawCall, error) {
	raw := item.Raw
	if item.adapter != nil {
		return item.adapter, raw, nil
	}
	integ, err := in.integration(ctx, item)
	if err != nil {
		return nil, raw, err
	}
	raw.AccountID = integ.AccountID
	adapter, err := in.registry.New(integ, in.deps)
	if err != nil {
		logger.From(ctx).Error("integration unusable", "provider", raw.Provider, "account_id", integ.AccountID, "err", err)
		return nil, raw, err
	}
	return adapter, raw, nil
}

func (in *Intake) integration(ctx context.Context, item Item) (tenant.Integration, error) {
	if item.Integration != nil {
		return *item.Integration, nil
	}
	raw := item.Raw
	var (
		integ tenant.Integration
		err   error
	)
	if raw.AccountID != "" {
		integ, err = in.dir.Integration(ctx, raw.AccountID, raw.Provider)
		if errors.Is(err, tenant.ErrNotFound) && raw.Provider == calls.ProviderCustom {
			return tenant.Integration{AccountID: raw.AccountID, Provider: calls.ProviderCustom, Active: true}, nil
		}
	} else {
		ext := externalID(raw)
		if ext == "" {
			return tenant.Integration{}, fmt.Errorf("%w: no account identifier in %s payload", ErrUnknownAccount, raw.Provider)
		}
		integ, err = in.dir.IntegrationByExternalID(ctx, raw.Provider, ext)
	}
	if errors.Is(err, tenant.ErrNotFound) {
		return tenant.Integration{}, fmt.Errorf("%w: %s", ErrUnknownAccount, raw.Provider)
	}
	if err != nil {
		return tenant.Integration{}, fmt.Errorf("intake: resolve integration: %w", err)
	}
	return integ, nil
}

func externalID(raw calls.RawCall) string {
	switch raw.Provider {
	case calls.ProviderAmoCRM:
		return telephony.AmoAccountID(raw.Payload)
	case calls.ProviderBitrix:
		return telephony.BitrixMemberID(raw.Payload)
	default:
		return ""
	}
}
