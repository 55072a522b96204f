package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-intake/internal/assembly"
	"call-intake/internal/calls"
	"call-intake/internal/routing"
	"call-intake/internal/sheet"
	"call-intake/internal/tasks"
	"call-intake/internal/wallet"
	"call-intake/pkg/logger"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyProcessed means a task exists for the same account and file.
	ErrAlreadyProcessed = errors.New("pipeline: already processed")
	// ErrDownload wraps recording fetch failures in interactive flows.
	ErrDownload = errors.New("pipeline: recording download failed")
)

type Transcriber interface {
	Transcribe(ctx context.Context, rec calls.Recording) (assembly.Transcript, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, t assembly.Transcript, questions []routing.Question) (map[string]string, error)
}

type ReportSink interface {
	Append(ctx context.Context, r sheet.Row) error
}

// Noter posts the analysis back to the CRM entity.
type Noter interface {
	AddNote(ctx context.Context, call calls.NormalizedCall, text string) error
}

// Ledger is the subset of the balance ledger the pipeline settles against.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, seconds int64) error
	Debit(ctx context.Context, accountID, taskID string, seconds int64) (wallet.Entry, wallet.Balance, error)
	Refund(ctx context.Context, accountID, taskID string, debit wallet.Entry) (wallet.Entry, wallet.Balance, error)
}

// Job is one qualified call with its opened recording.
type Job struct {
	// TaskID may be pre-assigned so callers can return it before processing.
	TaskID    string
	Call      calls.NormalizedCall
	Report    routing.Report
	Recording calls.Recording
	// FileURL is the idempotence key within the account; derived from the call when empty.
	FileURL string
	Noter   Noter
}

// FileRef is the per-account identity of the recording a job processes.
func (j Job) FileRef() string {
	if j.FileURL != "" {
		return j.FileURL
	}
	loc := j.Call.RecordingLocator
	switch {
	case strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://"):
		return loc
	case loc != "":
		return string(j.Call.Provider) + ":" + loc
	default:
		return string(j.Call.Provider) + ":" + j.Call.ProviderCallID
	}
}

// Pipeline runs download → transcribe → debit → analyze → report for one task.
//
// Balance policy: nothing is debited until the measured duration is known;
// any failure after the debit refunds it in full.
type Pipeline struct {
	tasks       tasks.Repository
	ledger      Ledger
	transcriber Transcriber
	analyzer    Analyzer
	sink        ReportSink
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func New(repo tasks.Repository, ledger Ledger, tr Transcriber, an Analyzer, sink ReportSink) *Pipeline {
	return &Pipeline{tasks: repo, ledger: ledger, transcriber: tr, analyzer: an, sink: sink, clock: time.Now}
}

func (p *Pipeline) Process(ctx context.Context, job Job) (tasks.Task, error) {
	if job.Recording.Body != nil {
		defer job.Recording.Body.Close()
	}
	c := job.Call
	t, err := p.open(ctx, job, tasks.StepCreated)
	if err != nil {
		return t, err
	}
	ctx, log := logger.WithAttrs(ctx, "task_id", t.ID)

	if err := p.ledger.Reserve(ctx, c.AccountID, int64(c.DurationSeconds)); err != nil {
		return p.finish(ctx, t, tasks.StatusCancelled, err)
	}
	if err := p.step(ctx, &t, tasks.StepReserved); err != nil {
		return p.finish(ctx, t, tasks.StatusError, err)
	}

	tr, err := p.transcriber.Transcribe(ctx, job.Recording)
	if err != nil {
		return p.finish(ctx, t, tasks.StatusError, fmt.Errorf("transcribe: %w", err))
	}
	t.Transcript = tr.Text
	t.AdvancedTranscript = tr.Speakers()
	t.DurationSeconds = tr.DurationSeconds
	if t.DurationSeconds <= 0 {
		t.DurationSeconds = c.DurationSeconds
	}
	if err := p.step(ctx, &t, tasks.StepTranscribed); err != nil {
		return p.finish(ctx, t, tasks.StatusError, err)
	}

	debit, _, err := p.ledger.Debit(ctx, c.AccountID, t.ID, int64(t.DurationSeconds))
	if err != nil {
		status := tasks.StatusError
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			status = tasks.StatusCancelled
		}
		return p.finish(ctx, t, status, fmt.Errorf("debit: %w", err))
	}
	log.Info("balance debited", "seconds", -debit.DeltaSeconds, "entry_id", debit.ID)

	// From here on every failure refunds the debit.
	fail := func(cause error) (tasks.Task, error) {
		if _, _, rerr := p.ledger.Refund(ctx, c.AccountID, t.ID, debit); rerr != nil {
			log.Error("refund failed", "entry_id", debit.ID, "err", rerr)
			cause = fmt.Errorf("%w (refund failed: %v)", cause, rerr)
		} else {
			t.Step = tasks.StepRefunded
		}
		return p.finish(ctx, t, tasks.StatusError, cause)
	}

	if err := p.step(ctx, &t, tasks.StepDebited); err != nil {
		return fail(err)
	}

	answers, err := p.analyzer.Analyze(ctx, tr, job.Report.Questions)
	if err != nil {
		return fail(fmt.Errorf("analyze: %w", err))
	}
	t.Answers = answers
	if err := p.step(ctx, &t, tasks.StepAnalyzed); err != nil {
		return fail(err)
	}

	if err := p.sink.Append(ctx, sheet.Row{
		TaskID:          t.ID,
		AccountID:       c.AccountID,
		Report:          job.Report,
		CallID:          c.ProviderCallID,
		Provider:        string(c.Provider),
		StartedAt:       c.StartedAt,
		DurationSeconds: t.DurationSeconds,
		Phone:           c.PhoneNumber,
		ResponsibleUser: c.ResponsibleUserID,
		Transcript:      t.Transcript,
		Answers:         answers,
	}); err != nil {
		return fail(fmt.Errorf("report: %w", err))
	}
	t.Step = tasks.StepReported

	if job.Report.Filters.WriteNote && job.Noter != nil {
		if err := job.Noter.AddNote(ctx, c, NoteText(job.Report, answers)); err != nil {
			// The customer already has the report row; a missing CRM note is not billable.
			log.Warn("crm note failed", "err", err)
		} else {
			t.Step = tasks.StepNoted
		}
	}
	return p.finish(ctx, t, tasks.StatusDone, nil)
}

// Abort records job as a failed download under its task id. Nothing is
// reserved or debited. cause is returned, as from Process.
func (p *Pipeline) Abort(ctx context.Context, job Job, cause error) (tasks.Task, error) {
	if job.Recording.Body != nil {
		defer job.Recording.Body.Close()
	}
	t, err := p.open(ctx, job, tasks.StepDownloading)
	if err != nil {
		return t, err
	}
	if !errors.Is(cause, ErrDownload) {
		cause = fmt.Errorf("%w: %w", ErrDownload, cause)
	}
	ctx, _ = logger.WithAttrs(ctx, "task_id", t.ID)
	return p.finish(ctx, t, tasks.StatusError, cause)
}

// open creates the in_progress task for job, or returns the existing one with
// ErrAlreadyProcessed.
func (p *Pipeline) open(ctx context.Context, job Job, step tasks.Step) (tasks.Task, error) {
	c := job.Call
	file := job.FileRef()
	if existing, found, err := p.tasks.FindByFileURL(ctx, c.AccountID, file); err != nil {
		return tasks.Task{}, fmt.Errorf("pipeline: lookup task: %w", err)
	} else if found {
		return existing, ErrAlreadyProcessed
	}

	now := p.clock().UTC()
	id := job.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	t := tasks.Task{
		ID:              id,
		AccountID:       c.AccountID,
		ReportID:        job.Report.ID,
		Source:          c.Provider,
		ProviderCallID:  c.ProviderCallID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          tasks.StatusInProgress,
		Step:            step,
		InitialDuration: c.DurationSeconds,
		FileURL:         file,
	}
	if err := p.tasks.Create(ctx, t); err != nil {
		if errors.Is(err, tasks.ErrDuplicate) {
			return t, ErrAlreadyProcessed
		}
		return tasks.Task{}, fmt.Errorf("pipeline: create task: %w", err)
	}
	return t, nil
}

func (p *Pipeline) step(ctx context.Context, t *tasks.Task, s tasks.Step) error {
	t.Step = s
	t.UpdatedAt = p.clock().UTC()
	if err := p.tasks.Update(ctx, *t); err != nil {
		return fmt.Errorf("save task step %s: %w", s, err)
	}
	return nil
}

// finish moves t to a terminal status and returns cause.
func (p *Pipeline) finish(ctx context.Context, t tasks.Task, status tasks.Status, cause error) (tasks.Task, error) {
	if cause != nil {
		t.ErrorDetails = cause.Error()
	}
	if err := tasks.Transition(&t, status, p.clock().UTC()); err != nil {
		return t, errors.Join(cause, err)
	}
	if err := p.tasks.Update(ctx, t); err != nil {
		logger.From(ctx).Error("task status not saved", "status", status, "err", err)
		return t, errors.Join(cause, err)
	}
	if cause != nil {
		logger.From(ctx).Warn("task failed", "status", status, "step", t.Step, "err", cause)
	} else {
		logger.From(ctx).Info("task done", "duration_s", t.DurationSeconds)
	}
	return t, cause
}

// NoteText renders the answers for a CRM note, in question order.
func NoteText(r routing.Report, answers map[string]string) string {
	var b strings.Builder
	b.WriteString(r.Name)
	for _, q := range r.Questions {
		fmt.Fprintf(&b, "\n%s: %s", q.Prompt, answers[q.Key])
	}
	return strings.TrimSpace(b.String())
}
