package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"call-intake/internal/calls"
	"call-intake/pkg/utils"
)

// Table:
// - tasks (id PK, account_id, report_id, source, provider_call_id, created_at, updated_at,
//   status, step, duration_seconds, initial_duration, file_url, error_details,
//   transcript, advanced_transcript, answers jsonb)
//   UNIQUE (account_id, file_url)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const taskColumns = `
id, account_id, COALESCE(report_id, ''), source, COALESCE(provider_call_id, ''), created_at, updated_at,
status, step, duration_seconds, initial_duration, file_url, COALESCE(error_details, ''),
COALESCE(transcript, ''), COALESCE(advanced_transcript, ''), answers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t       Task
		source  string
		status  string
		step    string
		answers []byte
	)
	err := r.Scan(
		&t.ID, &t.AccountID, &t.ReportID, &source, &t.ProviderCallID, &t.CreatedAt, &t.UpdatedAt,
		&status, &step, &t.DurationSeconds, &t.InitialDuration, &t.FileURL, &t.ErrorDetails,
		&t.Transcript, &t.AdvancedTranscript, &answers,
	)
	if err != nil {
		return Task{}, err
	}
	t.Source, t.Status, t.Step = calls.Provider(source), Status(status), Step(step)
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &t.Answers); err != nil {
			return Task{}, fmt.Errorf("tasks: decode answers: %w", err)
		}
	}
	return t, nil
}

func encodeAnswers(a map[string]string) ([]byte, error) {
	if len(a) == 0 {
		return nil, nil
	}
	return json.Marshal(a)
}

func (r *PostgresRepo) Create(ctx context.Context, t Task) error {
	answers, err := encodeAnswers(t.Answers)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO tasks (
  id, account_id, report_id, source, provider_call_id, created_at, updated_at,
  status, step, duration_seconds, initial_duration, file_url, error_details, transcript, advanced_transcript, answers
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`
	_, err = r.db.ExecContext(ctx, q,
		t.ID, t.AccountID, t.ReportID, string(t.Source), t.ProviderCallID, t.CreatedAt, t.UpdatedAt,
		string(t.Status), string(t.Step), t.DurationSeconds, t.InitialDuration, t.FileURL, t.ErrorDetails, t.Transcript, t.AdvancedTranscript, answers,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (r *PostgresRepo) Update(ctx context.Context, t Task) error {
	answers, err := encodeAnswers(t.Answers)
	if err != nil {
		return err
	}
	// The status guard keeps terminal rows immutable even under concurrent writers.
	const q = `
UPDATE tasks
SET updated_at = $2, status = $3, step = $4, duration_seconds = $5, initial_duration = $6,
    error_details = $7, transcript = $8, advanced_transcript = $9, answers = $10, report_id = $11
WHERE id = $1 AND status = 'in_progress'
`
	res, err := r.db.ExecContext(ctx, q,
		t.ID, t.UpdatedAt, string(t.Status), string(t.Step), t.DurationSeconds, t.InitialDuration,
		t.ErrorDetails, t.Transcript, t.AdvancedTranscript, answers, t.ReportID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is terminal", ErrInvalidTransition, t.ID)
	}
	return nil
}

func (r *PostgresRepo) FindByFileURL(ctx context.Context, accountID, fileURL string) (Task, bool, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE account_id = $1 AND file_url = $2 LIMIT 1`
	t, err := scanTask(r.db.QueryRowContext(ctx, q, accountID, fileURL))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}
