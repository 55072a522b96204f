package ingest

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"call-intake/internal/calls"
)

// Table:
//
//	ingestion_attempts (
//	  provider text, call_id text, account_id text,
//	  first_seen_at timestamptz, last_attempt_at timestamptz, retry_count int,
//	  status text,            -- failed | completed | rejected
//	  raw_payload bytea, callback_route text,
//	  entity_type text, entity_id text, started_at timestamptz NULL, task_id text NULL,
//	  PRIMARY KEY (provider, call_id)
//	)
//	INDEX (status, first_seen_at), INDEX (account_id, entity_type, entity_id, started_at)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const attemptColumns = `
provider, call_id, account_id, first_seen_at, last_attempt_at, retry_count, status,
raw_payload, callback_route, COALESCE(entity_type, ''), COALESCE(entity_id, ''), started_at,
COALESCE(task_id, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (Attempt, error) {
	var (
		a        Attempt
		provider string
		route    string
		status   string
		started  sql.NullTime
	)
	err := r.Scan(
		&provider, &a.ProviderCallID, &a.AccountID, &a.FirstSeenAt, &a.LastAttemptAt, &a.RetryCount, &status,
		&a.RawPayload, &route, &a.EntityType, &a.EntityID, &started,
		&a.TaskID,
	)
	if err != nil {
		return Attempt{}, err
	}
	a.Provider = calls.Provider(provider)
	a.CallbackRoute = calls.Route(route)
	a.Status = parseStored(status)
	if started.Valid {
		a.StartedAt = started.Time.UTC()
	}
	a.FirstSeenAt = a.FirstSeenAt.UTC()
	a.LastAttemptAt = a.LastAttemptAt.UTC()
	return a, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (r *PostgresRepo) Insert(ctx context.Context, a Attempt) (bool, error) {
	const q = `
INSERT INTO ingestion_attempts (
  provider, call_id, account_id, first_seen_at, last_attempt_at, retry_count, status,
  raw_payload, callback_route, entity_type, entity_id, started_at, task_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13, ''))
ON CONFLICT (provider, call_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		string(a.Provider), a.ProviderCallID, a.AccountID, a.FirstSeenAt, a.LastAttemptAt, a.RetryCount, a.Status.stored(),
		a.RawPayload, string(a.CallbackRoute), a.EntityType, a.EntityID, nullTime(a.StartedAt),
		a.TaskID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) Get(ctx context.Context, provider calls.Provider, callID string) (Attempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM ingestion_attempts WHERE provider = $1 AND call_id = $2`
	a, err := scanAttempt(r.db.QueryRowContext(ctx, q, string(provider), callID))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	return a, err
}

func (r *PostgresRepo) Update(ctx context.Context, a Attempt) error {
	const q = `
UPDATE ingestion_attempts
SET last_attempt_at = $3, retry_count = $4, status = $5
WHERE provider = $1 AND call_id = $2
`
	res, err := r.db.ExecContext(ctx, q, string(a.Provider), a.ProviderCallID, a.LastAttemptAt, a.RetryCount, a.Status.stored())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Seen(ctx context.Context, provider calls.Provider, callIDs []string) ([]string, error) {
	if len(callIDs) == 0 {
		return nil, nil
	}
	const q = `SELECT call_id FROM ingestion_attempts WHERE provider = $1 AND call_id = ANY($2)`
	rows, err := r.db.QueryContext(ctx, q, string(provider), callIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListPending(ctx context.Context, limit int) ([]Attempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM ingestion_attempts WHERE status = $1 ORDER BY first_seen_at, call_id`
	args := []any{storedPending}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) EarliestForEntity(ctx context.Context, accountID, entityType, entityID string) (Attempt, bool, error) {
	q := `SELECT ` + attemptColumns + `
FROM ingestion_attempts
WHERE account_id = $1 AND entity_type = $2 AND entity_id = $3
ORDER BY started_at ASC NULLS LAST, first_seen_at ASC
LIMIT 1`
	a, err := scanAttempt(r.db.QueryRowContext(ctx, q, accountID, entityType, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, false, nil
	}
	if err != nil {
		return Attempt{}, false, err
	}
	return a, true, nil
}
