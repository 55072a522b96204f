package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/internal/routing"
)

// Tables:
// - accounts (id, payer_id, name, timezone, phone_region, webhook_secret)
// - integrations (account_id, provider, external_id, base_url, client_id, client_secret,
//   redirect_uri, access_token, refresh_token, token_expires_at, api_key, api_secret, active)
//   UNIQUE (account_id, provider)
// - reports (id, account_id, name, priority, active, filters jsonb, questions jsonb, sheet_name)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Account(ctx context.Context, accountID string) (Account, error) {
	const q = `
SELECT id, COALESCE(payer_id, ''), name, COALESCE(timezone, ''), COALESCE(phone_region, ''), COALESCE(webhook_secret, '')
FROM accounts
WHERE id = $1
`
	var a Account
	err := s.db.QueryRowContext(ctx, q, accountID).Scan(&a.ID, &a.PayerID, &a.Name, &a.Timezone, &a.PhoneRegion, &a.WebhookSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

const integrationColumns = `
account_id, provider, external_id, COALESCE(base_url, ''), COALESCE(client_id, ''), COALESCE(client_secret, ''),
COALESCE(redirect_uri, ''), COALESCE(access_token, ''), COALESCE(refresh_token, ''), token_expires_at,
COALESCE(api_key, ''), COALESCE(api_secret, ''), active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(r rowScanner) (Integration, error) {
	var in Integration
	var expires sql.NullTime
	err := r.Scan(
		&in.AccountID, &in.Provider, &in.ExternalID, &in.BaseURL, &in.ClientID, &in.ClientSecret,
		&in.RedirectURI, &in.Tokens.AccessToken, &in.Tokens.RefreshToken, &expires,
		&in.APIKey, &in.APISecret, &in.Active,
	)
	if err != nil {
		return Integration{}, err
	}
	if expires.Valid {
		in.Tokens.ExpiresAt = expires.Time
	}
	return in, nil
}

func (s *PostgresStore) IntegrationByExternalID(ctx context.Context, provider calls.Provider, externalID string) (Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE provider = $1 AND external_id = $2 AND active LIMIT 1`
	in, err := scanIntegration(s.db.QueryRowContext(ctx, q, provider, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (s *PostgresStore) Integration(ctx context.Context, accountID string, provider calls.Provider) (Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE account_id = $1 AND provider = $2 AND active`
	in, err := scanIntegration(s.db.QueryRowContext(ctx, q, accountID, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (s *PostgresStore) Integrations(ctx context.Context, provider calls.Provider) ([]Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE provider = $1 AND active ORDER BY account_id`
	rows, err := s.db.QueryContext(ctx, q, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Reports decodes the stored filter blobs into typed FilterSets here, once.
// A report with an undecodable blob is returned inactive so it can never match.
func (s *PostgresStore) Reports(ctx context.Context, accountID string) ([]routing.Report, error) {
	const q = `
SELECT id, account_id, name, priority, active, COALESCE(filters, 'null'), COALESCE(questions, '[]'), COALESCE(sheet_name, '')
FROM reports
WHERE account_id = $1
ORDER BY priority, id
`
	rows, err := s.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []routing.Report
	for rows.Next() {
		var r routing.Report
		var filters, questions []byte
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Name, &r.Priority, &r.Active, &filters, &questions, &r.SheetName); err != nil {
			return nil, err
		}
		fs, err := filter.Decode(filters)
		if err != nil {
			r.Active = false
		}
		r.Filters = fs
		if r.Questions, err = decodeQuestions(questions); err != nil {
			return nil, fmt.Errorf("tenant: report %s questions: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveTokens(ctx context.Context, accountID string, provider calls.Provider, t Tokens) error {
	const q = `
UPDATE integrations
SET access_token = $3, refresh_token = $4, token_expires_at = $5
WHERE account_id = $1 AND provider = $2
`
	var expires any
	if !t.ExpiresAt.IsZero() {
		expires = t.ExpiresAt
	}
	res, err := s.db.ExecContext(ctx, q, accountID, provider, t.AccessToken, t.RefreshToken, expires)
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

func decodeQuestions(blob []byte) ([]routing.Question, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var qs []routing.Question
	if err := json.Unmarshal(blob, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}
