package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table should reject UPDATE/DELETE.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, account_id, type, actor_id, payer_id, entry_id, task_id, delta_seconds, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10, '')::jsonb,$11
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		string(e.Type),
		e.ActorID,
		e.PayerID,
		e.EntryID,
		e.TaskID,
		e.DeltaSeconds,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
