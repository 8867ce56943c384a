package fraud

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresAuditStore persists fraud audits in PostgreSQL.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a PostgreSQL-backed audit store.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Record(ctx context.Context, audit *Audit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_audits (id, transaction_id, user_id, risk_score, flags, blocked, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		audit.ID, audit.TransactionID, audit.UserID, audit.RiskScore,
		pq.Array(audit.Flags), audit.Blocked, audit.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Audit, error) {
	query := `
		SELECT id, transaction_id, user_id, risk_score, flags, blocked, evaluated_at
		FROM fraud_audits WHERE user_id = $1 ORDER BY evaluated_at ASC
	`
	args := []any{userID}
	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT id, transaction_id, user_id, risk_score, flags, blocked, evaluated_at
				FROM fraud_audits WHERE user_id = $1 ORDER BY evaluated_at DESC LIMIT $2
			) recent ORDER BY evaluated_at ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Audit
	for rows.Next() {
		var a Audit
		var flags pq.StringArray
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.UserID, &a.RiskScore, &flags, &a.Blocked, &a.EvaluatedAt); err != nil {
			return nil, err
		}
		a.Flags = []string(flags)
		out = append(out, &a)
	}
	return out, rows.Err()
}
