package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists transactions in PostgreSQL. Schema is managed by
// the goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, hash, ts, type, amount, from_user, to_user, gas_used,
			status, signature, ip_address, user_agent, block_number,
			confirmations, security_score, risk_flags
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		tx.ID, tx.Hash, tx.Timestamp, string(tx.Type), tx.Amount,
		tx.From, tx.To, tx.GasUsed, string(tx.Status), tx.Signature,
		tx.IPAddress, tx.UserAgent, tx.BlockNumber, tx.Confirmations,
		tx.SecurityScore, pq.Array(tx.RiskFlags),
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, ts, type, amount, from_user, to_user, gas_used,
		       status, signature, ip_address, user_agent, block_number,
		       confirmations, security_score, risk_flags
		FROM transactions WHERE id = $1
	`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, hash, ts, type, amount, from_user, to_user, gas_used,
		       status, signature, ip_address, user_agent, block_number,
		       confirmations, security_score, risk_flags
		FROM transactions WHERE from_user = $1 ORDER BY ts ASC
	`
	args := []any{userID}
	if limit > 0 {
		// Most recent N, still returned ascending.
		query = `
			SELECT * FROM (
				SELECT id, hash, ts, type, amount, from_user, to_user, gas_used,
				       status, signature, ip_address, user_agent, block_number,
				       confirmations, security_score, risk_flags
				FROM transactions WHERE from_user = $1 ORDER BY ts DESC LIMIT $2
			) recent ORDER BY ts ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, blockNumber int64, confirmations int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, block_number = $3, confirmations = $4
		WHERE id = $1
	`, id, string(status), blockNumber, confirmations)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var tx Transaction
	var typ, status string
	var flags pq.StringArray

	err := row.Scan(
		&tx.ID, &tx.Hash, &tx.Timestamp, &typ, &tx.Amount,
		&tx.From, &tx.To, &tx.GasUsed, &status, &tx.Signature,
		&tx.IPAddress, &tx.UserAgent, &tx.BlockNumber,
		&tx.Confirmations, &tx.SecurityScore, &flags,
	)
	if err != nil {
		return nil, err
	}
	tx.Type = Type(typ)
	tx.Status = Status(status)
	tx.RiskFlags = []string(flags)
	return &tx, nil
}
