// Package ledger defines the transaction record and its append-only
// per-user history. Records are created by the security pipeline, scored
// by the fraud engine before persistence, and consulted read-only by the
// engine when scoring later transactions.
package ledger

import (
	"context"
	"errors"
)

// Type enumerates the economically meaningful user actions.
type Type string

const (
	TypeStake      Type = "stake"
	TypeUnstake    Type = "unstake"
	TypeCampaign   Type = "campaign"
	TypeValidation Type = "validation"
	TypeReward     Type = "reward"
	TypePenalty    Type = "penalty"
)

// Status is the confirmation state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when a transaction id is unknown.
var ErrNotFound = errors.New("transaction not found")

// Transaction is one recorded user action. SecurityScore and RiskFlags
// are written exactly once, by the fraud engine, before the record is
// persisted or broadcast.
type Transaction struct {
	ID            string   `json:"id"`
	Hash          string   `json:"hash"`
	Timestamp     int64    `json:"timestamp"` // epoch millis
	Type          Type     `json:"type"`
	Amount        float64  `json:"amount"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	GasUsed       float64  `json:"gasUsed"`
	Status        Status   `json:"status"`
	Signature     string   `json:"signature"`
	IPAddress     string   `json:"ipAddress"`
	UserAgent     string   `json:"userAgent"`
	BlockNumber   int64    `json:"blockNumber"`
	Confirmations int      `json:"confirmations"`
	SecurityScore int      `json:"securityScore"`
	RiskFlags     []string `json:"riskFlags"`
}

// ValidType reports whether t is one of the closed transaction types.
func ValidType(t Type) bool {
	switch t {
	case TypeStake, TypeUnstake, TypeCampaign, TypeValidation, TypeReward, TypePenalty:
		return true
	}
	return false
}

// Store persists transactions. History is append-only: Append is the only
// write path for new records, UpdateStatus the only mutation afterwards.
type Store interface {
	Append(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// History returns the user's transactions ordered by ascending
	// timestamp. A non-positive limit returns the full history.
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status Status, blockNumber int64, confirmations int) error
}
