// Package fraud implements heuristic risk scoring for transactions and
// user behavior.
//
// A candidate transaction is evaluated against the user's history by five
// independent analyzers (velocity, amount, pattern, geolocation, timing).
// Partial scores are summed, not maxed, then clamped to [0,100]. A score
// at or above the critical threshold blocks the transaction. Scoring
// never fails: risk is a result the caller branches on, not an error.
package fraud

import (
	"context"
	"time"
)

// Risk band thresholds. Recommendations escalate per band; the critical
// band blocks.
const (
	DefaultLowRisk      = 30
	DefaultMediumRisk   = 60
	DefaultHighRisk     = 80
	DefaultCriticalRisk = 95
)

// Velocity limits.
const (
	DefaultMaxTxPerHour        = 10
	DefaultMaxAmountPerHour    = 100000
	DefaultMaxRecipientsPerDay = 50
)

// Config lifts every scoring threshold into one struct so tuning does not
// require code changes. Zero values fall back to the defaults above.
type Config struct {
	LowRisk      int
	MediumRisk   int
	HighRisk     int
	CriticalRisk int

	MaxTxPerHour        int
	MaxAmountPerHour    float64
	MaxRecipientsPerDay int
}

// DefaultConfig returns the observed production thresholds.
func DefaultConfig() Config {
	return Config{
		LowRisk:             DefaultLowRisk,
		MediumRisk:          DefaultMediumRisk,
		HighRisk:            DefaultHighRisk,
		CriticalRisk:        DefaultCriticalRisk,
		MaxTxPerHour:        DefaultMaxTxPerHour,
		MaxAmountPerHour:    DefaultMaxAmountPerHour,
		MaxRecipientsPerDay: DefaultMaxRecipientsPerDay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LowRisk <= 0 {
		c.LowRisk = d.LowRisk
	}
	if c.MediumRisk <= 0 {
		c.MediumRisk = d.MediumRisk
	}
	if c.HighRisk <= 0 {
		c.HighRisk = d.HighRisk
	}
	if c.CriticalRisk <= 0 {
		c.CriticalRisk = d.CriticalRisk
	}
	if c.MaxTxPerHour <= 0 {
		c.MaxTxPerHour = d.MaxTxPerHour
	}
	if c.MaxAmountPerHour <= 0 {
		c.MaxAmountPerHour = d.MaxAmountPerHour
	}
	if c.MaxRecipientsPerDay <= 0 {
		c.MaxRecipientsPerDay = d.MaxRecipientsPerDay
	}
	return c
}

// Result is the engine's verdict on one transaction or behavior check.
type Result struct {
	RiskScore       int      `json:"riskScore"`       // 0-100
	Flags           []string `json:"flags"`           // deduplicated, first-seen order
	Recommendations []string `json:"recommendations"` // deduplicated
	Blocked         bool     `json:"blocked"`
	Confidence      int      `json:"confidence"` // 20-95
}

// Audit is one recorded fraud evaluation, kept for the security dashboard.
type Audit struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	RiskScore     int       `json:"riskScore"`
	Flags         []string  `json:"flags"`
	Blocked       bool      `json:"blocked"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// AuditStore persists fraud evaluations, best effort.
type AuditStore interface {
	Record(ctx context.Context, audit *Audit) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Audit, error)
}

// BehaviorContext is the recent-action window used by CheckBehavior.
type BehaviorContext struct {
	LastActionAt  int64    // epoch millis of the previous action, 0 if none
	RecentActions []string // most recent action names, newest last
}
