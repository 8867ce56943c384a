// Package pipeline is the transaction-security pipeline: the single
// inbound path from the API layer to the ledger. Every submission is
// session-checked, sanitized, hashed, signed, and fraud-scored before it
// can touch storage; blocked transactions never persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/emailchain/emailchain/internal/cryptoutil"
	"github.com/emailchain/emailchain/internal/events"
	"github.com/emailchain/emailchain/internal/fraud"
	"github.com/emailchain/emailchain/internal/idgen"
	"github.com/emailchain/emailchain/internal/keyring"
	"github.com/emailchain/emailchain/internal/ledger"
	"github.com/emailchain/emailchain/internal/metrics"
	"github.com/emailchain/emailchain/internal/realtime"
	"github.com/emailchain/emailchain/internal/session"
	"github.com/emailchain/emailchain/internal/validate"
)

// ErrSessionInvalid is returned when the submitting session is unknown
// or expired.
var ErrSessionInvalid = errors.New("session invalid or expired")

// InputError reports a rejected submission field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// Session risk adjustments applied from scoring outcomes.
const (
	riskDeltaBlocked = 25
	riskDeltaHigh    = 15
	riskDeltaMedium  = 5
)

// Broadcaster pushes sealed envelopes to dashboard clients.
type Broadcaster interface {
	Broadcast(envelopeType string, payload any)
}

// Request is a candidate transaction from the API layer. IPAddress and
// UserAgent describe the submitting client, not the counterparty.
type Request struct {
	Type      ledger.Type `json:"type"`
	Amount    float64     `json:"amount"`
	To        string      `json:"to"`
	IPAddress string      `json:"ipAddress"`
	UserAgent string      `json:"userAgent"`
}

// Outcome is the pipeline's answer: the enriched transaction plus the
// fraud verdict the caller must branch on. Blocked outcomes carry a
// transaction that was never persisted.
type Outcome struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Fraud       fraud.Result        `json:"fraud"`
}

// Pipeline wires the security components into the submission path.
type Pipeline struct {
	sessions *session.Manager
	engine   *fraud.Engine
	store    ledger.Store
	keys     *keyring.Manager
	hub      Broadcaster
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Config collects the pipeline's dependencies. Hub and Bus may be nil;
// broadcasts are then skipped.
type Config struct {
	Sessions *session.Manager
	Engine   *fraud.Engine
	Store    ledger.Store
	Keys     *keyring.Manager
	Hub      Broadcaster
	Bus      *events.Bus
	Logger   *slog.Logger
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sessions: cfg.Sessions,
		engine:   cfg.Engine,
		store:    cfg.Store,
		keys:     cfg.Keys,
		hub:      cfg.Hub,
		bus:      cfg.Bus,
		logger:   logger.With("component", "pipeline"),
		now:      time.Now,
	}
}

// Submit runs one candidate transaction through the full security
// pipeline. The returned Outcome is valid whenever it is non-nil, even
// when err carries a *session.SecurityError raised by the risk update.
func (p *Pipeline) Submit(ctx context.Context, sessionID string, req Request) (*Outcome, error) {
	sess, err := p.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	tx, err := p.buildTransaction(sess, req)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	result, err := p.engine.Evaluate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("evaluate transaction: %w", err)
	}
	tx.SecurityScore = result.RiskScore
	tx.RiskFlags = result.Flags
	metrics.FraudRiskScore.Observe(float64(result.RiskScore))

	if result.Blocked {
		return p.blockTransaction(ctx, sessionID, tx, result)
	}

	if err := p.store.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	metrics.TransactionsTotal.WithLabelValues("allowed").Inc()
	p.logger.Info("transaction accepted",
		"transaction_id", tx.ID,
		"user_id", tx.From,
		"risk_score", result.RiskScore)

	riskErr := p.sessions.UpdateRisk(ctx, sessionID, riskDelta(result.RiskScore))
	return &Outcome{Transaction: tx, Fraud: result}, riskErr
}

func (p *Pipeline) buildTransaction(sess *session.Session, req Request) (*ledger.Transaction, error) {
	if !ledger.ValidType(req.Type) {
		return nil, &InputError{Field: "type", Message: "unknown transaction type"}
	}
	if !validate.ValidAmount(req.Amount) {
		return nil, &InputError{Field: "amount", Message: "amount out of range"}
	}
	to := validate.Sanitize(req.To)
	if !validate.ValidWalletAddress(to) {
		return nil, &InputError{Field: "to", Message: "invalid wallet address"}
	}

	key, err := p.keys.CurrentKey()
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	tx := &ledger.Transaction{
		ID:        idgen.WithPrefix("tx_"),
		Timestamp: p.now().UnixMilli(),
		Type:      req.Type,
		Amount:    req.Amount,
		From:      sess.UserID,
		To:        to,
		Status:    ledger.StatusPending,
		IPAddress: validate.Sanitize(req.IPAddress),
		UserAgent: validate.Sanitize(req.UserAgent),
	}
	tx.Hash = contentHash(tx)
	tx.Signature = cryptoutil.Sign(tx.Hash, key)
	return tx, nil
}

func (p *Pipeline) blockTransaction(ctx context.Context, sessionID string, tx *ledger.Transaction, result fraud.Result) (*Outcome, error) {
	metrics.TransactionsTotal.WithLabelValues("blocked").Inc()
	metrics.FraudAlertsTotal.WithLabelValues("critical").Inc()
	p.logger.Warn("transaction blocked",
		"transaction_id", tx.ID,
		"user_id", tx.From,
		"risk_score", result.RiskScore,
		"flags", result.Flags)

	detail := events.FraudAlertDetail{
		AlertID:      idgen.WithPrefix("alert_"),
		Severity:     "critical",
		Description:  "Transaction blocked by fraud detection",
		AffectedUser: tx.From,
		RiskScore:    result.RiskScore,
		Flags:        result.Flags,
	}
	if p.hub != nil {
		p.hub.Broadcast(realtime.TypeFraudAlert, detail)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Topic:     events.TopicFraudAlert,
			Detail:    detail,
			Timestamp: events.Now(),
		})
	}

	riskErr := p.sessions.UpdateRisk(ctx, sessionID, riskDeltaBlocked)
	return &Outcome{Transaction: tx, Fraud: result}, riskErr
}

// Confirm marks a pending transaction confirmed and broadcasts the
// confirmation to dashboard clients.
func (p *Pipeline) Confirm(ctx context.Context, txID string, blockNumber int64, confirmations int) error {
	if err := p.store.UpdateStatus(ctx, txID, ledger.StatusConfirmed, blockNumber, confirmations); err != nil {
		return err
	}

	tx, err := p.store.Get(ctx, txID)
	if err != nil {
		return err
	}

	detail := events.TransactionConfirmedDetail{
		TransactionID: tx.ID,
		Hash:          tx.Hash,
		Status:        string(tx.Status),
		BlockNumber:   tx.BlockNumber,
	}
	if p.hub != nil {
		p.hub.Broadcast(realtime.TypeTransactionConfirmed, detail)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Topic:     events.TopicTransactionDone,
			Detail:    detail,
			Timestamp: events.Now(),
		})
	}

	p.logger.Info("transaction confirmed",
		"transaction_id", tx.ID,
		"block_number", blockNumber)
	return nil
}

// riskDelta maps a fraud score onto the session risk adjustment for an
// allowed transaction.
func riskDelta(score int) int {
	switch {
	case score >= fraud.DefaultHighRisk:
		return riskDeltaHigh
	case score >= fraud.DefaultMediumRisk:
		return riskDeltaMedium
	default:
		return 0
	}
}

// contentHash derives the Keccak-256 content hash covering every field
// that identifies the transfer.
func contentHash(tx *ledger.Transaction) string {
	content := fmt.Sprintf("%s:%s:%s:%s:%g:%d",
		tx.ID, tx.Type, tx.From, tx.To, tx.Amount, tx.Timestamp)
	return ethcrypto.Keccak256Hash([]byte(content)).Hex()
}
