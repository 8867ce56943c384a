package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emailchain/emailchain/internal/cryptoutil"
	"github.com/emailchain/emailchain/internal/events"
	"github.com/emailchain/emailchain/internal/fraud"
	"github.com/emailchain/emailchain/internal/keyring"
	"github.com/emailchain/emailchain/internal/ledger"
	"github.com/emailchain/emailchain/internal/realtime"
	"github.com/emailchain/emailchain/internal/session"
)

const walletTo = "0x1111111111111111111111111111111111111111"

// Monday noon UTC keeps the timing analyzer quiet.
var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeHub struct {
	mu     sync.Mutex
	frames []broadcastFrame
}

type broadcastFrame struct {
	envelopeType string
	payload      any
}

func (h *fakeHub) Broadcast(envelopeType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, broadcastFrame{envelopeType, payload})
}

func (h *fakeHub) sent() []broadcastFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcastFrame(nil), h.frames...)
}

type fixture struct {
	pipeline  *Pipeline
	sessions  *session.Manager
	store     *ledger.MemoryStore
	keys      *keyring.Manager
	hub       *fakeHub
	sessionID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	sessions := session.NewManager(session.Config{}, nil, nil)
	keys := keyring.New(keyring.Config{}, nil, nil)
	hub := &fakeHub{}

	p := New(Config{
		Sessions: sessions,
		Engine:   fraud.NewEngine(fraud.DefaultConfig(), store, fraud.NewMemoryAuditStore(), nil),
		Store:    store,
		Keys:     keys,
		Hub:      hub,
	})
	p.now = func() time.Time { return baseTime }

	sessionID, err := sessions.Create(context.Background(), "user1", session.DeviceInfo{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		IPAddress: "8.8.8.8",
		Timezone:  "America/New_York",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	return &fixture{
		pipeline:  p,
		sessions:  sessions,
		store:     store,
		keys:      keys,
		hub:       hub,
		sessionID: sessionID,
	}
}

func (f *fixture) seedHistory(t *testing.T, txs ...*ledger.Transaction) {
	t.Helper()
	for _, tx := range txs {
		if err := f.store.Append(context.Background(), tx); err != nil {
			t.Fatal(err)
		}
	}
}

func historyTx(ts time.Time, amount float64, ip string) *ledger.Transaction {
	return &ledger.Transaction{
		ID:        "tx_seed_" + ts.Format("150405"),
		Timestamp: ts.UnixMilli(),
		Type:      ledger.TypeStake,
		Amount:    amount,
		From:      "user1",
		To:        walletTo,
		Status:    ledger.StatusConfirmed,
		IPAddress: ip,
	}
}

func TestSubmitAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Submit(ctx, f.sessionID, Request{
		Type:      ledger.TypeStake,
		Amount:    500,
		To:        walletTo,
		IPAddress: "8.8.8.8",
		UserAgent: "Mozilla/5.0",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tx := out.Transaction
	if out.Fraud.Blocked {
		t.Fatal("clean submission blocked")
	}
	// Empty history contributes the new-user score.
	if tx.SecurityScore != 10 {
		t.Errorf("security score = %d, want 10", tx.SecurityScore)
	}
	if out.Fraud.Confidence > 40 {
		t.Errorf("confidence = %d, want low for empty history", out.Fraud.Confidence)
	}
	if tx.Status != ledger.StatusPending || tx.From != "user1" {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if !strings.HasPrefix(tx.Hash, "0x") || len(tx.Hash) != 66 {
		t.Errorf("hash = %q, want 0x-prefixed keccak digest", tx.Hash)
	}

	key, err := f.keys.CurrentKey()
	if err != nil {
		t.Fatal(err)
	}
	if !cryptoutil.VerifySignature(tx.Hash, tx.Signature, key) {
		t.Error("signature does not verify under current key")
	}

	stored, err := f.store.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("allowed transaction not persisted: %v", err)
	}
	if stored.SecurityScore != tx.SecurityScore {
		t.Error("persisted without fraud enrichment")
	}
}

func TestSubmitInvalidSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Submit(context.Background(), "bogus", Request{
		Type: ledger.TypeStake, Amount: 10, To: walletTo,
	})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("got %v, want ErrSessionInvalid", err)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"unknown type", Request{Type: "transfer", Amount: 10, To: walletTo}, "type"},
		{"negative amount", Request{Type: ledger.TypeStake, Amount: -1, To: walletTo}, "amount"},
		{"bad address", Request{Type: ledger.TypeStake, Amount: 10, To: "not-an-address"}, "to"},
		{"script address", Request{Type: ledger.TypeStake, Amount: 10, To: "javascript:alert(1)"}, "to"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.pipeline.Submit(ctx, f.sessionID, c.req)
			var inputErr *InputError
			if !errors.As(err, &inputErr) {
				t.Fatalf("got %v, want InputError", err)
			}
			if inputErr.Field != c.field {
				t.Errorf("field = %s, want %s", inputErr.Field, c.field)
			}
		})
	}
}

// scripted burst: machine-regular gaps, identical round amounts,
// rotating IPs. Drives the engine past the blocking threshold.
func burstHistory() []*ledger.Transaction {
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"}
	var txs []*ledger.Transaction
	for i := 0; i < 12; i++ {
		tx := historyTx(baseTime.Add(-time.Duration(12-i)*time.Minute), 10000, ips[i%len(ips)])
		txs = append(txs, tx)
	}
	return txs
}

func TestSubmitBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedHistory(t, burstHistory()...)

	out, err := f.pipeline.Submit(ctx, f.sessionID, Request{
		Type:      ledger.TypeStake,
		Amount:    10000,
		To:        walletTo,
		IPAddress: "5.5.5.5",
		UserAgent: "Mozilla/5.0",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !out.Fraud.Blocked {
		t.Fatalf("burst not blocked: score=%d flags=%v", out.Fraud.RiskScore, out.Fraud.Flags)
	}

	// Blocked transactions never reach the ledger.
	if _, err := f.store.Get(ctx, out.Transaction.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("blocked transaction persisted: %v", err)
	}

	frames := f.hub.sent()
	if len(frames) != 1 || frames[0].envelopeType != realtime.TypeFraudAlert {
		t.Fatalf("frames = %+v, want one fraud alert", frames)
	}
	detail, ok := frames[0].payload.(events.FraudAlertDetail)
	if !ok {
		t.Fatalf("payload type %T", frames[0].payload)
	}
	if detail.AffectedUser != "user1" || detail.RiskScore != out.Fraud.RiskScore {
		t.Errorf("alert detail = %+v", detail)
	}

	sess, err := f.sessions.Get(ctx, f.sessionID)
	if err != nil {
		t.Fatal("session gone after single block")
	}
	if sess.RiskScore != 25 {
		t.Errorf("session risk = %d, want 25", sess.RiskScore)
	}
}

func TestSubmitBlockedTerminatesHotSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedHistory(t, burstHistory()...)

	if err := f.sessions.UpdateRisk(ctx, f.sessionID, 60); err != nil {
		t.Fatal(err)
	}

	out, err := f.pipeline.Submit(ctx, f.sessionID, Request{
		Type:      ledger.TypeStake,
		Amount:    10000,
		To:        walletTo,
		IPAddress: "5.5.5.5",
		UserAgent: "Mozilla/5.0",
	})
	var secErr *session.SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("got %v, want SecurityError", err)
	}
	if out == nil || !out.Fraud.Blocked {
		t.Fatal("outcome missing despite termination")
	}
	if ok, _ := f.sessions.Validate(ctx, f.sessionID); ok {
		t.Error("session survived critical risk")
	}
}

func TestSubmitMediumRiskRaisesSessionRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Eleven small transactions in the trailing hour with machine-regular
	// gaps: frequency, repetition, and automation flags, but no blocking.
	var txs []*ledger.Transaction
	for i := 0; i < 11; i++ {
		txs = append(txs, historyTx(baseTime.Add(-time.Duration(11-i)*time.Minute), 5, "8.8.8.8"))
	}
	f.seedHistory(t, txs...)

	out, err := f.pipeline.Submit(ctx, f.sessionID, Request{
		Type:      ledger.TypeStake,
		Amount:    5,
		To:        walletTo,
		IPAddress: "8.8.8.8",
		UserAgent: "Mozilla/5.0",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Fraud.Blocked {
		t.Fatalf("medium-risk submission blocked: %+v", out.Fraud)
	}
	if out.Fraud.RiskScore < fraud.DefaultMediumRisk || out.Fraud.RiskScore >= fraud.DefaultHighRisk {
		t.Fatalf("score = %d, want medium band", out.Fraud.RiskScore)
	}

	sess, _ := f.sessions.Get(ctx, f.sessionID)
	if sess.RiskScore != 5 {
		t.Errorf("session risk = %d, want 5", sess.RiskScore)
	}
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Submit(ctx, f.sessionID, Request{
		Type: ledger.TypeStake, Amount: 500, To: walletTo,
		IPAddress: "8.8.8.8", UserAgent: "Mozilla/5.0",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.pipeline.Confirm(ctx, out.Transaction.ID, 123456, 6); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	stored, _ := f.store.Get(ctx, out.Transaction.ID)
	if stored.Status != ledger.StatusConfirmed || stored.BlockNumber != 123456 {
		t.Errorf("confirmation not applied: %+v", stored)
	}

	frames := f.hub.sent()
	if len(frames) != 1 || frames[0].envelopeType != realtime.TypeTransactionConfirmed {
		t.Fatalf("frames = %+v, want one confirmation", frames)
	}
	detail := frames[0].payload.(events.TransactionConfirmedDetail)
	if detail.TransactionID != out.Transaction.ID || detail.BlockNumber != 123456 {
		t.Errorf("detail = %+v", detail)
	}

	if err := f.pipeline.Confirm(ctx, "tx_missing", 1, 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
