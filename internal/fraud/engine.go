package fraud

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/emailchain/emailchain/internal/idgen"
	"github.com/emailchain/emailchain/internal/ledger"
	"github.com/emailchain/emailchain/internal/traces"
)

// Engine scores transactions against per-user history. All analyzer hours
// are computed in UTC so scores do not depend on server locale.
type Engine struct {
	cfg     Config
	history ledger.Store
	audits  AuditStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a fraud engine. audits may be nil to disable the
// audit trail; history is required for Evaluate but not for Analyze.
func NewEngine(cfg Config, history ledger.Store, audits AuditStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		history: history,
		audits:  audits,
		logger:  logger.With("component", "fraud"),
		now:     time.Now,
	}
}

// Evaluate loads the user's full history, scores the transaction, and
// records an audit entry. Audit failures are logged, never surfaced: a
// broken audit trail must not block payments.
func (e *Engine) Evaluate(ctx context.Context, tx *ledger.Transaction) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.evaluate",
		traces.TransactionID(tx.ID),
		traces.UserID(tx.From),
	)
	defer span.End()

	history, err := e.history.History(ctx, tx.From, 0)
	if err != nil {
		return Result{}, err
	}

	result := e.Analyze(tx, history)
	span.SetAttributes(traces.RiskScore(result.RiskScore), traces.Blocked(result.Blocked))
	e.recordAudit(ctx, tx, result)
	return result, nil
}

// Analyze scores one transaction against the given history. It is pure:
// no I/O, no clock reads, deterministic for a given input.
func (e *Engine) Analyze(tx *ledger.Transaction, history []*ledger.Transaction) Result {
	var flags []string
	score := 0

	for _, analyze := range []func(*ledger.Transaction, []*ledger.Transaction) (int, []string){
		e.analyzeVelocity,
		e.analyzeAmount,
		e.analyzePatterns,
		e.analyzeGeolocation,
		e.analyzeTiming,
	} {
		s, f := analyze(tx, history)
		score += s
		flags = append(flags, f...)
	}

	return Result{
		RiskScore:       min(score, 100),
		Flags:           dedup(flags),
		Recommendations: e.recommendations(score, flags),
		Blocked:         score >= e.cfg.CriticalRisk,
		Confidence:      confidence(len(flags), len(history)),
	}
}

func (e *Engine) analyzeVelocity(tx *ledger.Transaction, history []*ledger.Transaction) (int, []string) {
	const hour = int64(time.Hour / time.Millisecond)
	const day = 24 * hour

	var flags []string
	score := 0

	var hourly []*ledger.Transaction
	var daily []*ledger.Transaction
	for _, h := range history {
		age := tx.Timestamp - h.Timestamp
		if age <= hour {
			hourly = append(hourly, h)
		}
		if age <= day {
			daily = append(daily, h)
		}
	}

	if len(hourly) > e.cfg.MaxTxPerHour {
		flags = append(flags, "High transaction frequency detected")
		score += 25
	}

	var hourlyAmount float64
	for _, h := range hourly {
		hourlyAmount += h.Amount
	}
	if hourlyAmount > e.cfg.MaxAmountPerHour {
		flags = append(flags, "High amount velocity detected")
		score += 30
	}

	recipients := make(map[string]struct{})
	for _, h := range daily {
		recipients[h.To] = struct{}{}
	}
	if len(recipients) > e.cfg.MaxRecipientsPerDay {
		flags = append(flags, "Too many unique recipients")
		score += 20
	}

	return score, flags
}

func (e *Engine) analyzeAmount(tx *ledger.Transaction, history []*ledger.Transaction) (int, []string) {
	if len(history) == 0 {
		return 10, []string{"New user - limited history"}
	}

	var flags []string
	score := 0

	var sum, maxAmount float64
	for _, h := range history {
		sum += h.Amount
		if h.Amount > maxAmount {
			maxAmount = h.Amount
		}
	}
	avg := sum / float64(len(history))

	if tx.Amount > avg*10 {
		flags = append(flags, "Amount significantly higher than average")
		score += 25
	}
	if tx.Amount > maxAmount*2 {
		flags = append(flags, "Amount exceeds historical maximum")
		score += 20
	}
	if math.Mod(tx.Amount, 1000) == 0 && tx.Amount >= 10000 {
		flags = append(flags, "Suspicious round number amount")
		score += 10
	}

	return score, flags
}

func (e *Engine) analyzePatterns(tx *ledger.Transaction, history []*ledger.Transaction) (int, []string) {
	var flags []string
	score := 0

	sameAmount := 0
	for _, h := range history {
		if h.Amount == tx.Amount {
			sameAmount++
		}
	}
	if sameAmount > 5 {
		flags = append(flags, "Repeated exact amounts detected")
		score += 15
	}

	// Near-zero variance in the gaps between the last few transactions
	// means a script, not a human.
	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	var diffs []float64
	for i := 1; i < len(recent); i++ {
		if d := recent[i].Timestamp - recent[i-1].Timestamp; d > 0 {
			diffs = append(diffs, float64(d))
		}
	}
	if len(diffs) > 2 {
		var sum float64
		for _, d := range diffs {
			sum += d
		}
		avg := sum / float64(len(diffs))

		var variance float64
		for _, d := range diffs {
			variance += (d - avg) * (d - avg)
		}
		variance /= float64(len(diffs))

		if variance < avg*0.1 {
			flags = append(flags, "Automated transaction pattern detected")
			score += 20
		}
	}

	return score, flags
}

func (e *Engine) analyzeGeolocation(tx *ledger.Transaction, history []*ledger.Transaction) (int, []string) {
	var flags []string
	score := 0

	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	ips := make(map[string]struct{})
	for _, h := range recent {
		ips[h.IPAddress] = struct{}{}
	}
	if len(ips) > 3 {
		flags = append(flags, "Multiple IP addresses detected")
		score += 15
	}

	if IsVPNOrProxy(tx.IPAddress) {
		flags = append(flags, "VPN or proxy usage detected")
		score += 10
	}

	return score, flags
}

func (e *Engine) analyzeTiming(tx *ledger.Transaction, history []*ledger.Transaction) (int, []string) {
	var flags []string
	score := 0

	at := time.UnixMilli(tx.Timestamp).UTC()

	if h := at.Hour(); h >= 2 && h <= 6 {
		flags = append(flags, "Transaction during unusual hours")
		score += 10
	}

	if isWeekend(at.Weekday()) && len(history) > 0 {
		weekend := 0
		for _, h := range history {
			if isWeekend(time.UnixMilli(h.Timestamp).UTC().Weekday()) {
				weekend++
			}
		}
		if float64(weekend)/float64(len(history)) > 0.5 {
			flags = append(flags, "High weekend activity pattern")
			score += 5
		}
	}

	return score, flags
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// IsVPNOrProxy reports whether the address matches private or link-local
// ranges, which only reach us through a tunnel or proxy.
func IsVPNOrProxy(ip string) bool {
	for _, re := range vpnPatterns {
		if re.MatchString(ip) {
			return true
		}
	}
	return false
}

func (e *Engine) recommendations(score int, flags []string) []string {
	var recs []string

	switch {
	case score >= e.cfg.CriticalRisk:
		recs = append(recs,
			"Block transaction immediately",
			"Require manual review",
			"Contact user for verification")
	case score >= e.cfg.HighRisk:
		recs = append(recs,
			"Require additional authentication",
			"Implement transaction delay",
			"Monitor closely")
	case score >= e.cfg.MediumRisk:
		recs = append(recs,
			"Request transaction confirmation",
			"Log for review")
	case score >= e.cfg.LowRisk:
		recs = append(recs, "Monitor transaction")
	}

	for _, f := range flags {
		switch f {
		case "High transaction frequency detected":
			recs = append(recs, "Implement rate limiting")
		case "VPN or proxy usage detected":
			recs = append(recs, "Verify user location")
		case "Automated transaction pattern detected":
			recs = append(recs, "Implement CAPTCHA verification")
		}
	}

	return dedup(recs)
}

// confidence grows with history depth and shrinks with every raised flag,
// clamped to [20,95].
func confidence(flagCount, historyLen int) int {
	base := min(historyLen*2, 80)
	c := base - flagCount*5
	return max(min(c, 95), 20)
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (e *Engine) recordAudit(ctx context.Context, tx *ledger.Transaction, result Result) {
	if e.audits == nil {
		return
	}

	audit := &Audit{
		ID:            idgen.WithPrefix("audit_"),
		TransactionID: tx.ID,
		UserID:        tx.From,
		RiskScore:     result.RiskScore,
		Flags:         result.Flags,
		Blocked:       result.Blocked,
		EvaluatedAt:   e.now(),
	}
	if err := e.audits.Record(ctx, audit); err != nil {
		e.logger.Warn("audit record failed",
			"transaction_id", tx.ID,
			"error", err)
	}
}
