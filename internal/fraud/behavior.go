package fraud

import "regexp"

// Private and link-local ranges. Real clients never present these as
// their public address; seeing one means a tunnel, proxy, or spoofed
// header upstream.
var vpnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2[0-9]|3[0-1])\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^169\.254\.`),
}

// CheckBehavior scores a non-transactional user action against its
// recent-action window. Blocking kicks in at the high threshold, one
// band earlier than for transactions, because a blocked action costs
// the user a retry rather than a payment.
func (e *Engine) CheckBehavior(userID, action string, bctx BehaviorContext) Result {
	var flags []string
	score := 0

	if bctx.LastActionAt > 0 && e.now().UnixMilli()-bctx.LastActionAt < 1000 {
		flags = append(flags, "Rapid successive actions detected")
		score += 20
	}

	if isUnusualActionPattern(action, bctx.RecentActions) {
		flags = append(flags, "Unusual action pattern detected")
		score += 15
	}

	return Result{
		RiskScore:       score,
		Flags:           flags,
		Recommendations: e.recommendations(score, flags),
		Blocked:         score >= e.cfg.HighRisk,
		Confidence:      85,
	}
}

func isUnusualActionPattern(action string, recent []string) bool {
	count := 0
	for _, a := range recent {
		if a == action {
			count++
		}
	}
	return count > 10
}
