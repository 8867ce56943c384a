// Package validate provides input sanitization and structural validation
// for everything that crosses the trust boundary: form fields, email
// addresses, wallet addresses, amounts, and inbound email content.
package validate

import (
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxEmailLength caps email addresses per RFC 5321.
const MaxEmailLength = 254

// MaxSafeAmount is the largest amount accepted (2^53-1, the largest
// integer the dashboard's number type represents exactly).
const MaxSafeAmount = float64(1<<53 - 1)

var (
	emailRegex   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	htmlTags     = regexp.MustCompile(`<[^>]*>`)
	linkRegex    = regexp.MustCompile(`https?://[^\s]+`)

	// Dangerous URI schemes removed case-insensitively after tag stripping.
	scriptSchemes = regexp.MustCompile(`(?i)(javascript|data|vbscript):`)
)

// suspiciousPatterns are script-like substrings that mark email content as
// risky. Matched case-insensitively against sanitized content.
var suspiciousPatterns = []string{
	"javascript:",
	"data:text/html",
	"vbscript:",
	"onload=",
	"onerror=",
	"<script",
	"eval(",
	"expression(",
}

// phishingPhrases are language markers commonly seen in credential-
// harvesting mail.
var phishingPhrases = []string{
	"urgent action required",
	"verify your account",
	"suspended account",
	"click here immediately",
	"limited time offer",
	"act now",
	"confirm your identity",
	"update payment information",
}

// highAbuseTLDs are free TLDs with disproportionate abuse rates.
var highAbuseTLDs = []string{".tk", ".ml", ".ga", ".cf"}

// maxLinks is the hard cap on http(s) links before content is flagged.
const maxLinks = 10

// Sanitize strips control characters, HTML tags (keeping their text
// content), literal angle brackets, and script-injection URI schemes, then
// trims whitespace. Sanitize is idempotent: applying it twice yields the
// same output.
func Sanitize(s string) string {
	out := controlChars.ReplaceAllString(s, "")
	out = htmlTags.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "<", "")
	out = strings.ReplaceAll(out, ">", "")
	// Strip to a fixpoint: removing one scheme occurrence can splice the
	// surrounding text into another ("javajavascript:script:").
	for {
		next := scriptSchemes.ReplaceAllString(out, "")
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(out)
}

// ValidEmail reports whether s sanitizes to a standard-shaped email
// address no longer than MaxEmailLength.
func ValidEmail(s string) bool {
	clean := Sanitize(s)
	return emailRegex.MatchString(clean) && len(clean) <= MaxEmailLength
}

// ValidWalletAddress reports whether s sanitizes to a well-formed
// Ethereum address (0x + 40 hex chars).
func ValidWalletAddress(s string) bool {
	return common.IsHexAddress(Sanitize(s))
}

// ValidAmount reports whether amount is a finite, non-negative number no
// larger than MaxSafeAmount.
func ValidAmount(amount float64) bool {
	return !math.IsNaN(amount) && !math.IsInf(amount, 0) &&
		amount >= 0 && amount <= MaxSafeAmount
}

// ContentReport is the result of scanning email content for risk.
type ContentReport struct {
	OK    bool     `json:"ok"`
	Risks []string `json:"risks"`
}

// CheckEmailContent sanitizes content and runs four independent detectors:
// script-like substrings, phishing language, excessive links, and
// high-abuse or unparseable URLs. Risks accumulate per detector hit and
// are deliberately not deduplicated.
func CheckEmailContent(content string) ContentReport {
	clean := Sanitize(content)
	lower := strings.ToLower(clean)

	var risks []string

	for _, p := range suspiciousPatterns {
		if strings.Contains(lower, p) {
			risks = append(risks, "Suspicious script pattern detected")
		}
	}

	for _, phrase := range phishingPhrases {
		if strings.Contains(lower, phrase) {
			risks = append(risks, "Potential phishing content detected")
			break
		}
	}

	links := linkRegex.FindAllString(clean, -1)
	if len(links) > maxLinks {
		risks = append(risks, "Excessive number of links detected")
	}

	if hasSuspiciousDomain(links) {
		risks = append(risks, "Suspicious domains detected")
	}

	return ContentReport{OK: len(risks) == 0, Risks: risks}
}

// hasSuspiciousDomain reports whether any link resolves to a high-abuse
// TLD or fails to parse at all (unparseable URLs count as suspicious).
func hasSuspiciousDomain(links []string) bool {
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil || u.Hostname() == "" {
			return true
		}
		host := strings.ToLower(u.Hostname())
		for _, tld := range highAbuseTLDs {
			if strings.HasSuffix(host, tld) {
				return true
			}
		}
	}
	return false
}
