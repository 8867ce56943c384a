package validate

import (
	"regexp"
	"strings"
	"testing"
)

func TestSanitizeStripsDangerousInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"html tags", "<b>bold</b> text", "bold text"},
		{"script tag", "<script>alert(1)</script>ok", "alert(1)ok"},
		{"angle brackets", "a < b > c", "a  b  c"},
		{"javascript scheme", "javascript:alert(1)", "alert(1)"},
		{"mixed case scheme", "JaVaScRiPt:alert(1)", "alert(1)"},
		{"data scheme", "data:text/html,payload", "text/html,payload"},
		{"vbscript scheme", "vbscript:msgbox", "msgbox"},
		{"null bytes", "java\x00script:alert(1)", "alert(1)"},
		{"control chars", "a\x01\x1fb\x7fc", "abc"},
		{"whitespace", "  padded  ", "padded"},
		{"spliced scheme", "javajavascript:script:alert(1)", "alert(1)"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.input); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"<script>alert('xss')</script>",
		"JAVASCRIPT:void(0)",
		"java\x00script:data:vbscript:",
		"normal text with <em>markup</em>",
		"javajavascript:script:",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestSanitizeOutputNeverContainsInjection(t *testing.T) {
	inputs := []string{
		"<ScRiPt>x</ScRiPt>",
		"java\x00script:x",
		"<<script>script>",
		"DATA:text/html",
		"vbScRipt:evil",
	}
	banned := []string{"<script", "javascript:", "data:", "vbscript:"}
	for _, in := range inputs {
		out := strings.ToLower(Sanitize(in))
		for _, b := range banned {
			if strings.Contains(out, b) {
				t.Errorf("Sanitize(%q) output %q still contains %q", in, out, b)
			}
		}
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{"user@example.com", "a.b+c@sub.domain.org"}
	for _, e := range valid {
		if !ValidEmail(e) {
			t.Errorf("ValidEmail(%q) = false, want true", e)
		}
	}

	invalid := []string{
		"",
		"no-at-sign",
		"spaces in@example.com",
		"user@nodot",
		"user@example.com" + strings.Repeat("m", 250), // over length cap
	}
	for _, e := range invalid {
		if ValidEmail(e) {
			t.Errorf("ValidEmail(%q) = true, want false", e)
		}
	}
}

func TestValidWalletAddress(t *testing.T) {
	if !ValidWalletAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0") {
		t.Error("well-formed address rejected")
	}
	for _, a := range []string{"", "0x123", "742d35Cc6634C0532925a3b844Bc9e7595f0bEb0", "0xZZZd35Cc6634C0532925a3b844Bc9e7595f0bEb0"} {
		if ValidWalletAddress(a) {
			t.Errorf("ValidWalletAddress(%q) = true, want false", a)
		}
	}
}

func TestValidAmount(t *testing.T) {
	nan := func() float64 { var z float64; return z / z }

	if !ValidAmount(0) || !ValidAmount(100.5) || !ValidAmount(MaxSafeAmount) {
		t.Error("valid amounts rejected")
	}
	if ValidAmount(-1) {
		t.Error("negative amount accepted")
	}
	if ValidAmount(nan()) {
		t.Error("NaN accepted")
	}
	if ValidAmount(MaxSafeAmount * 2) {
		t.Error("amount above safe-integer cap accepted")
	}
}

func TestCheckEmailContent(t *testing.T) {
	t.Run("clean content", func(t *testing.T) {
		report := CheckEmailContent("Hi team, the quarterly numbers are attached.")
		if !report.OK || len(report.Risks) != 0 {
			t.Errorf("clean content flagged: %+v", report)
		}
	})

	t.Run("phishing language", func(t *testing.T) {
		report := CheckEmailContent("URGENT ACTION REQUIRED: verify your account today")
		if report.OK {
			t.Error("phishing content passed")
		}
		if !containsRisk(report.Risks, "Potential phishing content detected") {
			t.Errorf("missing phishing risk: %v", report.Risks)
		}
	})

	t.Run("excessive links", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 12; i++ {
			sb.WriteString("https://example.com/page ")
		}
		report := CheckEmailContent(sb.String())
		if !containsRisk(report.Risks, "Excessive number of links detected") {
			t.Errorf("12 links not flagged: %v", report.Risks)
		}
	})

	t.Run("high-abuse tld", func(t *testing.T) {
		report := CheckEmailContent("see https://free-prizes.tk/win")
		if !containsRisk(report.Risks, "Suspicious domains detected") {
			t.Errorf("abuse TLD not flagged: %v", report.Risks)
		}
	})

	t.Run("script patterns accumulate", func(t *testing.T) {
		report := CheckEmailContent("onload=evil() onerror=evil() eval(x)")
		count := 0
		for _, r := range report.Risks {
			if r == "Suspicious script pattern detected" {
				count++
			}
		}
		if count < 2 {
			t.Errorf("expected multiple accumulated script risks, got %v", report.Risks)
		}
	})
}

func TestValidateForm(t *testing.T) {
	rules := map[string][]Rule{
		"email": {
			{Kind: RuleRequired, Message: "email is required"},
			{Kind: RuleEmail, Message: "email is malformed"},
		},
		"amount": {
			{Kind: RuleNumber, Message: "amount must be a valid number"},
		},
		"wallet": {
			{Kind: RulePattern, Message: "wallet must be 0x-prefixed", Pattern: regexp.MustCompile(`^0x`)},
		},
		"stake": {
			{Kind: RuleCustom, Message: "stake must exceed minimum", Check: func(v any) bool {
				n, ok := v.(float64)
				return ok && n >= 100
			}},
		},
	}

	t.Run("all valid", func(t *testing.T) {
		result := ValidateForm(map[string]any{
			"email":  "user@example.com",
			"amount": 42.0,
			"wallet": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
			"stake":  250.0,
		}, rules)
		if !result.OK {
			t.Errorf("expected valid form, got errors: %v", result.Errors)
		}
	})

	t.Run("accumulates all failures per field", func(t *testing.T) {
		result := ValidateForm(map[string]any{
			"email":  "",
			"amount": -5.0,
			"wallet": "not-hex",
			"stake":  10.0,
		}, rules)
		if result.OK {
			t.Fatal("expected invalid form")
		}
		if len(result.Errors["email"]) != 1 {
			t.Errorf("email errors = %v", result.Errors["email"])
		}
		for _, field := range []string{"amount", "wallet", "stake"} {
			if len(result.Errors[field]) == 0 {
				t.Errorf("expected error for %s", field)
			}
		}
	})

	t.Run("optional empty fields pass non-required rules", func(t *testing.T) {
		result := ValidateForm(map[string]any{"wallet": ""}, map[string][]Rule{
			"wallet": {{Kind: RulePattern, Message: "bad", Pattern: regexp.MustCompile(`^0x`)}},
		})
		if !result.OK {
			t.Errorf("empty optional field failed pattern rule: %v", result.Errors)
		}
	})
}

func containsRisk(risks []string, want string) bool {
	for _, r := range risks {
		if r == want {
			return true
		}
	}
	return false
}
