package validate

import "regexp"

// RuleKind identifies one of the five supported form rule types.
type RuleKind string

const (
	RuleRequired RuleKind = "required"
	RuleEmail    RuleKind = "email"
	RuleNumber   RuleKind = "number"
	RulePattern  RuleKind = "pattern"
	RuleCustom   RuleKind = "custom"
)

// Rule is a single validation rule attached to a form field.
type Rule struct {
	Kind    RuleKind
	Message string
	Pattern *regexp.Regexp // for RulePattern
	Check   func(any) bool // for RuleCustom
}

// FormResult carries overall validity and per-field failure messages.
type FormResult struct {
	OK     bool                `json:"ok"`
	Errors map[string][]string `json:"errors"`
}

// ValidateForm evaluates every rule for every field, accumulating all
// failing messages per field. Non-required rules pass vacuously on empty
// values; only RuleRequired rejects absence.
func ValidateForm(data map[string]any, rules map[string][]Rule) FormResult {
	errors := make(map[string][]string)

	for field, fieldRules := range rules {
		value := data[field]
		var failed []string

		for _, rule := range fieldRules {
			if msg, ok := applyRule(rule, value); !ok {
				failed = append(failed, msg)
			}
		}

		if len(failed) > 0 {
			errors[field] = failed
		}
	}

	return FormResult{OK: len(errors) == 0, Errors: errors}
}

func applyRule(rule Rule, value any) (string, bool) {
	switch rule.Kind {
	case RuleRequired:
		if isEmpty(value) {
			return rule.Message, false
		}
	case RuleEmail:
		if s, ok := value.(string); ok && s != "" && !ValidEmail(s) {
			return rule.Message, false
		}
	case RuleNumber:
		if value != nil {
			n, ok := asNumber(value)
			if !ok || !ValidAmount(n) {
				return rule.Message, false
			}
		}
	case RulePattern:
		if s, ok := value.(string); ok && s != "" && rule.Pattern != nil && !rule.Pattern.MatchString(s) {
			return rule.Message, false
		}
	case RuleCustom:
		if value != nil && rule.Check != nil && !rule.Check(value) {
			return rule.Message, false
		}
	}
	return "", true
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return Sanitize(s) == ""
	}
	return false
}

func asNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
