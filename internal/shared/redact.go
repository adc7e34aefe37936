package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule rewrites one family of secrets with repl, which may keep the
// key-side submatches.
type redactRule struct {
	re   *regexp.Regexp
	repl string
}

var redactRules = []redactRule{
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password|token|secret)(\s*[:=]\s*"?)[^\s"&,;]{8,}`), repl: "${1}${2}" + redactedPlaceholder},
	{re: regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), repl: "${1}" + redactedPlaceholder},
	{re: regexp.MustCompile(`(https?://[^:/@\s]+:)[^@\s]+@`), repl: "${1}" + redactedPlaceholder + "@"},
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`), repl: redactedPlaceholder},
	{re: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_\-]{20,}`), repl: redactedPlaceholder},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), repl: redactedPlaceholder},
}

// Redact masks credentials in a string. It runs over log values and over
// frame errors before they are persisted.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		out = rule.re.ReplaceAllString(out, rule.repl)
	}
	return out
}

// RedactFields masks values under sensitive keys, recursing into nested
// objects and arrays. The input is not modified.
func RedactFields(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = RedactFields(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RedactFields(val)
		}
		return out
	case string:
		return Redact(t)
	default:
		return v
	}
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential", "cookie"}

// IsSensitiveKey reports whether a log attribute or kv key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
