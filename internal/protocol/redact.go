package protocol

import (
	"regexp"
	"strings"
)

const (
	redacted = "[REDACTED]"

	// maxRedactDepth bounds recursion into nested maps and slices.
	maxRedactDepth = 10
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: PEM blocks go first so their bodies are not matched piecemeal.
var redactions = []redaction{
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED PRIVATE KEY]"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), "[REDACTED PRIVATE KEY]"},
	{regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]+=*`), "${1} " + redacted},
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), redacted},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), redacted},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`), redacted},
	{regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`), redacted},
	{regexp.MustCompile(`(?i)(\w*(?:password|passwd|secret|token|api_key|apikey|access_key))(["']?\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;&"']+)`), "${1}${2}" + redacted},
}

var sensitiveKeys = map[string]bool{
	"password":   true,
	"passwd":     true,
	"secret":     true,
	"token":      true,
	"api_key":    true,
	"apikey":     true,
	"access_key": true,
}

// Redact removes credentials from s. Text outside the matched substrings
// is returned unchanged.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// RedactValue returns a copy of v with every string redacted. String values
// under sensitive map keys are replaced whole. Values nested deeper than
// the recursion bound are replaced by a placeholder.
func RedactValue(v any) any {
	return redactValue(v, 0)
}

func redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return "[REDACTED: max depth]"
	}
	switch val := v.(type) {
	case string:
		return Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if s, ok := item.(string); ok && sensitiveKeys[strings.ToLower(k)] && s != "" {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(item, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if sensitiveKeys[strings.ToLower(k)] && s != "" {
				out[k] = redacted
				continue
			}
			out[k] = Redact(s)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, depth+1)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}
