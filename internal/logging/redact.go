package logging

import (
	"regexp"
	"strings"
)

type redaction struct {
	pattern *regexp.Regexp
	replace string
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Credentials that should never reach a log line.
var redactions = []redaction{
	// Bearer tokens
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{8,}`), RedactedValue},

	// JWTs anywhere in the text
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`), RedactedValue},

	// token=... in URLs and key=value text
	{regexp.MustCompile(`(?i)((?:token|password|secret)=)[^&\s"']+`), "${1}" + RedactedValue},
}

// Redact replaces credentials in a string.
func Redact(s string) string {
	result := s
	for _, r := range redactions {
		result = r.pattern.ReplaceAllString(result, r.replace)
	}
	return result
}

// MaskToken keeps the first few characters of a token so two tokens can be
// told apart in `parley config show` without revealing either.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return RedactedValue
	}
	return token[:8] + "..." + RedactedValue
}
