package observability

import (
	"regexp"
	"strings"
)

const redactedCredential = "[REDACTED]"

// secretPatterns match credential material that must not reach exported
// telemetry.
var secretPatterns = []*regexp.Regexp{
	// untrace API keys: utr_ followed by base64url.
	regexp.MustCompile(`\butr_[A-Za-z0-9_-]{8,}`),
	// Provider keys such as sk-..., sk_live_..., rk_..., ghp_...
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|gh[pousr])[-_][A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9_.\-/+=]{8,}`),
	// JWTs.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
	// Webhook signatures leak the HMAC of a body.
	regexp.MustCompile(`(?i)\bsha256=[0-9a-f]{64}\b`),
	regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api_key)\s*[=:]\s*[^\s&;,]{4,}`),
}

// ContainsCredential reports whether s carries something that looks like a
// secret.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, pattern := range secretPatterns {
		if pattern.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every credential match in s. s is returned as-is
// when nothing matches.
func ScrubCredentials(s string) string {
	if !ContainsCredential(s) {
		return s
	}
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, redactedCredential)
	}
	return strings.TrimSpace(s)
}
