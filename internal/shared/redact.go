package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches the secret shapes this Hub actually carries: the
// HMAC SecretKey used to sign/verify task submissions, the X-A2A-Token
// bearer credential presented on every request, and the hex-encoded
// signature field itself inside a result payload.
var secretPatterns = []*regexp.Regexp{
	// SecretKey / secret_key / SECRET_KEY assignments in config dumps and error strings
	regexp.MustCompile(`(?i)(secret[_-]?key)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// X-A2A-Token header values, however the header name is cased
	regexp.MustCompile(`(?i)(x-a2a-token\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// HMAC-SHA256 signature field ("signature": "<hex>") on a signed result payload
	regexp.MustCompile(`(?i)("?signature"?\s*[:=]\s*"?)([0-9a-f]{32,})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"secret", "secret_key", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
