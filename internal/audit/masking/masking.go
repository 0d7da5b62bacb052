package masking

import (
	"regexp"
	"strings"
)

const maskToken = "****"

// minSecretLength keeps Redact from masking short fragments that would
// shred ordinary words in a message.
const minSecretLength = 4

var passwordAssignment = regexp.MustCompile(`(?i)(password|passphrase|secret)("?\s*[=:]\s*)("[^"]*"|\S+)`)

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// Redact removes every occurrence of the given secrets from message, plus
// anything that looks like an inline password assignment.
func Redact(message string, secrets ...string) string {
	if message == "" {
		return ""
	}
	out := message
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if len(secret) < minSecretLength {
			continue
		}
		out = strings.ReplaceAll(out, secret, maskToken)
	}
	return passwordAssignment.ReplaceAllString(out, "${1}${2}"+maskToken)
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
