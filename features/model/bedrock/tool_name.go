package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxToolNameLen = 64
	toolNameHash   = 8
)

// SanitizeToolName returns the Bedrock-visible name of a tool. Dots become
// underscores and any rune outside [a-zA-Z0-9_-] becomes '_'. Names longer
// than 64 bytes are truncated and suffixed with a hash of the original so
// distinct tools stay distinct. The mapping is deterministic.
func SanitizeToolName(in string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, in)
	if len(sanitized) <= maxToolNameLen {
		return sanitized
	}
	sum := sha256.Sum256([]byte(in))
	return sanitized[:maxToolNameLen-1-toolNameHash] + "_" + hex.EncodeToString(sum[:])[:toolNameHash]
}
