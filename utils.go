package go_castkit

import "strings"

// ObfuscateToken hides most of a pairing token for logging purposes.
func ObfuscateToken(token string) string {
	if len(token) < 8 {
		return strings.Repeat("*", len(token))
	}

	return token[:2] + strings.Repeat("*", len(token)-4) + token[len(token)-2:]
}

// ClampVolume keeps a volume level inside the 0-100 range.
func ClampVolume(level int) int {
	if level < 0 {
		return 0
	} else if level > 100 {
		return 100
	}

	return level
}
