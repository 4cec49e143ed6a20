package codec

import (
	"fmt"
	"strings"
)

// Framing selects how encrypted lines are marked on the wire.
type Framing string

const (
	// FramingHeuristic sends bare Base64 and guesses with LooksEncrypted.
	FramingHeuristic Framing = "heuristic"
	// FramingPrefix marks encrypted lines with EncryptedPrefix.
	FramingPrefix Framing = "prefix"
)

// EncryptedPrefix tags an encrypted line under FramingPrefix.
const EncryptedPrefix = "ENC:"

// ParseFraming converts a configuration string to a Framing.
// An empty string selects FramingHeuristic.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(s)) {
	case "", FramingHeuristic:
		return FramingHeuristic, nil
	case FramingPrefix:
		return FramingPrefix, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// Wrap prepares ciphertext for transmission.
func (f Framing) Wrap(ciphertext string) string {
	if f == FramingPrefix {
		return EncryptedPrefix + ciphertext
	}
	return ciphertext
}

// Unwrap inspects a received line and reports whether it carries ciphertext.
// The returned payload has any framing marker removed.
func (f Framing) Unwrap(line string) (payload string, encrypted bool) {
	if f == FramingPrefix {
		return strings.CutPrefix(line, EncryptedPrefix)
	}
	return line, LooksEncrypted(line)
}
