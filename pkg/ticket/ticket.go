// Package ticket derives stable opaque ticket identifiers from claim
// identities. A ticket is the join key between registration, discovery,
// and dispatch; derivation is deterministic and side-effect free.
package ticket

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// digitRunRe matches the first 20- or 16-consecutive-digit substring.
// Alternation order matters: at the same position the longer form wins, so
// a 20-digit ticket is never truncated to its 16-digit prefix.
var digitRunRe = regexp.MustCompile(`[0-9]{20}|[0-9]{16}`)

// FromAddress derives a ticket from a recipient address alone: the first
// 20 hex characters of SHA-256 of the lowercased, trimmed address.
func FromAddress(address string) string {
	sum := sha256.Sum256([]byte(normalize(address)))
	return hex.EncodeToString(sum[:])[:20]
}

// FromAddressSalt derives a replay-resistant ticket from an address and a
// caller-chosen salt: the first 13 hex characters of
// SHA-256(address || salt) interpreted as an integer and rendered as a
// zero-padded 16-digit decimal string. 13 hex digits is 52 bits, so the
// value always fits in 16 decimal digits.
func FromAddressSalt(address, salt string) string {
	sum := sha256.Sum256([]byte(normalize(address) + salt))
	n, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:13], 16, 64)
	if err != nil {
		// Unreachable: the input is always 13 hex digits.
		panic(fmt.Sprintf("ticket: parse hash prefix: %v", err))
	}
	return fmt.Sprintf("%016d", n)
}

// FromText extracts a ticket from free-form text, e.g. the body of a social
// media post. Returns ok=false when the text carries no ticket; callers must
// treat that as a non-error.
func FromText(text string) (string, bool) {
	m := digitRunRe.FindString(text)
	if m == "" {
		return "", false
	}
	return m, true
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
