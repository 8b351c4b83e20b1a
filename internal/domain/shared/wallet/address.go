// Package wallet canonicalises participant identifiers. Ethereum addresses
// are rewritten to their EIP-55 checksum form so the same wallet always maps
// to the same participant; any other identifier is only trimmed.
package wallet

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address in any case.
func IsAddress(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// Canonical returns the participant id for s.
func Canonical(s string) string {
	s = strings.TrimSpace(s)
	if !IsAddress(s) {
		return s
	}
	return checksum(strings.ToLower(s[2:]))
}

func checksum(lower string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
