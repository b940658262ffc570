package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ValidateAddress checks that s is a 0x-prefixed 20-byte hex address.
// Mixed-case (checksummed) input is accepted.
func ValidateAddress(s string) error {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return fmt.Errorf("address %q must be 0x-prefixed", s)
	}
	raw := s[2:]
	if len(raw) != 40 {
		return fmt.Errorf("address %q must encode exactly 20 bytes", s)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return fmt.Errorf("address %q is not valid hex", s)
	}
	return nil
}

// NormalizeAddress returns the canonical lowercase form used as a key
// everywhere in the control plane.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}
