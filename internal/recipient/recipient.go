// Package recipient wraps a validated public-key fingerprint, the
// identifier passed to the cipher tool's -r argument when encrypting.
package recipient

import (
	"fmt"
	"regexp"
	"strings"
)

// fingerprintPattern matches a hex key ID or fingerprint, optionally
// 0x-prefixed, in the lengths gpg accepts for -r: short (8), long (16),
// or full v4 fingerprint (40) hex digits.
var fingerprintPattern = regexp.MustCompile(`^(0x)?[0-9A-Fa-f]{8}([0-9A-Fa-f]{8}([0-9A-Fa-f]{24})?)?$`)

// ID is a validated recipient identifier: either a key fingerprint or a
// user ID (typically an email address) gpg can resolve to a public key.
type ID struct {
	value string
}

// Parse validates s as a recipient identifier and returns it wrapped in
// an ID. It rejects empty strings and anything containing a space, tab,
// carriage return, or newline, which can only indicate misconfiguration;
// other control characters are not checked. gpg
// itself decides whether a well-formed string actually names a key it
// holds.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("recipient: empty identifier")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return ID{}, fmt.Errorf("recipient: %q contains whitespace", s)
	}

	if fingerprintPattern.MatchString(s) {
		return ID{value: s}, nil
	}
	if strings.Contains(s, "@") {
		return ID{value: s}, nil
	}

	return ID{}, fmt.Errorf("recipient: %q is neither a hex key ID/fingerprint nor an email-like user ID", s)
}

// String renders the canonical form passed to the cipher tool.
func (r ID) String() string {
	return r.value
}
