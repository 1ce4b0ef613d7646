package identity

import (
	"encoding/hex"
	"strings"
)

// ObjectIDLength is the length of a hex object id accepted by Coerce.
const ObjectIDLength = 24

// Coerce derives a UUID-shaped id from a 24-digit hex object id. The hex
// digits are repeated to 32 digits and the version and variant nibbles are
// forced to 4 and RFC 4122. The mapping is deterministic but not injective
// across unrelated id spaces: distinct inputs may share an output.
func Coerce(ref string) (string, bool) {
	if len(ref) != ObjectIDLength {
		return "", false
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return "", false
	}

	h := strings.ToLower(ref)
	digits := []byte((h + h)[:32])
	digits[12] = '4'
	digits[16] = "89ab"[hexValue(digits[16])&0x3]

	s := string(digits)
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32], true
}

func hexValue(c byte) byte {
	if c >= 'a' {
		return c - 'a' + 10
	}
	return c - '0'
}
