package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// MinFingerprintLength is the shortest token accepted as a device
// fingerprint. Derived fingerprints are always 64 hex characters; the
// lower bound exists for records imported from older deployments.
const MinFingerprintLength = 16

var fingerprintPattern = regexp.MustCompile(fmt.Sprintf(`^[0-9a-f]{%d,64}$`, MinFingerprintLength))

// Fingerprint is a one-way device identity token. It is derived from a
// raw client-supplied identifier and never reversed; equality is the only
// supported operation.
type Fingerprint string

// DeriveFingerprint computes the fingerprint for a raw device identifier.
// The same input always yields the same fingerprint. Empty or
// whitespace-only input yields the zero Fingerprint.
func DeriveFingerprint(raw string) Fingerprint {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == ""
}

// Valid reports whether the token has the expected shape: lowercase hex,
// at least MinFingerprintLength characters.
func (f Fingerprint) Valid() bool {
	return fingerprintPattern.MatchString(string(f))
}

// Short returns a truncated form safe for logs and traces. The full
// fingerprint is already one-way, but log lines only need enough to
// correlate.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12]) + "..."
}

func (f Fingerprint) String() string {
	return string(f)
}
