package license

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TrialKeyPrefix is the fixed first segment of every trial key.
const TrialKeyPrefix = "TRIAL"

const (
	trialSegmentLength  = 5
	trialSegmentCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var trialKeyPattern = regexp.MustCompile(`^TRIAL-[A-Z0-9]{5}-[A-Z0-9]{5}$`)

// IsTrialKey reports whether a code has the trial-key lexical form.
// Verification requests whose code looks like a trial key resolve through
// the trial store, keyed by hardware fingerprint, not the license store.
func IsTrialKey(code string) bool {
	return trialKeyPattern.MatchString(NormalizeCode(code))
}

// TrialRecord is the permanent trial grant for one hardware fingerprint.
// At most one is ever created per device; it is never deleted, so an
// expired record is durable proof the trial was consumed.
type TrialRecord struct {
	TrialKey  string    `json:"trial_key"`
	Expiry    time.Time `json:"expiry"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpiredAt reports whether the trial window has closed.
func (t *TrialRecord) ExpiredAt(now time.Time) bool {
	return t.Expiry.Before(now)
}

// Clone returns a copy safe to hand across store boundaries.
func (t *TrialRecord) Clone() *TrialRecord {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// TokenSource supplies the random segments of generated trial keys.
// Injectable so tests get deterministic keys.
type TokenSource interface {
	// Segment returns an uppercase alphanumeric string of length n.
	Segment(n int) (string, error)
}

// CryptoTokenSource draws segments from crypto/rand.
type CryptoTokenSource struct{}

// Segment implements TokenSource.
func (CryptoTokenSource) Segment(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token source: %w", err)
	}
	var sb strings.Builder
	sb.Grow(n)
	for _, b := range buf {
		sb.WriteByte(trialSegmentCharset[int(b)%len(trialSegmentCharset)])
	}
	return sb.String(), nil
}

// NewTrialKey builds a trial key from the source: the fixed prefix plus
// two random 5-character segments. Segments are random without a
// uniqueness check; the key is a display/verify token, never a lookup
// key. Trial records are keyed by hardware fingerprint.
func NewTrialKey(src TokenSource) (string, error) {
	first, err := src.Segment(trialSegmentLength)
	if err != nil {
		return "", err
	}
	second, err := src.Segment(trialSegmentLength)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", TrialKeyPrefix, first, second), nil
}
