package license

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestIsTrialKey(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"canonical key", "TRIAL-A1B2C-D3E4F", true},
		{"lowercase normalizes", "trial-a1b2c-d3e4f", true},
		{"surrounding whitespace", "  TRIAL-A1B2C-D3E4F  ", true},
		{"regular license code", "ABC1", false},
		{"prefix only", "TRIAL", false},
		{"segment too short", "TRIAL-A1B2-D3E4F", false},
		{"segment too long", "TRIAL-A1B2C9-D3E4F", false},
		{"third segment", "TRIAL-A1B2C-D3E4F-G5H6I", false},
		{"invalid characters", "TRIAL-A1B2!-D3E4F", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTrialKey(tt.code); got != tt.want {
				t.Errorf("IsTrialKey(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestNewTrialKey(t *testing.T) {
	src := &stubTokens{segments: []string{"A1B2C", "D3E4F"}}

	key, err := NewTrialKey(src)
	if err != nil {
		t.Fatalf("NewTrialKey failed: %v", err)
	}
	if key != "TRIAL-A1B2C-D3E4F" {
		t.Errorf("Expected TRIAL-A1B2C-D3E4F, got %s", key)
	}
	if !IsTrialKey(key) {
		t.Errorf("Generated key %s does not match the trial key shape", key)
	}
}

func TestCryptoTokenSource(t *testing.T) {
	src := &CryptoTokenSource{}
	segmentShape := regexp.MustCompile(`^[A-Z0-9]{5}$`)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seg, err := src.Segment(5)
		if err != nil {
			t.Fatalf("Segment failed: %v", err)
		}
		if !segmentShape.MatchString(seg) {
			t.Errorf("Segment %q is not five characters of A-Z0-9", seg)
		}
		seen[seg] = true
	}
	// 36^5 possible segments; 50 draws colliding into one value would
	// mean the source is not reading randomness at all.
	if len(seen) < 2 {
		t.Errorf("Expected varied segments, got %d distinct value(s)", len(seen))
	}

	key, err := NewTrialKey(src)
	if err != nil {
		t.Fatalf("NewTrialKey failed: %v", err)
	}
	if !strings.HasPrefix(key, "TRIAL-") {
		t.Errorf("Expected TRIAL- prefix, got %s", key)
	}
	if !IsTrialKey(key) {
		t.Errorf("Key %s does not match the trial key shape", key)
	}
}

func TestTrialRecordExpiredAt(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	rec := &TrialRecord{
		TrialKey:  "TRIAL-A1B2C-D3E4F",
		Expiry:    now.Add(24 * time.Hour),
		CreatedAt: now,
	}

	if rec.ExpiredAt(now) {
		t.Error("Record should not be expired at creation")
	}
	if rec.ExpiredAt(now.Add(24 * time.Hour)) {
		t.Error("Record should still verify at the expiry instant")
	}
	if !rec.ExpiredAt(now.Add(24*time.Hour + time.Second)) {
		t.Error("Record should be expired past the expiry instant")
	}
}

func TestTrialRecordClone(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	rec := &TrialRecord{TrialKey: "TRIAL-A1B2C-D3E4F", Expiry: now, CreatedAt: now}

	cp := rec.Clone()
	cp.TrialKey = "TRIAL-ZZZZZ-ZZZZZ"
	cp.Expiry = now.Add(time.Hour)

	if rec.TrialKey != "TRIAL-A1B2C-D3E4F" {
		t.Errorf("Clone mutation leaked into the original: %s", rec.TrialKey)
	}
	if !rec.Expiry.Equal(now) {
		t.Errorf("Clone mutation leaked into the original expiry: %s", rec.Expiry)
	}
}
