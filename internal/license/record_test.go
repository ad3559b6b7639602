package license

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"abc1", "ABC1"},
		{"  abc1  ", "ABC1"},
		{"AbC-123", "ABC-123"},
		{"\tKEY9\n", "KEY9"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := NormalizeCode(tt.input); got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rebound := now.Add(time.Hour)

	t.Run("capacity", func(t *testing.T) {
		rec := NewCapacityRecord("cap-1", 3, now)
		m := rec.Modality.(*Capacity)
		m.Bindings = []DeviceBinding{
			{Fingerprint: "aaaa1111aaaa1111", HardwareFingerprint: "bbbb2222bbbb2222", BoundAt: now},
			{Fingerprint: "cccc3333cccc3333", BoundAt: now, LastReboundAt: &rebound},
		}
		rec.LastActivatedAt = &rebound

		data, err := json.Marshal(rec)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"modality":"capacity"`)
		assert.Contains(t, string(data), `"version":2`)

		var back Record
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, "CAP-1", back.Code)
		assert.True(t, back.Active)
		bm, ok := back.Modality.(*Capacity)
		require.True(t, ok)
		assert.Equal(t, 3, bm.MaxDevices)
		require.Len(t, bm.Bindings, 2)
		assert.Equal(t, Fingerprint("bbbb2222bbbb2222"), bm.Bindings[0].HardwareFingerprint)
		require.NotNil(t, bm.Bindings[1].LastReboundAt)
		assert.True(t, bm.Bindings[1].LastReboundAt.Equal(rebound))
	})

	t.Run("exclusive", func(t *testing.T) {
		rec := NewExclusiveRecord("sub-1", 90, now)
		m := rec.Modality.(*ExclusiveLock)
		m.Device = "dddd4444dddd4444"
		m.Hardware = "eeee5555eeee5555"
		expiry := now.Add(90 * 24 * time.Hour)
		rec.Expiry = &expiry
		rec.ActivatedAt = &now

		data, err := json.Marshal(rec)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"modality":"exclusive"`)

		var back Record
		require.NoError(t, json.Unmarshal(data, &back))
		bm, ok := back.Modality.(*ExclusiveLock)
		require.True(t, ok)
		assert.Equal(t, Fingerprint("dddd4444dddd4444"), bm.Device)
		assert.Equal(t, Fingerprint("eeee5555eeee5555"), bm.Hardware)
		assert.Equal(t, 90, bm.ValidityDays)
		require.NotNil(t, back.Expiry)
		assert.True(t, back.Expiry.Equal(expiry))
	})

	t.Run("marshal without modality fails", func(t *testing.T) {
		rec := &Record{Code: "BROKEN"}
		_, err := json.Marshal(rec)
		require.Error(t, err)
	})
}

// Legacy files stored bindings as bare fingerprint strings and carried
// no modality tag. Loading must upgrade them without losing devices.
func TestRecordLegacyNormalization(t *testing.T) {
	t.Run("string bindings become device bindings", func(t *testing.T) {
		raw := `{
			"code": "old-1",
			"active": true,
			"max_devices": 2,
			"bindings": ["aaaa1111aaaa1111", "bbbb2222bbbb2222"],
			"created_at": "2024-01-02T00:00:00Z"
		}`

		var rec Record
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))

		m, ok := rec.Modality.(*Capacity)
		require.True(t, ok, "untagged record with bindings is capacity")
		assert.Equal(t, 2, m.MaxDevices)
		require.Len(t, m.Bindings, 2)
		assert.Equal(t, Fingerprint("aaaa1111aaaa1111"), m.Bindings[0].Fingerprint)
		assert.True(t, m.Bindings[0].HardwareFingerprint.IsZero(), "legacy rows have no hardware id")
		assert.Equal(t, rec.CreatedAt, m.Bindings[0].BoundAt, "bound time falls back to record creation")
	})

	t.Run("locked device implies exclusive", func(t *testing.T) {
		raw := `{
			"code": "old-sub",
			"active": true,
			"locked_device": "cccc3333cccc3333",
			"validity_days": 30,
			"expiry": "2024-06-01T00:00:00Z",
			"created_at": "2024-05-02T00:00:00Z"
		}`

		var rec Record
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))
		m, ok := rec.Modality.(*ExclusiveLock)
		require.True(t, ok)
		assert.Equal(t, Fingerprint("cccc3333cccc3333"), m.Device)
		assert.Equal(t, 30, m.ValidityDays)
	})

	t.Run("validity without bindings implies exclusive", func(t *testing.T) {
		raw := `{"code": "old-unused", "active": true, "validity_days": 365, "created_at": "2024-05-02T00:00:00Z"}`
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))
		assert.Equal(t, ModalityExclusive, rec.Modality.Kind())
	})

	t.Run("capacity clamps to at least the bound devices", func(t *testing.T) {
		raw := `{
			"code": "overfull",
			"active": true,
			"max_devices": 1,
			"bindings": ["aaaa1111aaaa1111", "bbbb2222bbbb2222", "cccc3333cccc3333"],
			"created_at": "2024-01-02T00:00:00Z"
		}`

		var rec Record
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))
		m := rec.Modality.(*Capacity)
		assert.Equal(t, 3, m.MaxDevices, "existing devices keep working after upgrade")
	})

	t.Run("missing max defaults to one", func(t *testing.T) {
		raw := `{"code": "bare", "active": true, "bindings": [], "created_at": "2024-01-02T00:00:00Z"}`
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))
		assert.Equal(t, 1, rec.Modality.(*Capacity).MaxDevices)
	})
}

func TestRecordClone(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := NewCapacityRecord("clone-me", 2, now)
	m := rec.Modality.(*Capacity)
	m.Bindings = []DeviceBinding{{Fingerprint: "aaaa1111aaaa1111", BoundAt: now}}
	expiry := now.Add(time.Hour)
	rec.Expiry = &expiry

	cp := rec.Clone()
	cp.Active = false
	cp.Modality.(*Capacity).Bindings[0].Fingerprint = "ffff9999ffff9999"
	*cp.Expiry = now.Add(48 * time.Hour)

	assert.True(t, rec.Active)
	assert.Equal(t, Fingerprint("aaaa1111aaaa1111"), m.Bindings[0].Fingerprint)
	assert.True(t, rec.Expiry.Equal(expiry))
}

func TestRecordSummary(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("capacity", func(t *testing.T) {
		rec := NewCapacityRecord("sum-1", 5, now)
		rec.Modality.(*Capacity).Bindings = []DeviceBinding{
			{Fingerprint: "aaaa1111aaaa1111", BoundAt: now},
		}
		s := rec.Summary(now)
		assert.Equal(t, "SUM-1", s.Code)
		assert.Equal(t, ModalityCapacity, s.Modality)
		assert.Equal(t, 1, s.DevicesUsed)
		assert.Equal(t, 5, s.MaxDevices)
		assert.False(t, s.Expired)
	})

	t.Run("expired exclusive", func(t *testing.T) {
		rec := NewExclusiveRecord("sum-2", 0, now.Add(-48*time.Hour))
		m := rec.Modality.(*ExclusiveLock)
		m.Device = "aaaa1111aaaa1111"
		past := now.Add(-time.Hour)
		rec.Expiry = &past

		s := rec.Summary(now)
		assert.True(t, s.Expired)
		assert.Equal(t, Fingerprint("aaaa1111aaaa1111"), s.LockedDevice)
		assert.Equal(t, 1, s.DevicesUsed)
	})
}
