package license

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// recordSchemaVersion is the current persisted shape. Version 1 records
// stored capacity bindings as bare fingerprint strings; loading normalizes
// them into DeviceBinding values once so nothing downstream branches on
// historical shapes.
const recordSchemaVersion = 2

// ModalityKind names the binding model a record was created with.
type ModalityKind string

const (
	// ModalityCapacity allows up to MaxDevices simultaneous bindings.
	ModalityCapacity ModalityKind = "capacity"
	// ModalityExclusive allows exactly one bound device with a
	// time-limited validity window started by first activation.
	ModalityExclusive ModalityKind = "exclusive"
)

// NormalizeCode canonicalizes a license code for storage and lookup.
// Codes are trimmed and compared case-insensitively; the stored key is
// the uppercase form.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// DeviceBinding links one device identity to a license code.
type DeviceBinding struct {
	// Fingerprint is the primary device identity.
	Fingerprint Fingerprint `json:"fingerprint"`
	// HardwareFingerprint is the stabler secondary identity used to
	// recognize a reinstall when the primary fingerprint changes.
	HardwareFingerprint Fingerprint `json:"hardware_fingerprint,omitempty"`
	BoundAt             time.Time   `json:"bound_at"`
	LastReboundAt       *time.Time  `json:"last_rebound_at,omitempty"`
}

// Modality is the binding model of a record: exactly one of Capacity or
// ExclusiveLock. Modality is fixed at creation; the variant types keep a
// record from ever holding both a binding list and a locked device.
type Modality interface {
	Kind() ModalityKind
	clone() Modality
}

// Capacity is the multi-device modality: an ordered binding list bounded
// by MaxDevices. Order is insertion order, oldest first, and is used only
// for enumeration.
type Capacity struct {
	MaxDevices int
	Bindings   []DeviceBinding
}

// Kind implements Modality.
func (c *Capacity) Kind() ModalityKind { return ModalityCapacity }

func (c *Capacity) clone() Modality {
	cp := &Capacity{MaxDevices: c.MaxDevices}
	if len(c.Bindings) > 0 {
		cp.Bindings = make([]DeviceBinding, len(c.Bindings))
		for i, b := range c.Bindings {
			b.LastReboundAt = copyTime(b.LastReboundAt)
			cp.Bindings[i] = b
		}
	}
	return cp
}

// Used returns the number of occupied device slots.
func (c *Capacity) Used() int { return len(c.Bindings) }

// indexByPrimary returns the position of the binding whose primary
// fingerprint matches fp, or -1.
func (c *Capacity) indexByPrimary(fp Fingerprint) int {
	for i, b := range c.Bindings {
		if b.Fingerprint == fp {
			return i
		}
	}
	return -1
}

// indexByHardware returns the position of the binding whose hardware
// fingerprint matches fp, or -1.
func (c *Capacity) indexByHardware(fp Fingerprint) int {
	if fp.IsZero() {
		return -1
	}
	for i, b := range c.Bindings {
		if !b.HardwareFingerprint.IsZero() && b.HardwareFingerprint == fp {
			return i
		}
	}
	return -1
}

// ExclusiveLock is the single-device modality: at most one bound device,
// with first activation starting the validity clock. The hardware
// fingerprint recorded at first bind lets a reinstall on the same
// machine reclaim the lock without an administrative reset.
type ExclusiveLock struct {
	// Device is the locked fingerprint; zero until first activation.
	Device Fingerprint
	// Hardware is the stabler identity captured at first activation,
	// matched when a reinstall presents a new primary fingerprint.
	Hardware Fingerprint
	// ValidityDays is the per-record validity window applied when first
	// activation sets the expiry. Zero means the engine default.
	ValidityDays int
}

// Kind implements Modality.
func (x *ExclusiveLock) Kind() ModalityKind { return ModalityExclusive }

func (x *ExclusiveLock) clone() Modality {
	cp := *x
	return &cp
}

// Record is the full durable state of one license code. The storage key
// is the normalized code.
type Record struct {
	Code            string
	Active          bool
	Modality        Modality
	Expiry          *time.Time
	CreatedAt       time.Time
	LastActivatedAt *time.Time
	ActivatedAt     *time.Time
}

// NewCapacityRecord creates an enabled capacity-modality record with zero
// bindings. The code is normalized.
func NewCapacityRecord(code string, maxDevices int, now time.Time) *Record {
	return &Record{
		Code:      NormalizeCode(code),
		Active:    true,
		Modality:  &Capacity{MaxDevices: maxDevices},
		CreatedAt: now,
	}
}

// NewExclusiveRecord creates an enabled exclusive-lock record with no
// bound device. validityDays of zero defers to the engine default when
// first activation starts the clock.
func NewExclusiveRecord(code string, validityDays int, now time.Time) *Record {
	return &Record{
		Code:      NormalizeCode(code),
		Active:    true,
		Modality:  &ExclusiveLock{ValidityDays: validityDays},
		CreatedAt: now,
	}
}

// Clone returns a deep copy. Engine operations work on clones so callers
// can compare old and new state and retries never observe partial writes.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := &Record{
		Code:            r.Code,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
		Expiry:          copyTime(r.Expiry),
		LastActivatedAt: copyTime(r.LastActivatedAt),
		ActivatedAt:     copyTime(r.ActivatedAt),
	}
	if r.Modality != nil {
		cp.Modality = r.Modality.clone()
	}
	return cp
}

// ExpiredAt reports whether the record's expiry, if set, is before now.
func (r *Record) ExpiredAt(now time.Time) bool {
	return r.Expiry != nil && r.Expiry.Before(now)
}

// CodeSummary is the read-only projection of a record used by the admin
// listing and exports. It carries only stored one-way fingerprints, never
// raw device identifiers.
type CodeSummary struct {
	Code            string          `json:"code"`
	Modality        ModalityKind    `json:"modality"`
	Active          bool            `json:"active"`
	Expired         bool            `json:"expired"`
	DevicesUsed     int             `json:"devices_used"`
	MaxDevices      int             `json:"max_devices,omitempty"`
	LockedDevice    Fingerprint     `json:"locked_device,omitempty"`
	Expiry          *time.Time      `json:"expiry,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivatedAt *time.Time      `json:"last_activated_at,omitempty"`
	ActivatedAt     *time.Time      `json:"activated_at,omitempty"`
	Bindings        []DeviceBinding `json:"bindings,omitempty"`
}

// Summary projects the record with derived fields computed against now.
func (r *Record) Summary(now time.Time) CodeSummary {
	s := CodeSummary{
		Code:            r.Code,
		Active:          r.Active,
		Expired:         r.ExpiredAt(now),
		Expiry:          copyTime(r.Expiry),
		CreatedAt:       r.CreatedAt,
		LastActivatedAt: copyTime(r.LastActivatedAt),
		ActivatedAt:     copyTime(r.ActivatedAt),
	}
	switch m := r.Modality.(type) {
	case *Capacity:
		s.Modality = ModalityCapacity
		s.DevicesUsed = m.Used()
		s.MaxDevices = m.MaxDevices
		if len(m.Bindings) > 0 {
			s.Bindings = make([]DeviceBinding, len(m.Bindings))
			copy(s.Bindings, m.Bindings)
		}
	case *ExclusiveLock:
		s.Modality = ModalityExclusive
		s.LockedDevice = m.Device
		if !m.Device.IsZero() {
			s.DevicesUsed = 1
		}
	}
	return s
}

// recordJSON is the flattened persisted form covering both modalities.
type recordJSON struct {
	Version         int               `json:"version"`
	Code            string            `json:"code"`
	Active          bool              `json:"active"`
	Modality        ModalityKind      `json:"modality,omitempty"`
	MaxDevices      int               `json:"max_devices,omitempty"`
	Bindings        []json.RawMessage `json:"bindings,omitempty"`
	LockedDevice    Fingerprint       `json:"locked_device,omitempty"`
	LockedHardware  Fingerprint       `json:"locked_hardware,omitempty"`
	ValidityDays    int               `json:"validity_days,omitempty"`
	Expiry          *time.Time        `json:"expiry,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivatedAt *time.Time        `json:"last_activated_at,omitempty"`
	ActivatedAt     *time.Time        `json:"activated_at,omitempty"`
}

// MarshalJSON writes the current schema version.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Version:         recordSchemaVersion,
		Code:            r.Code,
		Active:          r.Active,
		Expiry:          r.Expiry,
		CreatedAt:       r.CreatedAt,
		LastActivatedAt: r.LastActivatedAt,
		ActivatedAt:     r.ActivatedAt,
	}
	switch m := r.Modality.(type) {
	case *Capacity:
		out.Modality = ModalityCapacity
		out.MaxDevices = m.MaxDevices
		for _, b := range m.Bindings {
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			out.Bindings = append(out.Bindings, raw)
		}
	case *ExclusiveLock:
		out.Modality = ModalityExclusive
		out.LockedDevice = m.Device
		out.LockedHardware = m.Hardware
		out.ValidityDays = m.ValidityDays
	default:
		return nil, fmt.Errorf("license: record %q has no modality", r.Code)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the current schema and normalizes historical
// shapes: records without a version (or version 1) may carry bindings as
// bare fingerprint strings and omit the modality tag. Legacy string
// bindings get the record's creation time as their bound-at stamp.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	modality := in.Modality
	if modality == "" {
		// Legacy records carry no tag; a locked device implies the
		// exclusive modality.
		if !in.LockedDevice.IsZero() || (in.MaxDevices == 0 && len(in.Bindings) == 0 && in.ValidityDays > 0) {
			modality = ModalityExclusive
		} else {
			modality = ModalityCapacity
		}
	}

	rec := Record{
		Code:            NormalizeCode(in.Code),
		Active:          in.Active,
		Expiry:          in.Expiry,
		CreatedAt:       in.CreatedAt,
		LastActivatedAt: in.LastActivatedAt,
		ActivatedAt:     in.ActivatedAt,
	}

	switch modality {
	case ModalityCapacity:
		bindings, err := decodeBindings(in.Bindings, in.CreatedAt)
		if err != nil {
			return fmt.Errorf("license: record %q: %w", in.Code, err)
		}
		max := in.MaxDevices
		if max < 1 {
			max = 1
		}
		if len(bindings) > max {
			// Oversized legacy data keeps its bindings; the invariant
			// holds for all new activations against the record.
			max = len(bindings)
		}
		rec.Modality = &Capacity{MaxDevices: max, Bindings: bindings}
	case ModalityExclusive:
		rec.Modality = &ExclusiveLock{
			Device:       in.LockedDevice,
			Hardware:     in.LockedHardware,
			ValidityDays: in.ValidityDays,
		}
	default:
		return fmt.Errorf("license: record %q has unknown modality %q", in.Code, modality)
	}

	*r = rec
	return nil
}

// decodeBindings reads each element as a DeviceBinding object, falling
// back to the legacy bare-string form.
func decodeBindings(raw []json.RawMessage, boundAt time.Time) ([]DeviceBinding, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]DeviceBinding, 0, len(raw))
	for i, el := range raw {
		var b DeviceBinding
		if err := json.Unmarshal(el, &b); err == nil {
			out = append(out, b)
			continue
		}
		var fp string
		if err := json.Unmarshal(el, &fp); err != nil {
			return nil, fmt.Errorf("binding %d has unsupported shape", i)
		}
		out = append(out, DeviceBinding{Fingerprint: Fingerprint(fp), BoundAt: boundAt})
	}
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
