package license

import (
	"fmt"
	"time"
)

// Default validity windows. Both are overridable through EngineConfig and,
// for exclusive records, per record.
const (
	DefaultValidityPeriod = 30 * 24 * time.Hour
	DefaultTrialValidity  = 24 * time.Hour
)

// Clock supplies the current time; injectable for tests.
type Clock func() time.Time

// ActivationStatus discriminates the success variants of Activate.
type ActivationStatus string

const (
	// StatusNewlyBound means the device consumed a slot or established
	// the exclusive lock.
	StatusNewlyBound ActivationStatus = "newly_bound"
	// StatusAlreadyBound means the device was bound before the call; the
	// record did not change.
	StatusAlreadyBound ActivationStatus = "already_bound"
	// StatusRebound means a reinstall was recognized by hardware
	// fingerprint and the existing binding was rewritten in place.
	StatusRebound ActivationStatus = "rebound"
)

// ActivationRequest is the validated input of Activate. Device is the
// primary fingerprint; Hardware may be zero, in which case the primary
// fingerprint stands in for it.
type ActivationRequest struct {
	Code     string
	Device   Fingerprint
	Hardware Fingerprint
}

// VerificationRequest is the input of Verify. Fields mirror
// ActivationRequest; missing values degrade the answer instead of
// erroring.
type VerificationRequest struct {
	Code     string
	Device   Fingerprint
	Hardware Fingerprint
}

// DeactivationRequest is the input of Deactivate.
type DeactivationRequest struct {
	Code     string
	Device   Fingerprint
	Hardware Fingerprint
}

// ActivationOutcome reports an activation decision. Record is the state
// to persist when Mutated is true; it is always a copy, never the input.
type ActivationOutcome struct {
	Status      ActivationStatus
	Record      *Record
	Mutated     bool
	Modality    ModalityKind
	DevicesUsed int
	MaxDevices  int
	Expiry      *time.Time
}

// DeactivationOutcome reports a deactivation. Removed is false when no
// binding matched; the call still succeeds.
type DeactivationOutcome struct {
	Removed     bool
	Record      *Record
	Mutated     bool
	DevicesUsed int
	MaxDevices  int
}

// Verification is the read-only answer of Verify. Reason carries a stable
// machine-readable token when Valid is false.
type Verification struct {
	Valid       bool         `json:"valid"`
	Reason      string       `json:"reason,omitempty"`
	Modality    ModalityKind `json:"modality,omitempty"`
	Trial       bool         `json:"trial,omitempty"`
	DevicesUsed int          `json:"devices_used,omitempty"`
	MaxDevices  int          `json:"max_devices,omitempty"`
	Expiry      *time.Time   `json:"expiry,omitempty"`
}

// Verification reasons. Stable tokens: clients and support tooling key
// off them.
const (
	ReasonMissingFields  = "missing_fields"
	ReasonUnknownCode    = "unknown_code"
	ReasonCodeDisabled   = "code_disabled"
	ReasonCodeExpired    = "code_expired"
	ReasonDeviceNotBound = "device_not_bound"
	ReasonDeviceMismatch = "device_mismatch"
	ReasonTrialNotFound  = "trial_not_found"
	ReasonTrialMismatch  = "trial_mismatch"
	ReasonTrialExpired   = "trial_expired"
)

// TrialOutcome reports a trial issuance. Reissued is true when an
// unexpired grant was returned unchanged.
type TrialOutcome struct {
	Key      string
	Expiry   time.Time
	Reissued bool
	Record   *TrialRecord
	Mutated  bool
}

// CreateCodeParams describes a new record for CreateCode.
type CreateCodeParams struct {
	Code     string
	Modality ModalityKind
	// MaxDevices applies to the capacity modality; must be >= 1.
	MaxDevices int
	// ValidityDays applies to the exclusive modality; zero uses the
	// engine default when first activation starts the clock.
	ValidityDays int
}

// EngineConfig tunes an Engine. Zero values fall back to the defaults.
type EngineConfig struct {
	DefaultValidity time.Duration
	TrialValidity   time.Duration
	Clock           Clock
	Tokens          TokenSource
}

// Engine decides the outcome of every licensing operation. It holds no
// record state and performs no I/O; the clock and token source are its
// only dependencies.
type Engine struct {
	defaultValidity time.Duration
	trialValidity   time.Duration
	clock           Clock
	tokens          TokenSource
}

// NewEngine builds an engine from cfg, defaulting the validity windows,
// clock, and token source.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		defaultValidity: cfg.DefaultValidity,
		trialValidity:   cfg.TrialValidity,
		clock:           cfg.Clock,
		tokens:          cfg.Tokens,
	}
	if e.defaultValidity <= 0 {
		e.defaultValidity = DefaultValidityPeriod
	}
	if e.trialValidity <= 0 {
		e.trialValidity = DefaultTrialValidity
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.tokens == nil {
		e.tokens = CryptoTokenSource{}
	}
	return e
}

func (e *Engine) now() time.Time { return e.clock() }

// hardwareOrDevice applies the stand-in rule: when no hardware identity
// was supplied, hardware tracking degrades to primary-only equality.
func hardwareOrDevice(hw, device Fingerprint) Fingerprint {
	if hw.IsZero() {
		return device
	}
	return hw
}

// Activate binds a device to a license code, or recognizes an existing
// binding. The returned outcome's Record must be persisted within the
// same atomic store update when Mutated is true.
func (e *Engine) Activate(rec *Record, req ActivationRequest) (ActivationOutcome, error) {
	if NormalizeCode(req.Code) == "" || req.Device.IsZero() {
		return ActivationOutcome{}, fmt.Errorf("%w: code and device are required", ErrInvalidRequest)
	}
	if rec == nil {
		return ActivationOutcome{}, ErrCodeNotFound
	}
	if !rec.Active {
		return ActivationOutcome{}, ErrCodeDisabled
	}
	now := e.now()
	if rec.ExpiredAt(now) {
		return ActivationOutcome{}, ErrCodeExpired
	}

	hw := hardwareOrDevice(req.Hardware, req.Device)

	switch m := rec.Modality.(type) {
	case *Capacity:
		return e.activateCapacity(rec, m, req.Device, hw, now)
	case *ExclusiveLock:
		return e.activateExclusive(rec, m, req.Device, hw, now)
	default:
		return ActivationOutcome{}, fmt.Errorf("%w: record has no modality", ErrInvalidRequest)
	}
}

func (e *Engine) activateCapacity(rec *Record, m *Capacity, device, hw Fingerprint, now time.Time) (ActivationOutcome, error) {
	outcome := ActivationOutcome{
		Modality:    ModalityCapacity,
		DevicesUsed: m.Used(),
		MaxDevices:  m.MaxDevices,
		Expiry:      copyTime(rec.Expiry),
	}

	if m.indexByPrimary(device) >= 0 {
		outcome.Status = StatusAlreadyBound
		return outcome, nil
	}

	// A hardware match means the same machine after a reinstall: the
	// binding is rewritten in place. This runs before the capacity check
	// so a reinstalling user never loses their slot to a full record.
	if i := m.indexByHardware(hw); i >= 0 {
		next := rec.Clone()
		nm := next.Modality.(*Capacity)
		nm.Bindings[i].Fingerprint = device
		nm.Bindings[i].LastReboundAt = &now
		next.LastActivatedAt = &now

		outcome.Status = StatusRebound
		outcome.Record = next
		outcome.Mutated = true
		outcome.DevicesUsed = nm.Used()
		return outcome, nil
	}

	if m.Used() >= m.MaxDevices {
		return ActivationOutcome{}, NewCapacityError(m.MaxDevices)
	}

	next := rec.Clone()
	nm := next.Modality.(*Capacity)
	nm.Bindings = append(nm.Bindings, DeviceBinding{
		Fingerprint:         device,
		HardwareFingerprint: hw,
		BoundAt:             now,
	})
	next.LastActivatedAt = &now

	outcome.Status = StatusNewlyBound
	outcome.Record = next
	outcome.Mutated = true
	outcome.DevicesUsed = nm.Used()
	return outcome, nil
}

func (e *Engine) activateExclusive(rec *Record, m *ExclusiveLock, device, hw Fingerprint, now time.Time) (ActivationOutcome, error) {
	outcome := ActivationOutcome{
		Modality: ModalityExclusive,
		Expiry:   copyTime(rec.Expiry),
	}

	switch {
	case m.Device.IsZero():
		next := rec.Clone()
		nm := next.Modality.(*ExclusiveLock)
		nm.Device = device
		nm.Hardware = hw
		next.ActivatedAt = &now
		next.LastActivatedAt = &now
		if next.Expiry == nil {
			validity := e.defaultValidity
			if m.ValidityDays > 0 {
				validity = time.Duration(m.ValidityDays) * 24 * time.Hour
			}
			expiry := now.Add(validity)
			next.Expiry = &expiry
		}

		outcome.Status = StatusNewlyBound
		outcome.Record = next
		outcome.Mutated = true
		outcome.DevicesUsed = 1
		outcome.Expiry = copyTime(next.Expiry)
		return outcome, nil

	case m.Device == device:
		outcome.Status = StatusAlreadyBound
		outcome.DevicesUsed = 1
		return outcome, nil

	case !m.Hardware.IsZero() && m.Hardware == hw:
		// Same machine after a reinstall: the lock moves to the new
		// primary fingerprint. The validity clock keeps running from
		// first activation.
		next := rec.Clone()
		nm := next.Modality.(*ExclusiveLock)
		nm.Device = device
		next.LastActivatedAt = &now

		outcome.Status = StatusRebound
		outcome.Record = next
		outcome.Mutated = true
		outcome.DevicesUsed = 1
		return outcome, nil

	default:
		return ActivationOutcome{}, ErrDeviceMismatch
	}
}

// Verify answers whether a device currently holds a valid activation.
// It never returns an error: malformed input, unknown codes, and every
// other failure degrade to Valid=false with a stable reason.
func (e *Engine) Verify(rec *Record, req VerificationRequest) Verification {
	if NormalizeCode(req.Code) == "" || req.Device.IsZero() {
		return Verification{Reason: ReasonMissingFields}
	}
	if rec == nil {
		return Verification{Reason: ReasonUnknownCode}
	}
	now := e.now()
	if !rec.Active {
		return Verification{Reason: ReasonCodeDisabled, Modality: rec.Modality.Kind()}
	}
	if rec.ExpiredAt(now) {
		return Verification{Reason: ReasonCodeExpired, Modality: rec.Modality.Kind(), Expiry: copyTime(rec.Expiry)}
	}

	hw := hardwareOrDevice(req.Hardware, req.Device)

	switch m := rec.Modality.(type) {
	case *Capacity:
		v := Verification{
			Modality:    ModalityCapacity,
			DevicesUsed: m.Used(),
			MaxDevices:  m.MaxDevices,
			Expiry:      copyTime(rec.Expiry),
		}
		if m.indexByPrimary(req.Device) >= 0 || m.indexByHardware(hw) >= 0 {
			v.Valid = true
			return v
		}
		v.Reason = ReasonDeviceNotBound
		return v

	case *ExclusiveLock:
		v := Verification{
			Modality: ModalityExclusive,
			Expiry:   copyTime(rec.Expiry),
		}
		switch {
		case m.Device.IsZero():
			v.Reason = ReasonDeviceNotBound
		case m.Device == req.Device,
			!m.Hardware.IsZero() && m.Hardware == hw:
			v.Valid = true
			v.DevicesUsed = 1
		default:
			v.Reason = ReasonDeviceMismatch
		}
		return v

	default:
		return Verification{Reason: ReasonUnknownCode}
	}
}

// VerifyTrial answers whether a presented trial key is currently valid
// for the device holding tr. The presented code must match the stored
// key: a trial record proves only its own key.
func (e *Engine) VerifyTrial(tr *TrialRecord, code string) Verification {
	if tr == nil {
		return Verification{Reason: ReasonTrialNotFound, Trial: true}
	}
	if NormalizeCode(code) != tr.TrialKey {
		return Verification{Reason: ReasonTrialMismatch, Trial: true}
	}
	if tr.ExpiredAt(e.now()) {
		return Verification{Reason: ReasonTrialExpired, Trial: true, Expiry: copyTime(&tr.Expiry)}
	}
	return Verification{Valid: true, Trial: true, DevicesUsed: 1, Expiry: copyTime(&tr.Expiry)}
}

// Deactivate releases the slots held by a device on a capacity record.
// Removing a binding that does not exist still succeeds; exclusive
// records have no per-device deactivation and require an administrative
// reset.
func (e *Engine) Deactivate(rec *Record, req DeactivationRequest) (DeactivationOutcome, error) {
	if NormalizeCode(req.Code) == "" || req.Device.IsZero() {
		return DeactivationOutcome{}, fmt.Errorf("%w: code and device are required", ErrInvalidRequest)
	}
	if rec == nil {
		return DeactivationOutcome{}, ErrCodeNotFound
	}
	if !rec.Active {
		return DeactivationOutcome{}, ErrCodeDisabled
	}

	m, ok := rec.Modality.(*Capacity)
	if !ok {
		return DeactivationOutcome{}, fmt.Errorf("%w: exclusive codes are released by an administrative reset", ErrInvalidRequest)
	}

	hw := hardwareOrDevice(req.Hardware, req.Device)

	kept := make([]DeviceBinding, 0, len(m.Bindings))
	removed := 0
	for _, b := range m.Bindings {
		if b.Fingerprint == req.Device || (!b.HardwareFingerprint.IsZero() && b.HardwareFingerprint == hw) {
			removed++
			continue
		}
		kept = append(kept, b)
	}

	outcome := DeactivationOutcome{
		MaxDevices:  m.MaxDevices,
		DevicesUsed: m.Used(),
	}
	if removed == 0 {
		return outcome, nil
	}

	next := rec.Clone()
	nm := next.Modality.(*Capacity)
	if len(kept) == 0 {
		nm.Bindings = nil
	} else {
		nm.Bindings = kept
	}

	outcome.Removed = true
	outcome.Record = next
	outcome.Mutated = true
	outcome.DevicesUsed = nm.Used()
	return outcome, nil
}

// IssueTrial grants, re-issues, or refuses the one trial a device ever
// gets. An unexpired grant is returned unchanged so a reinstall keeps its
// remaining time; an expired grant refuses forever.
func (e *Engine) IssueTrial(existing *TrialRecord, hw Fingerprint) (TrialOutcome, error) {
	if hw.IsZero() {
		return TrialOutcome{}, fmt.Errorf("%w: hardware identity is required", ErrInvalidRequest)
	}
	now := e.now()

	if existing != nil {
		if existing.ExpiredAt(now) {
			return TrialOutcome{}, ErrTrialExhausted
		}
		return TrialOutcome{
			Key:      existing.TrialKey,
			Expiry:   existing.Expiry,
			Reissued: true,
			Record:   existing.Clone(),
		}, nil
	}

	key, err := NewTrialKey(e.tokens)
	if err != nil {
		return TrialOutcome{}, err
	}
	rec := &TrialRecord{
		TrialKey:  key,
		Expiry:    now.Add(e.trialValidity),
		CreatedAt: now,
	}
	return TrialOutcome{
		Key:     key,
		Expiry:  rec.Expiry,
		Record:  rec,
		Mutated: true,
	}, nil
}

// CreateCode builds the record for an administrative add. existing is the
// record currently stored under the normalized code, if any.
func (e *Engine) CreateCode(existing *Record, p CreateCodeParams) (*Record, error) {
	code := NormalizeCode(p.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrCodeConflict, code)
	}
	now := e.now()

	switch p.Modality {
	case ModalityCapacity:
		if p.MaxDevices < 1 {
			return nil, fmt.Errorf("%w: max devices must be at least 1", ErrInvalidRequest)
		}
		return NewCapacityRecord(code, p.MaxDevices, now), nil
	case ModalityExclusive:
		if p.ValidityDays < 0 {
			return nil, fmt.Errorf("%w: validity days cannot be negative", ErrInvalidRequest)
		}
		return NewExclusiveRecord(code, p.ValidityDays, now), nil
	default:
		return nil, fmt.Errorf("%w: unknown modality %q", ErrInvalidRequest, p.Modality)
	}
}

// DisableCode tombstones a record. The bindings are kept so an
// administrator can still inspect them; nothing un-disables implicitly.
func (e *Engine) DisableCode(rec *Record) (*Record, error) {
	if rec == nil {
		return nil, ErrCodeNotFound
	}
	next := rec.Clone()
	next.Active = false
	return next, nil
}

// ResetBindings releases every device held by a record. Capacity records
// drop their binding list; exclusive records clear the lock, expiry, and
// activation stamp so the next activation starts a fresh validity window.
// The active flag is untouched.
func (e *Engine) ResetBindings(rec *Record) (*Record, error) {
	if rec == nil {
		return nil, ErrCodeNotFound
	}
	next := rec.Clone()
	switch m := next.Modality.(type) {
	case *Capacity:
		m.Bindings = nil
	case *ExclusiveLock:
		m.Device = ""
		m.Hardware = ""
		next.Expiry = nil
		next.ActivatedAt = nil
	}
	return next, nil
}
