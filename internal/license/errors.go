package license

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Every failure an operation can produce is one of
// these kinds; callers branch with errors.Is and the HTTP layer maps each
// kind to a distinct status. All are terminal business outcomes, never
// transient failures; the only transient class is store I/O, which the
// engine never sees.
var (
	// ErrInvalidRequest marks malformed input: empty code or fingerprint
	// after normalization, or an operation a modality does not support.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCodeNotFound marks an unknown license code.
	ErrCodeNotFound = errors.New("invalid code")
	// ErrCodeDisabled marks an administratively disabled code. Disabled
	// is deliberately distinct from not-found: the tombstone keeps
	// resolving so support can tell the two apart.
	ErrCodeDisabled = errors.New("code disabled")
	// ErrCodeExpired marks a code past its expiry.
	ErrCodeExpired = errors.New("code expired")
	// ErrCapacityExceeded marks an activation against a full capacity
	// record. Use CapacityError to carry the configured maximum.
	ErrCapacityExceeded = errors.New("device capacity exceeded")
	// ErrDeviceMismatch marks an exclusive-lock activation from a device
	// other than the locked one.
	ErrDeviceMismatch = errors.New("activated on another device")
	// ErrTrialExhausted marks a trial request from a device that has
	// already consumed its one trial.
	ErrTrialExhausted = errors.New("trial already used")
	// ErrCodeConflict marks an AddCode for a code that already exists.
	ErrCodeConflict = errors.New("code already exists")
)

// CapacityError is the concrete ErrCapacityExceeded failure; the message
// includes the configured maximum so clients can display the limit.
type CapacityError struct {
	MaxDevices int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("device capacity exceeded: this code allows at most %d devices", e.MaxDevices)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// NewCapacityError returns the capacity failure for a record allowing max
// devices.
func NewCapacityError(max int) error {
	return &CapacityError{MaxDevices: max}
}
