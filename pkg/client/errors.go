package client

import (
	"errors"
	"fmt"
)

// Machine-readable rejection codes carried in APIError.ErrorCode.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "CODE_NOT_FOUND"
	CodeDisabled         = "CODE_DISABLED"
	CodeExpired          = "CODE_EXPIRED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeDeviceMismatch   = "DEVICE_MISMATCH"
	CodeTrialExhausted   = "TRIAL_EXHAUSTED"
	CodeConflict         = "CODE_CONFLICT"
)

// APIError is an RFC 7807 problem document returned by the server. The
// Status and ErrorCode fields are the stable contract; Title and Detail
// are human-readable and may change between releases.
type APIError struct {
	Status    int    `json:"status"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("keyward: %s (status %d): %s", e.Title, e.Status, e.Detail)
	}
	return fmt.Sprintf("keyward: %s (status %d)", e.Title, e.Status)
}

// hasErrorCode reports whether err is an APIError with the given code.
func hasErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

// IsCapacityExceeded reports whether an activation was rejected because
// every device slot is taken.
func IsCapacityExceeded(err error) bool { return hasErrorCode(err, CodeCapacityExceeded) }

// IsDeviceMismatch reports whether the code is exclusively locked to a
// different machine.
func IsDeviceMismatch(err error) bool { return hasErrorCode(err, CodeDeviceMismatch) }

// IsCodeNotFound reports whether the license code does not exist.
func IsCodeNotFound(err error) bool { return hasErrorCode(err, CodeNotFound) }

// IsCodeDisabled reports whether the code has been administratively
// disabled.
func IsCodeDisabled(err error) bool { return hasErrorCode(err, CodeDisabled) }

// IsCodeExpired reports whether the code's validity window has passed.
func IsCodeExpired(err error) bool { return hasErrorCode(err, CodeExpired) }

// IsTrialExhausted reports whether this hardware has already consumed
// its trial.
func IsTrialExhausted(err error) bool { return hasErrorCode(err, CodeTrialExhausted) }
