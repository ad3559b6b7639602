package errors

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"keyward/internal/license"
)

// Problem type URIs for licensing failures. One URI per error kind so
// clients can branch without parsing English.
const (
	TypeInvalidRequest   = "/errors/invalid-request"
	TypeCodeNotFound     = "/errors/code-not-found"
	TypeCodeDisabled     = "/errors/code-disabled"
	TypeCodeExpired      = "/errors/code-expired"
	TypeCapacityExceeded = "/errors/capacity-exceeded"
	TypeDeviceMismatch   = "/errors/device-mismatch"
	TypeTrialExhausted   = "/errors/trial-exhausted"
	TypeCodeConflict     = "/errors/code-conflict"
	TypeStoreUnavailable = "/errors/store-unavailable"
)

// licenseProblem maps one engine error kind to its HTTP rendering. The
// full mapping is the wire contract: every kind keeps a distinct status
// and type URI so clients recover the kind losslessly.
type licenseProblem struct {
	status    int
	problem   string
	title     string
	errorCode string
}

var licenseProblems = []struct {
	sentinel error
	licenseProblem
}{
	{license.ErrInvalidRequest, licenseProblem{http.StatusBadRequest, TypeInvalidRequest, "Invalid Request", "INVALID_REQUEST"}},
	{license.ErrCodeNotFound, licenseProblem{http.StatusNotFound, TypeCodeNotFound, "Unknown License Code", "CODE_NOT_FOUND"}},
	{license.ErrCodeDisabled, licenseProblem{http.StatusForbidden, TypeCodeDisabled, "License Code Disabled", "CODE_DISABLED"}},
	{license.ErrCodeExpired, licenseProblem{http.StatusGone, TypeCodeExpired, "License Code Expired", "CODE_EXPIRED"}},
	{license.ErrCapacityExceeded, licenseProblem{http.StatusConflict, TypeCapacityExceeded, "Device Capacity Exceeded", "CAPACITY_EXCEEDED"}},
	{license.ErrDeviceMismatch, licenseProblem{http.StatusForbidden, TypeDeviceMismatch, "Activated on Another Device", "DEVICE_MISMATCH"}},
	{license.ErrTrialExhausted, licenseProblem{http.StatusGone, TypeTrialExhausted, "Trial Already Used", "TRIAL_EXHAUSTED"}},
	{license.ErrCodeConflict, licenseProblem{http.StatusConflict, TypeCodeConflict, "License Code Already Exists", "CODE_CONFLICT"}},
}

// MapLicenseError maps a licensing operation error to RFC 7807 problem
// details. Engine error kinds carry their own status; anything else
// reaching this point is a store or infrastructure failure and renders
// as 503 so clients know to retry.
func MapLicenseError(err error, instance, traceID string) render.Renderer {
	for _, m := range licenseProblems {
		if !errors.Is(err, m.sentinel) {
			continue
		}
		problem := NewProblemDetails(m.status, m.problem, m.title, err.Error(), instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", m.errorCode)

		var capErr *license.CapacityError
		if errors.As(err, &capErr) {
			problem.WithExtension("max_devices", capErr.MaxDevices)
		}
		return problem
	}

	return NewProblemDetails(
		http.StatusServiceUnavailable,
		TypeStoreUnavailable,
		"License Store Unavailable",
		"The licensing store is temporarily unavailable. Please try again.",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "STORE_UNAVAILABLE")
}

// LicenseErrorStatus returns the HTTP status MapLicenseError would
// assign. Metrics and logging use it without building a response body.
func LicenseErrorStatus(err error) int {
	for _, m := range licenseProblems {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusServiceUnavailable
}
