package client

import "time"

// ActivateParams identifies the code and the calling device for an
// activation. HardwareID is optional but recommended: it is the stabler
// identity that lets a reinstalled device reclaim its slot.
type ActivateParams struct {
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// VerifyParams identifies an activation to check. All fields are
// optional at the wire level; missing fields produce an invalid
// verification, not an error.
type VerifyParams struct {
	Code       string `json:"code"`
	DeviceID   string `json:"device_id,omitempty"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// DeactivateParams identifies the binding to release.
type DeactivateParams struct {
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// Activation is the server's answer to a successful activation.
type Activation struct {
	// Status is one of "newly_bound", "already_bound", or "rebound".
	Status      string     `json:"status"`
	Code        string     `json:"code"`
	Modality    string     `json:"modality"`
	DevicesUsed int        `json:"devices_used"`
	MaxDevices  int        `json:"max_devices,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
}

// Verification reports whether a device currently holds a usable
// activation. When Valid is false, Reason carries a stable token such
// as "code_expired" or "device_not_bound".
type Verification struct {
	Valid       bool       `json:"valid"`
	Reason      string     `json:"reason,omitempty"`
	Modality    string     `json:"modality,omitempty"`
	Trial       bool       `json:"trial,omitempty"`
	DevicesUsed int        `json:"devices_used,omitempty"`
	MaxDevices  int        `json:"max_devices,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
}

// Deactivation reports a released binding. Removed is false when the
// device held no slot; the call still succeeds.
type Deactivation struct {
	Removed     bool   `json:"removed"`
	Code        string `json:"code"`
	DevicesUsed int    `json:"devices_used"`
	MaxDevices  int    `json:"max_devices,omitempty"`
}

// Trial is a hardware-bound trial grant. Reissued marks re-delivery of
// an existing unexpired grant rather than a fresh one.
type Trial struct {
	Key      string    `json:"key"`
	Expiry   time.Time `json:"expiry"`
	Reissued bool      `json:"reissued"`
}

// Health is the server liveness summary.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Version is the server build identification.
type Version struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Store     string `json:"store"`
}
