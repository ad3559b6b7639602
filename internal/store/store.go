// Package store persists license and trial records behind a single
// interface with three backends: an in-memory map for tests and
// ephemeral deployments, a signed JSON file for single-node installs,
// and Postgres for anything that needs durability across nodes.
//
// # Contract
//
// Lookups key licenses by normalized code and trials by hardware
// fingerprint. A missing record is (nil, nil), never an error; callers
// decide whether absence is a problem. Errors are reserved for I/O and
// corruption.
//
// Mutations go through Update, which applies a function to the current
// record under a per-key critical section. The function receives nil
// when no record exists and returns the replacement record, or nil to
// leave the store untouched. All read-check-write races, including
// last-device-slot contention, are resolved inside Update.
package store

import (
	"context"

	"keyward/internal/license"
)

// LicenseUpdateFunc transforms the current record (nil if absent) into
// its replacement. Returning a nil record with a nil error makes the
// update a no-op. Returning an error aborts the update and surfaces the
// error to the caller unchanged.
type LicenseUpdateFunc func(current *license.Record) (*license.Record, error)

// TrialUpdateFunc is the trial-record counterpart of LicenseUpdateFunc.
type TrialUpdateFunc func(current *license.TrialRecord) (*license.TrialRecord, error)

// Store is the persistence boundary for the licensing service.
type Store interface {
	// GetLicense returns the record stored under the normalized code,
	// or (nil, nil) when no such code exists.
	GetLicense(ctx context.Context, code string) (*license.Record, error)

	// UpdateLicense applies fn to the record under code atomically with
	// respect to other updates of the same code.
	UpdateLicense(ctx context.Context, code string, fn LicenseUpdateFunc) error

	// ListLicenses returns every stored record ordered by code.
	ListLicenses(ctx context.Context) ([]*license.Record, error)

	// GetTrial returns the trial record for a hardware fingerprint, or
	// (nil, nil) when the fingerprint has never been granted one.
	GetTrial(ctx context.Context, hardware license.Fingerprint) (*license.TrialRecord, error)

	// UpdateTrial applies fn to the trial record for hardware atomically
	// with respect to other updates of the same fingerprint.
	UpdateTrial(ctx context.Context, hardware license.Fingerprint, fn TrialUpdateFunc) error

	// Health reports whether the backend can currently serve requests.
	Health(ctx context.Context) error

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}
