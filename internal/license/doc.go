// Package license implements the activation state machine for keyward.
// It decides how a license code transitions between unused,
// bound-to-device, expired, and disabled states across the supported
// modalities, without performing any I/O of its own.
//
// # Architecture Overview
//
// The package provides the decision core the rest of the server is built
// around:
//
//	- Engine: pure request/record decision logic for activation,
//	  verification, deactivation, trial issuance, and the
//	  administrative operations
//	- Record: one license code's durable state, with the binding
//	  modality as an explicit variant (Capacity or ExclusiveLock)
//	- Fingerprint: one-way device identity derivation
//	- TrialRecord: the permanent one-per-device trial grant
//	- Metrics: OpenTelemetry instruments for licensing operations
//
// # Activation Flow
//
// A handler resolves the current record through the store, then asks the
// engine for the outcome:
//
//	outcome, err := engine.Activate(rec, license.ActivationRequest{
//		Code:   req.Code,
//		Device: license.DeriveFingerprint(req.DeviceID),
//	})
//
// When outcome.Mutated is true the caller persists outcome.Record inside
// the same atomic store update, so concurrent activations against the
// same code cannot overflow capacity.
//
// # Device Identity
//
// Fingerprints are SHA-256 digests of a raw client-supplied identifier,
// rendered as lowercase hex. The raw identifier is never stored, logged,
// or recoverable; equality is the only supported operation. A secondary
// hardware fingerprint, when supplied, lets the engine recognize a
// reinstall (new primary fingerprint, same hardware) and rewrite the
// existing binding instead of consuming a new slot.
//
// # Purity and Testing
//
// Engine methods never mutate their inputs; they return a fresh record to
// persist when the operation changed state. The clock and the trial-token
// source are injected, so every transition in the state machine is
// deterministic under test.
package license
