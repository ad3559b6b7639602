// Package services orchestrates license operations between the engine
// and the store.
//
// The engine decides, the store persists, and the services glue the two
// together inside the store's per-key update transactions. Side channels
// hang off the write path: audit events go to the WebSocket hub and
// registry changes to the Sheets mirror, both strictly after the store
// write succeeded and never able to fail a request.
//
// LicenseService carries the client-facing lifecycle (activate, verify,
// deactivate, trial issuance). AdminService carries the operator surface
// (code management, listing, export, bulk import). HealthService answers
// liveness probes with per-dependency detail.
package services
