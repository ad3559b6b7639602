// Package http contains the HTTP handlers for the licensing API.
//
// Handlers are thin: they decode and validate the request body, call the
// matching service operation, and render the result. Domain failures are
// mapped onto RFC 7807 problem responses by the errors package so every
// engine error kind keeps a distinct status code and type URI on the
// wire. The one deliberate exception is verification, which answers 200
// for every domain outcome; an invalid license is data, not an error.
//
// Each handler exposes a Routes method returning a chi.Router so the
// application can mount the client surface, the trial surface, and the
// authenticated admin surface independently.
package http
