// Package app wires the Keyward license server together: configuration,
// logging, telemetry, the store backend, the licensing engine, services,
// HTTP transport, and graceful shutdown.
//
// # Initialization Flow
//
// The startup sequence:
//
//	1. Load configuration from defaults, file, and environment
//	2. Initialize the structured logger and OpenTelemetry providers
//	3. Open the configured store backend (memory, file, or postgres)
//	4. Build the licensing engine and the Sheets mirror
//	5. Initialize services with their dependencies
//	6. Assemble the router and middleware chain
//	7. Configure the HTTP server
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until an interrupt or SIGTERM arrives, then drains the
// server, the event hub, and the mirror queue before returning.
package app
