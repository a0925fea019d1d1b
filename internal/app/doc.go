// Package app wires the license service together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration (defaults, YAML file, LICENSED_* variables)
//	2. Initialize logging and OpenTelemetry
//	3. Open the license store (memory or sqlite)
//	4. Build the notification dispatcher and its sinks (log, websocket hub)
//	5. Build the lifecycle controller, expiry watcher and validation lockout
//	6. Set up HTTP handlers and middleware
//
// # Running
//
// Start binds the listener and runs the HTTP server, dispatcher, expiry
// watcher and websocket hub in one errgroup; the first failure stops the
// rest. Run adds SIGINT/SIGTERM handling:
//
//	application, err := app.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return application.Run()
//
// Stop drains in-flight requests within the configured shutdown timeout,
// lets queued notifications finish, closes the store and flushes telemetry.
// The package never calls os.Exit.
package app
