// Package app wires the license issuer service and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, an optional YAML file and LICENSE_* env vars
//	2. Initialize logging and OpenTelemetry
//	3. Load the Ed25519 signing key (fatal on license.ErrConfig)
//	4. Build the issuer, verifier and dedup store (memory or Redis)
//	5. Build the purchase ingestor and, when enabled, the Kafka consumer
//	6. Set up the chi router, middleware chain and HTTP server
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    os.Exit(1)
//	}
//	if err := application.Run(ctx); err != nil {
//	    os.Exit(1)
//	}
//
// # Graceful Shutdown
//
// Run returns after SIGINT, SIGTERM, cancellation of its context or a
// failure of the HTTP server or Kafka consumer. Shutdown drains in-flight
// requests, stops the consumer before its next commit, closes the Redis
// client and flushes telemetry.
//
// The app does not call os.Exit; main controls the exit code.
package app
