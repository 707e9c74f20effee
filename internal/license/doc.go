// Package license implements signed, offline-verifiable entitlement tokens.
// It owns the signing keys, the token wire format, issuance and offline
// verification. It performs no network I/O.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- KeyManager: loads the issuer's Ed25519 private key from configuration
//	- Codec: canonical payload serialization and the token wire format
//	- Issuer: builds payloads and signs them
//	- Verifier: decides the status of a token with the public key only
//	- LicenseMetrics: OpenTelemetry instruments shared by issuer and clients
//
// # Token Format
//
// A token is two base64url segments without padding, joined by a dot:
//
//	base64url(canonical-json(payload)) "." base64url(ed25519-signature)
//
// The canonical JSON always uses this field order, with timestamps as
// RFC3339 UTC whole seconds:
//
//	{"subjectIdentity":"...","productId":"...","plan":"...","issuedAt":"...","expiresAt":null}
//
// The signature covers exactly the decoded payload bytes. A payload that
// does not re-serialize to the same bytes is rejected as malformed.
//
// # Verification Flow
//
// Verify never returns an error. It evaluates these steps in order and
// stops at the first that fails:
//
//	1. Decode both segments             -> Malformed
//	2. Check the Ed25519 signature      -> InvalidSignature
//	3. Compare the product identifier   -> WrongProduct
//	4. Compare expiresAt with now       -> Expired (now >= expiresAt)
//	5. Otherwise                        -> Valid
//
// Expired and Valid results carry the decoded payload.
//
// # Key Distribution
//
// The issuer loads its private key through KeyManager (inline base64 seed
// or a PEM file). Client binaries get the public key and product id at
// build time:
//
//	go build -ldflags "-X licensegate/internal/license.publicKey=$(cat license_public_key.txt)" ./cmd/licensectl
//
// Regenerating keys invalidates every token issued under the old key.
package license
