// Package http implements the issuer's HTTP request handlers.
//
// Handlers are a thin layer over the license and purchase services. They
// parse and validate the request body, call the service, and render either
// a JSON response or an RFC 7807 problem via the errors package.
//
// # Endpoints
//
//	POST /issue               sign a license for {identity, plan?, ttlDays?}
//	POST /verify              advisory verification of {token}
//	POST /webhook/purchase    idempotent purchase intake keyed by saleId
//	GET  /health              liveness with version and product id
//
// /generate-license, /verify-license and /gumroad-webhook route to the same
// handlers and accept the email, sale_id and expires_days field names.
//
// # Verification Responses
//
// A well-formed verify request always gets 200. The outcome (valid,
// expired, invalid_signature, malformed, wrong_product) is a value in the
// body, not an HTTP error.
package http
