package license

import "errors"

// Sentinel errors. Verification never returns these directly; they are
// used for the Outcome mapping, for codec internals and by the issuer.
var (
	ErrMalformed        = errors.New("malformed license token")
	ErrInvalidSignature = errors.New("invalid license signature")
	ErrWrongProduct     = errors.New("license issued for a different product")
	ErrExpired          = errors.New("license expired")

	// ErrConfig means key material or a build-time constant is unusable.
	// It is fatal at startup.
	ErrConfig = errors.New("license key configuration error")

	// ErrIssuance wraps signing failures.
	ErrIssuance = errors.New("license issuance failed")
)

// Error codes surfaced to API and CLI callers.
const (
	ErrCodeMalformed        = "LICENSE_MALFORMED"
	ErrCodeInvalidSignature = "LICENSE_INVALID_SIGNATURE"
	ErrCodeWrongProduct     = "LICENSE_WRONG_PRODUCT"
	ErrCodeExpired          = "LICENSE_EXPIRED"
	ErrCodeConfig           = "LICENSE_CONFIG_ERROR"
	ErrCodeIssuance         = "LICENSE_ISSUANCE_FAILED"
)
