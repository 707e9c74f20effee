package license

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// Outcome is the terminal result of one verification attempt.
type Outcome int

const (
	OutcomeMalformed Outcome = iota
	OutcomeInvalidSignature
	OutcomeWrongProduct
	OutcomeExpired
	OutcomeValid
)

var outcomeNames = map[Outcome]string{
	OutcomeMalformed:        "malformed",
	OutcomeInvalidSignature: "invalid_signature",
	OutcomeWrongProduct:     "wrong_product",
	OutcomeExpired:          "expired",
	OutcomeValid:            "valid",
}

// String returns the snake_case name used in JSON and logs.
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOutcome is the inverse of String.
func ParseOutcome(s string) (Outcome, bool) {
	for o, name := range outcomeNames {
		if name == s {
			return o, true
		}
	}
	return OutcomeMalformed, false
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are an
// error.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, ok := ParseOutcome(string(text))
	if !ok {
		return fmt.Errorf("unknown license outcome %q", text)
	}
	*o = parsed
	return nil
}

// Authentic reports whether the signature check passed.
func (o Outcome) Authentic() bool {
	return o == OutcomeValid || o == OutcomeExpired || o == OutcomeWrongProduct
}

// Err maps the outcome to its sentinel error, or nil for Valid.
func (o Outcome) Err() error {
	switch o {
	case OutcomeValid:
		return nil
	case OutcomeExpired:
		return ErrExpired
	case OutcomeWrongProduct:
		return ErrWrongProduct
	case OutcomeInvalidSignature:
		return ErrInvalidSignature
	default:
		return ErrMalformed
	}
}

// Verification is the result of Verify. Payload is set only for Valid and
// Expired outcomes.
type Verification struct {
	Outcome Outcome  `json:"outcome"`
	Payload *Payload `json:"payload,omitempty"`
}

// Valid reports whether the outcome grants entitlement.
func (v Verification) Valid() bool {
	return v.Outcome == OutcomeValid
}

// Verifier checks tokens offline against a single public key. It holds no
// mutable state and is safe for concurrent use.
type Verifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the clock read once per verification.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier for publicKey.
func NewVerifier(publicKey ed25519.PublicKey, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		publicKey: publicKey,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify decides the status of token for expectedProductID. The checks run
// in a fixed order: structure, signature, product, then expiry. Fields of a
// payload are never inspected before its signature is known to be good.
func (v *Verifier) Verify(token Token, expectedProductID string) Verification {
	return v.VerifyAt(token, expectedProductID, v.now())
}

// VerifyAt is Verify with an explicit evaluation time.
func (v *Verifier) VerifyAt(token Token, expectedProductID string, now time.Time) Verification {
	payloadBytes, signature, err := Decode(token)
	if err != nil {
		return Verification{Outcome: OutcomeMalformed}
	}

	if len(v.publicKey) != ed25519.PublicKeySize || !ed25519.Verify(v.publicKey, payloadBytes, signature) {
		return Verification{Outcome: OutcomeInvalidSignature}
	}

	// Only the issuer can produce signed bytes, so a parse failure here
	// means the issuer itself emitted a bad payload.
	payload, err := ParsePayload(payloadBytes)
	if err != nil {
		return Verification{Outcome: OutcomeMalformed}
	}

	if payload.ProductID != expectedProductID {
		return Verification{Outcome: OutcomeWrongProduct}
	}

	if payload.ExpiredAt(now) {
		return Verification{Outcome: OutcomeExpired, Payload: &payload}
	}

	return Verification{Outcome: OutcomeValid, Payload: &payload}
}
