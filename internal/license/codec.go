package license

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Delimiter separates the payload and signature segments. It is outside
// the base64url alphabet, so it never appears inside either segment.
const Delimiter = "."

// Strict decoding rejects non-zero trailing bits, so every token has
// exactly one textual form.
var segmentEncoding = base64.RawURLEncoding.Strict()

// Token is the wire form of a signed license. It is an immutable value.
type Token string

// String returns the token text.
func (t Token) String() string {
	return string(t)
}

// Encode attaches a signature to the canonical form of p.
func Encode(p Payload, signature []byte) Token {
	return EncodeBytes(Canonical(p), signature)
}

// EncodeBytes joins already-serialized payload bytes and a signature.
func EncodeBytes(payload, signature []byte) Token {
	return Token(segmentEncoding.EncodeToString(payload) + Delimiter + segmentEncoding.EncodeToString(signature))
}

// Decode splits a token into the payload bytes and signature. Every
// structural failure is reported as ErrMalformed.
func Decode(token Token) ([]byte, []byte, error) {
	raw := strings.TrimSpace(string(token))
	if raw == "" {
		return nil, nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	parts := strings.Split(raw, Delimiter)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: expected 2 segments, got %d", ErrMalformed, len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return nil, nil, fmt.Errorf("%w: empty segment", ErrMalformed)
	}

	payload, err := segmentEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload segment: %v", ErrMalformed, err)
	}
	signature, err := segmentEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature segment: %v", ErrMalformed, err)
	}
	return payload, signature, nil
}
