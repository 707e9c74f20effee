package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the set of entitlement facts covered by a token signature.
type Payload struct {
	SubjectIdentity string
	ProductID       string
	Plan            string
	IssuedAt        time.Time
	// ExpiresAt is nil for licenses that never expire.
	ExpiresAt *time.Time
}

// wirePayload fixes the JSON field order. Changing it breaks every token
// already in circulation.
type wirePayload struct {
	SubjectIdentity string  `json:"subjectIdentity"`
	ProductID       string  `json:"productId"`
	Plan            string  `json:"plan"`
	IssuedAt        string  `json:"issuedAt"`
	ExpiresAt       *string `json:"expiresAt"`
}

// NewPayload builds a payload issued at now. A nil ttl yields a
// non-expiring payload.
func NewPayload(identity, productID, plan string, now time.Time, ttl *time.Duration) Payload {
	p := Payload{
		SubjectIdentity: identity,
		ProductID:       productID,
		Plan:            plan,
		IssuedAt:        normalizeTime(now),
	}
	if ttl != nil {
		exp := normalizeTime(now.Add(*ttl))
		p.ExpiresAt = &exp
	}
	return p
}

// Canonical returns the exact bytes that get signed. Equal field values
// always produce equal bytes.
func Canonical(p Payload) []byte {
	w := wirePayload{
		SubjectIdentity: p.SubjectIdentity,
		ProductID:       p.ProductID,
		Plan:            p.Plan,
		IssuedAt:        formatTime(p.IssuedAt),
	}
	if p.ExpiresAt != nil {
		s := formatTime(*p.ExpiresAt)
		w.ExpiresAt = &s
	}

	// Marshalling a struct of strings cannot fail.
	data, _ := json.Marshal(w)
	return data
}

// ParsePayload decodes canonical payload bytes. Unknown fields, bad
// timestamps and any non-canonical encoding are rejected with ErrMalformed.
func ParsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return Payload{}, fmt.Errorf("%w: payload json: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data after payload", ErrMalformed)
	}

	issuedAt, err := time.Parse(time.RFC3339, w.IssuedAt)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: issuedAt: %v", ErrMalformed, err)
	}

	p := Payload{
		SubjectIdentity: w.SubjectIdentity,
		ProductID:       w.ProductID,
		Plan:            w.Plan,
		IssuedAt:        issuedAt.UTC(),
	}
	if w.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *w.ExpiresAt)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: expiresAt: %v", ErrMalformed, err)
		}
		exp = exp.UTC()
		p.ExpiresAt = &exp
	}

	if !bytes.Equal(Canonical(p), data) {
		return Payload{}, fmt.Errorf("%w: payload is not canonically encoded", ErrMalformed)
	}
	return p, nil
}

// NeverExpires reports whether the payload has no expiry.
func (p Payload) NeverExpires() bool {
	return p.ExpiresAt == nil
}

// ExpiredAt reports whether the payload is expired at now. The boundary is
// inclusive: a payload expiring at T is expired at T.
func (p Payload) ExpiredAt(now time.Time) bool {
	if p.ExpiresAt == nil {
		return false
	}
	return !now.Before(*p.ExpiresAt)
}

// MarshalJSON renders the payload in its canonical wire shape.
func (p Payload) MarshalJSON() ([]byte, error) {
	return Canonical(p), nil
}

// UnmarshalJSON accepts the wire shape. It is lenient about formatting so
// API clients can post payloads back; signature checks never go through it.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	issuedAt, err := time.Parse(time.RFC3339, w.IssuedAt)
	if err != nil {
		return fmt.Errorf("issuedAt: %w", err)
	}
	out := Payload{
		SubjectIdentity: w.SubjectIdentity,
		ProductID:       w.ProductID,
		Plan:            w.Plan,
		IssuedAt:        issuedAt.UTC(),
	}
	if w.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *w.ExpiresAt)
		if err != nil {
			return fmt.Errorf("expiresAt: %w", err)
		}
		exp = exp.UTC()
		out.ExpiresAt = &exp
	}
	*p = out
	return nil
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func formatTime(t time.Time) string {
	return normalizeTime(t).Format(time.RFC3339)
}
