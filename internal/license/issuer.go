package license

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Issuer signs license payloads. It keeps no record of what it issued.
type Issuer struct {
	privateKey ed25519.PrivateKey
	now        func() time.Time
	metrics    *LicenseMetrics
	log        *ActionLogger
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the issuance clock.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithMetrics attaches OpenTelemetry instruments.
func WithMetrics(m *LicenseMetrics) IssuerOption {
	return func(i *Issuer) {
		i.metrics = m
	}
}

// WithLogger sets the logger used for issuance logs.
func WithLogger(logger *slog.Logger) IssuerOption {
	return func(i *Issuer) {
		i.log = NewActionLogger(logger, "license_issuer")
	}
}

// NewIssuer creates an issuer around privateKey. The key must come from a
// KeyManager; an invalid key is a configuration error.
func NewIssuer(privateKey ed25519.PrivateKey, opts ...IssuerOption) (*Issuer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key has %d bytes", ErrConfig, len(privateKey))
	}
	i := &Issuer{
		privateKey: privateKey,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = NewActionLogger(nil, "license_issuer")
	}
	return i, nil
}

// PublicKey returns the verification key matching the signing key.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.privateKey.Public().(ed25519.PublicKey)
}

// Issue builds and signs a payload. A nil ttl produces a license that
// never expires. The returned token decodes to exactly the given fields.
func (i *Issuer) Issue(ctx context.Context, identity, productID, plan string, ttl *time.Duration) (Token, Payload, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.issue",
		trace.WithAttributes(
			attribute.String("license.product_id", productID),
			attribute.String("license.plan", plan),
			attribute.Bool("license.expires", ttl != nil),
		),
	)
	defer span.End()

	start := time.Now()
	payload := NewPayload(identity, productID, plan, i.now(), ttl)

	token, err := i.Sign(payload)
	i.metrics.RecordIssue(ctx, plan, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.log.Error(ctx, "issue", "License issuance failed",
			slog.String("identity", MaskEmail(identity)),
			slog.String("error", err.Error()),
		)
		return "", Payload{}, err
	}

	attrs := []slog.Attr{
		slog.String("identity", MaskEmail(identity)),
		slog.String("product_id", productID),
		slog.String("plan", plan),
		slog.String("token_fingerprint", TokenFingerprint(token)),
	}
	if payload.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *payload.ExpiresAt))
	}
	i.log.Info(ctx, "issue", "License issued", attrs...)
	span.SetStatus(codes.Ok, "issued")

	return token, payload, nil
}

// Sign signs the canonical form of an already built payload.
func (i *Issuer) Sign(payload Payload) (tok Token, err error) {
	defer func() {
		// ed25519.Sign panics on malformed keys.
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrIssuance, r)
		}
	}()

	data := Canonical(payload)
	signature := ed25519.Sign(i.privateKey, data)
	return EncodeBytes(data, signature), nil
}
