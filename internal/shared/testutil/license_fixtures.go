package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
)

// DefaultProductID is the product used by fixtures unless overridden
const DefaultProductID = "localendar-mvp"

// LicenseFixture holds a fresh signing key with its issuer and verifier
type LicenseFixture struct {
	KeyPair   license.KeyPair
	Issuer    *license.Issuer
	Verifier  *license.Verifier
	ProductID string
}

// NewLicenseFixture generates a key pair for one test
func NewLicenseFixture(t *testing.T, opts ...license.IssuerOption) *LicenseFixture {
	t.Helper()

	kp, err := license.Generate()
	require.NoError(t, err)

	opts = append([]license.IssuerOption{license.WithLogger(QuietLogger())}, opts...)
	issuer, err := license.NewIssuer(kp.Private, opts...)
	require.NoError(t, err)

	return &LicenseFixture{
		KeyPair:   kp,
		Issuer:    issuer,
		Verifier:  license.NewVerifier(kp.Public),
		ProductID: DefaultProductID,
	}
}

// Issue signs a license for the fixture product. A nil ttl never expires.
func (f *LicenseFixture) Issue(t *testing.T, identity, plan string, ttl *time.Duration) license.Token {
	t.Helper()
	token, _, err := f.Issuer.Issue(context.Background(), identity, f.ProductID, plan, ttl)
	require.NoError(t, err)
	return token
}

// IssueAt signs a license as if issued at issuedAt
func (f *LicenseFixture) IssueAt(t *testing.T, issuedAt time.Time, productID string, ttl *time.Duration) license.Token {
	t.Helper()
	token, err := f.Issuer.Sign(license.NewPayload("buyer@example.com", productID, "pro", issuedAt, ttl))
	require.NoError(t, err)
	return token
}

// Foreign returns a token for the fixture product signed by an unrelated key
func (f *LicenseFixture) Foreign(t *testing.T) license.Token {
	t.Helper()
	return NewLicenseFixture(t).Issue(t, "buyer@example.com", "pro", nil)
}

// Days returns a ttl of n days
func Days(n int) *time.Duration {
	d := time.Duration(n) * 24 * time.Hour
	return &d
}
