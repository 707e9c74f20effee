package entitlement

import (
	"fmt"
	"strings"
	"time"

	"licensegate/internal/license"
)

// Build-time client constants, set with
//
//	-ldflags "-X licensegate/internal/entitlement.issuerURL=<url>
//	          -X licensegate/internal/entitlement.graceWindow=168h
//	          -X licensegate/internal/entitlement.graceWarning=24h"
//
// Like the public key they are not read from config or the environment.
var (
	issuerURL    = "http://localhost:3001"
	graceWindow  = "168h"
	graceWarning = "24h"
)

// EmbeddedIssuerURL returns the issuer base URL compiled into this binary.
func EmbeddedIssuerURL() string {
	return strings.TrimSpace(issuerURL)
}

// EmbeddedPolicy returns the grace policy compiled into this binary.
func EmbeddedPolicy() (Policy, error) {
	window, err := time.ParseDuration(graceWindow)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: embedded grace window: %v", license.ErrConfig, err)
	}
	warning, err := time.ParseDuration(graceWarning)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: embedded grace warning: %v", license.ErrConfig, err)
	}
	if window <= 0 || warning < 0 || warning >= window {
		return Policy{}, fmt.Errorf("%w: embedded grace warning %s must lie within window %s",
			license.ErrConfig, warning, window)
	}
	return Policy{Window: window, Warning: warning}, nil
}
