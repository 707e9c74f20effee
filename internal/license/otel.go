package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license"
	MeterName  = "license"
)

// LicenseMetrics holds the license-specific OpenTelemetry instruments.
// A nil *LicenseMetrics is valid and records nothing.
type LicenseMetrics struct {
	// Issuance metrics
	IssuedTotal   metric.Int64Counter
	IssueFailures metric.Int64Counter
	IssueDuration metric.Float64Histogram

	// Verification metrics
	VerificationsTotal metric.Int64Counter

	// Purchase webhook metrics
	PurchaseEvents metric.Int64Counter

	// Client re-check metrics
	RechecksTotal metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.IssuedTotal, err = meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("Total number of license tokens issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issued counter: %w", err)
	}

	metrics.IssueFailures, err = meter.Int64Counter(
		"license_issue_failures_total",
		metric.WithDescription("Total number of failed license issuances"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue failures counter: %w", err)
	}

	metrics.IssueDuration, err = meter.Float64Histogram(
		"license_issue_duration_seconds",
		metric.WithDescription("License issuance duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue duration histogram: %w", err)
	}

	metrics.VerificationsTotal, err = meter.Int64Counter(
		"license_verifications_total",
		metric.WithDescription("Total number of license verifications by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications counter: %w", err)
	}

	metrics.PurchaseEvents, err = meter.Int64Counter(
		"license_purchase_events_total",
		metric.WithDescription("Total number of purchase notifications by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create purchase events counter: %w", err)
	}

	metrics.RechecksTotal, err = meter.Int64Counter(
		"license_rechecks_total",
		metric.WithDescription("Total number of online license re-checks by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rechecks counter: %w", err)
	}

	return metrics, nil
}

// RecordIssue records one issuance attempt.
func (m *LicenseMetrics) RecordIssue(ctx context.Context, plan string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("plan", plan))
	if err != nil {
		m.IssueFailures.Add(ctx, 1, attrs)
	} else {
		m.IssuedTotal.Add(ctx, 1, attrs)
	}
	m.IssueDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordVerification records one verification outcome.
func (m *LicenseMetrics) RecordVerification(ctx context.Context, outcome Outcome) {
	if m == nil {
		return
	}
	m.VerificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

// RecordPurchaseEvent records a webhook result: issued, duplicate or failed.
func (m *LicenseMetrics) RecordPurchaseEvent(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.PurchaseEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRecheck records an online re-check result.
func (m *LicenseMetrics) RecordRecheck(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.RechecksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
