package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"licensegate/internal/license"
)

// ErrNetworkUnavailable means the issuer gave no definitive answer. Only a
// decoded /verify body naming a known outcome is definitive; transport
// failures, timeouts, non-200 statuses and unreadable bodies are not.
var ErrNetworkUnavailable = errors.New("license server unreachable")

// Rechecker asks the issuer to verify a token online.
type Rechecker interface {
	Recheck(ctx context.Context, token license.Token) (license.Verification, error)
}

type verifyRequest struct {
	Token     license.Token `json:"token"`
	ProductID string        `json:"productId,omitempty"`
}

type verifyResponse struct {
	Outcome *license.Outcome `json:"outcome"`
	Payload *license.Payload `json:"payload,omitempty"`
}

// HTTPRechecker calls POST <issuer>/verify.
type HTTPRechecker struct {
	endpoint   string
	productID  string
	client     *http.Client
	newBackOff func() backoff.BackOff
}

// NewHTTPRechecker creates a rechecker for the issuer at baseURL. A nil
// client uses http.DefaultClient; callers bound each call with ctx.
func NewHTTPRechecker(baseURL, productID string, client *http.Client) *HTTPRechecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRechecker{
		endpoint:  strings.TrimRight(baseURL, "/") + "/verify",
		productID: productID,
		client:    client,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Recheck returns the issuer's verdict. Retries stop when ctx ends; any
// failure that is not a definitive answer is ErrNetworkUnavailable.
func (r *HTTPRechecker) Recheck(ctx context.Context, token license.Token) (license.Verification, error) {
	ctx, span := otel.Tracer(license.TracerName).Start(ctx, "license.recheck",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", r.endpoint)),
	)
	defer span.End()

	body, err := json.Marshal(verifyRequest{Token: token, ProductID: r.productID})
	if err != nil {
		return license.Verification{}, fmt.Errorf("encode re-check request: %w", err)
	}

	op := func() (license.Verification, error) {
		return r.attempt(ctx, body)
	}
	v, err := backoff.RetryWithData(op, backoff.WithContext(r.newBackOff(), ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrNetworkUnavailable) && isTransient(err) {
			err = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		return license.Verification{}, err
	}

	span.SetAttributes(attribute.String("license.outcome", v.Outcome.String()))
	return v, nil
}

func (r *HTTPRechecker) attempt(ctx context.Context, body []byte) (license.Verification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return license.Verification{}, backoff.Permanent(fmt.Errorf("build re-check request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return license.Verification{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return license.Verification{}, fmt.Errorf("%w: read response: %v", ErrNetworkUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return license.Verification{}, fmt.Errorf("%w: issuer returned %d", ErrNetworkUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return license.Verification{}, backoff.Permanent(
			fmt.Errorf("%w: issuer returned %d", ErrNetworkUnavailable, resp.StatusCode))
	}

	var body verifyResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return license.Verification{}, backoff.Permanent(
			fmt.Errorf("%w: decode re-check response: %v", ErrNetworkUnavailable, err))
	}
	if body.Outcome == nil {
		return license.Verification{}, backoff.Permanent(
			fmt.Errorf("%w: re-check response has no outcome", ErrNetworkUnavailable))
	}
	return license.Verification{Outcome: *body.Outcome, Payload: body.Payload}, nil
}

// isTransient reports whether err is a cancellation or deadline, which
// the retry loop returns in place of the last attempt's error.
func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
