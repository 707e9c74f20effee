// Package entitlement keeps a client's license decision usable offline.
// A verified token is persisted locally, re-verified on every status
// query, and periodically confirmed with the issuer. Without a recent
// confirmation the license degrades through a warning band to expiry.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"licensegate/internal/license"
)

// ErrNoEntitlement means nothing has been activated.
var ErrNoEntitlement = errors.New("no license activated")

// Default grace policy.
const (
	DefaultGraceWindow    = 7 * 24 * time.Hour
	DefaultGraceWarning   = 24 * time.Hour
	DefaultRecheckTimeout = 5 * time.Second
)

// State is the effective entitlement state shown to gated features.
type State int

const (
	StateUnset State = iota
	StateVerifying
	StateValid
	StateGrace
	StateExpired
	StateInvalid
)

var stateNames = map[State]string{
	StateUnset:     "unset",
	StateVerifying: "verifying",
	StateValid:     "valid",
	StateGrace:     "grace",
	StateExpired:   "expired",
	StateInvalid:   "invalid",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entitled reports whether gated features should be unlocked.
func (s State) Entitled() bool {
	return s == StateValid || s == StateGrace
}

// Status is a snapshot of the entitlement.
type Status struct {
	State           State            `json:"state"`
	Outcome         license.Outcome  `json:"outcome"`
	Payload         *license.Payload `json:"payload,omitempty"`
	ActivatedAt     time.Time        `json:"activatedAt,omitzero"`
	VerifiedAt      time.Time        `json:"verifiedAt,omitzero"`
	LastOnlineCheck time.Time        `json:"lastOnlineCheck,omitzero"`
	// GraceRemaining is the time left before the license needs an online
	// check. It is zero outside Valid and Grace.
	GraceRemaining time.Duration `json:"graceRemaining"`
	Reason         string        `json:"reason,omitempty"`
	// Offline is set when the last re-check could not reach the issuer.
	Offline bool `json:"offline"`
}

// Policy is the offline grace policy.
type Policy struct {
	// Window is how long a license stays usable without an online check.
	Window time.Duration
	// Warning is the tail of the window reported as Grace.
	Warning time.Duration
}

// DefaultPolicy returns the 7 day window with a 1 day warning band.
func DefaultPolicy() Policy {
	return Policy{Window: DefaultGraceWindow, Warning: DefaultGraceWarning}
}

// Evaluate maps the age of the last online check to a state for an
// otherwise valid license.
func (p Policy) Evaluate(lastOnline, now time.Time) (State, time.Duration) {
	age := now.Sub(lastOnline)
	if age < 0 {
		age = 0
	}
	remaining := p.Window - age
	switch {
	case age > p.Window:
		return StateExpired, 0
	case age > p.Window-p.Warning:
		return StateGrace, remaining
	default:
		return StateValid, remaining
	}
}

// Cache is the client-side entitlement cache. It is safe for concurrent
// use.
type Cache struct {
	verifier  *license.Verifier
	productID string
	store     Store
	rechecker Rechecker
	policy    Policy
	timeout   time.Duration
	now       func() time.Time
	metrics   *license.LicenseMetrics
	log       *license.ActionLogger

	mu        sync.RWMutex
	record    *Record
	offline   bool
	verifying bool
	// generation changes on every activate, load and deactivate. A
	// re-check only writes back if it is unchanged.
	generation uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithRechecker enables online re-checks.
func WithRechecker(r Rechecker) CacheOption {
	return func(c *Cache) {
		c.rechecker = r
	}
}

// WithPolicy overrides the grace policy.
func WithPolicy(p Policy) CacheOption {
	return func(c *Cache) {
		c.policy = p
	}
}

// WithRecheckTimeout bounds each online re-check.
func WithRecheckTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.timeout = d
	}
}

// WithCacheClock overrides the clock.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithCacheMetrics attaches re-check metrics.
func WithCacheMetrics(m *license.LicenseMetrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.log = license.NewActionLogger(logger, "entitlement_cache")
	}
}

// NewCache creates a cache that verifies tokens for productID.
func NewCache(verifier *license.Verifier, productID string, store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		verifier:  verifier,
		productID: productID,
		store:     store,
		policy:    DefaultPolicy(),
		timeout:   DefaultRecheckTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = license.NewActionLogger(nil, "entitlement_cache")
	}
	return c
}

// Load reads the persisted record and verifies it offline.
func (c *Cache) Load(ctx context.Context) (Status, error) {
	rec, err := c.store.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load entitlement: %w", err)
	}

	c.mu.Lock()
	c.record = rec
	c.offline = false
	c.generation++
	status := c.derive(c.now())
	c.mu.Unlock()

	c.log.Info(ctx, "load", "Entitlement loaded",
		slog.String("state", status.State.String()),
		slog.String("outcome", status.Outcome.String()),
	)
	return status, nil
}

// Activate verifies token offline, confirms it online when possible and
// persists it. A token that is not valid leaves the cache unchanged.
func (c *Cache) Activate(ctx context.Context, token license.Token) (Status, error) {
	token = license.Token(strings.TrimSpace(token.String()))
	now := c.now()

	offline := c.verifier.VerifyAt(token, c.productID, now)
	if !offline.Valid() {
		c.log.Warn(ctx, "activate", "Activation rejected",
			slog.String("outcome", offline.Outcome.String()),
			slog.String("token_fingerprint", license.TokenFingerprint(token)),
		)
		return rejectedStatus(offline), fmt.Errorf("activate: %w", offline.Outcome.Err())
	}

	c.setVerifying(true)
	defer c.setVerifying(false)

	rec := Record{
		Token:       token,
		Outcome:     license.OutcomeValid,
		ActivatedAt: now,
		VerifiedAt:  now,
	}

	isOffline := false
	if c.rechecker != nil {
		online, err := c.recheck(ctx, token)
		switch {
		case errors.Is(err, ErrNetworkUnavailable):
			isOffline = true
		case err != nil:
			c.setVerifying(false)
			return c.Status(ctx), fmt.Errorf("activate: %w", err)
		case online.Outcome != license.OutcomeValid:
			return rejectedStatus(online), fmt.Errorf("activate: issuer reported %s: %w", online.Outcome, online.Outcome.Err())
		default:
			rec.LastOnlineCheck = c.now()
		}
	}

	c.mu.Lock()
	if err := c.store.Save(ctx, rec); err != nil {
		c.mu.Unlock()
		return Status{}, fmt.Errorf("activate: %w", err)
	}
	c.record = &rec
	c.offline = isOffline
	c.generation++
	status := c.derive(c.now())
	c.mu.Unlock()

	c.log.Info(ctx, "activate", "License activated",
		slog.String("identity", license.MaskEmail(offline.Payload.SubjectIdentity)),
		slog.String("plan", offline.Payload.Plan),
		slog.Bool("offline", isOffline),
	)
	return status, nil
}

// Recheck confirms the persisted token with the issuer. When the issuer
// is unreachable the offline decision stands and Status.Offline is set.
func (c *Cache) Recheck(ctx context.Context) (Status, error) {
	c.mu.RLock()
	current := c.record
	generation := c.generation
	c.mu.RUnlock()
	if current == nil {
		return Status{State: StateUnset}, ErrNoEntitlement
	}
	if c.rechecker == nil {
		return c.Status(ctx), fmt.Errorf("recheck: %w: no issuer configured", ErrNetworkUnavailable)
	}

	online, err := c.recheck(ctx, current.Token)
	if err != nil {
		c.mu.Lock()
		if c.generation != generation {
			status := c.derive(c.now())
			c.mu.Unlock()
			c.log.Debug(ctx, "recheck", "Entitlement changed during re-check, answer dropped")
			return status, nil
		}
		c.offline = errors.Is(err, ErrNetworkUnavailable)
		status := c.derive(c.now())
		c.mu.Unlock()

		if status.Offline {
			c.log.Warn(ctx, "recheck", "License server unreachable, using offline decision",
				slog.String("state", status.State.String()),
				slog.Duration("grace_remaining", status.GraceRemaining),
			)
			return status, nil
		}
		return status, fmt.Errorf("recheck: %w", err)
	}

	now := c.now()
	rec := *current
	rec.VerifiedAt = now
	rec.Outcome = online.Outcome
	if online.Outcome == license.OutcomeValid {
		rec.LastOnlineCheck = now
	}

	c.mu.Lock()
	if c.generation != generation {
		status := c.derive(now)
		c.mu.Unlock()
		c.log.Debug(ctx, "recheck", "Entitlement changed during re-check, answer dropped")
		return status, nil
	}
	if err := c.store.Save(ctx, rec); err != nil {
		status := c.derive(now)
		c.mu.Unlock()
		return status, fmt.Errorf("recheck: %w", err)
	}
	c.record = &rec
	c.offline = false
	status := c.derive(now)
	c.mu.Unlock()

	c.log.Info(ctx, "recheck", "License re-checked online",
		slog.String("outcome", online.Outcome.String()),
		slog.String("state", status.State.String()),
	)
	return status, nil
}

// Status returns the current effective state. It reads the clock and
// re-verifies the stored token on every call; it never touches the
// network.
func (c *Cache) Status(ctx context.Context) Status {
	c.mu.RLock()
	status := c.derive(c.now())
	c.mu.RUnlock()

	if status.State == StateGrace {
		c.log.Debug(ctx, "status", "License in grace period",
			slog.Duration("grace_remaining", status.GraceRemaining),
		)
	}
	return status
}

// Deactivate forgets the license.
func (c *Cache) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	if err := c.store.Delete(ctx); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("deactivate: %w", err)
	}
	c.record = nil
	c.offline = false
	c.generation++
	c.mu.Unlock()

	c.log.Info(ctx, "deactivate", "License deactivated")
	return nil
}

func (c *Cache) recheck(ctx context.Context, token license.Token) (license.Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	v, err := c.rechecker.Recheck(ctx, token)
	switch {
	case errors.Is(err, ErrNetworkUnavailable):
		c.metrics.RecordRecheck(ctx, "unreachable")
	case err != nil:
		c.metrics.RecordRecheck(ctx, "error")
	default:
		c.metrics.RecordRecheck(ctx, v.Outcome.String())
	}
	return v, err
}

func (c *Cache) setVerifying(v bool) {
	c.mu.Lock()
	c.verifying = v
	c.mu.Unlock()
}

// derive computes the effective status. Callers hold c.mu.
func (c *Cache) derive(now time.Time) Status {
	rec := c.record
	if rec == nil {
		if c.verifying {
			return Status{State: StateVerifying}
		}
		return Status{State: StateUnset}
	}

	v := c.verifier.VerifyAt(rec.Token, c.productID, now)
	status := Status{
		Outcome:         v.Outcome,
		Payload:         v.Payload,
		ActivatedAt:     rec.ActivatedAt,
		VerifiedAt:      rec.VerifiedAt,
		LastOnlineCheck: rec.LastOnlineCheck,
		Offline:         c.offline,
	}

	// A definitive negative answer from the issuer outranks the local
	// signature check.
	if v.Outcome == license.OutcomeValid && rec.Outcome != license.OutcomeValid {
		status.Outcome = rec.Outcome
		status.Reason = "issuer reported " + rec.Outcome.String()
	}

	switch status.Outcome {
	case license.OutcomeValid:
	case license.OutcomeExpired:
		status.State = StateExpired
		if status.Reason == "" {
			status.Reason = "license expired"
		}
		return status
	default:
		status.State = StateInvalid
		if status.Reason == "" {
			status.Reason = status.Outcome.String()
		}
		return status
	}

	base := rec.LastOnlineCheck
	if base.IsZero() {
		base = rec.ActivatedAt
	}
	status.State, status.GraceRemaining = c.policy.Evaluate(base, now)
	switch status.State {
	case StateExpired:
		status.Reason = "grace window elapsed"
	case StateGrace:
		status.Reason = "online check required soon"
	}
	return status
}

func rejectedStatus(v license.Verification) Status {
	status := Status{Outcome: v.Outcome, Payload: v.Payload, Reason: v.Outcome.String()}
	if v.Outcome == license.OutcomeExpired {
		status.State = StateExpired
	} else {
		status.State = StateInvalid
	}
	return status
}
