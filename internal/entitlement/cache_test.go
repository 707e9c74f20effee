package entitlement

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"licensegate/internal/license"
	"licensegate/internal/shared/testutil"
)

const (
	testProduct = "localendar-mvp"
	day         = 24 * time.Hour
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return testutil.QuietLogger()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubRechecker answers re-checks from a function.
type stubRechecker struct {
	mu    sync.Mutex
	fn    func(license.Token) (license.Verification, error)
	calls int
}

func (s *stubRechecker) Recheck(_ context.Context, token license.Token) (license.Verification, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	return fn(token)
}

func (s *stubRechecker) answer(fn func(license.Token) (license.Verification, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func onlineOutcome(o license.Outcome) func(license.Token) (license.Verification, error) {
	return func(license.Token) (license.Verification, error) {
		return license.Verification{Outcome: o}, nil
	}
}

func offlineIssuer(license.Token) (license.Verification, error) {
	return license.Verification{}, ErrNetworkUnavailable
}

type fixture struct {
	clock     *testClock
	issuer    *license.Issuer
	verifier  *license.Verifier
	store     *FileStore
	rechecker *stubRechecker
	cache     *Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := license.Generate()
	require.NoError(t, err)

	clock := &testClock{t: t0}
	issuer, err := license.NewIssuer(kp.Private, license.WithClock(clock.Now), license.WithLogger(quietLogger()))
	require.NoError(t, err)

	store, err := NewFileStore(filepath.Join(t.TempDir(), "entitlement.json"), kp.Public, testProduct, quietLogger())
	require.NoError(t, err)

	f := &fixture{
		clock:     clock,
		issuer:    issuer,
		verifier:  license.NewVerifier(kp.Public),
		store:     store,
		rechecker: &stubRechecker{fn: onlineOutcome(license.OutcomeValid)},
	}
	f.cache = f.newCache()
	return f
}

func (f *fixture) newCache() *Cache {
	return NewCache(f.verifier, testProduct, f.store,
		WithRechecker(f.rechecker),
		WithCacheClock(f.clock.Now),
		WithCacheLogger(quietLogger()),
	)
}

func (f *fixture) token(t *testing.T, productID string, ttl *time.Duration) license.Token {
	t.Helper()
	tok, _, err := f.issuer.Issue(context.Background(), "user@example.com", productID, "pro", ttl)
	require.NoError(t, err)
	return tok
}

func TestPolicy_Evaluate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name          string
		age           time.Duration
		want          State
		wantRemaining time.Duration
	}{
		{"just checked", 0, StateValid, 7 * day},
		{"clock moved backwards", -time.Hour, StateValid, 7 * day},
		{"six days", 6 * day, StateValid, day},
		{"inside warning band", 6*day + time.Hour, StateGrace, 23 * time.Hour},
		{"window edge", 7 * day, StateGrace, 0},
		{"one second past window", 7*day + time.Second, StateExpired, 0},
		{"eight days", 8 * day, StateExpired, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, remaining := p.Evaluate(t0, t0.Add(tt.age))
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.wantRemaining, remaining)
		})
	}
}

func TestCache_ActivateOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)
	assert.Equal(t, StateValid, status.State)
	assert.Equal(t, license.OutcomeValid, status.Outcome)
	assert.False(t, status.Offline)
	assert.Equal(t, t0, status.LastOnlineCheck)
	require.NotNil(t, status.Payload)
	assert.Equal(t, "pro", status.Payload.Plan)
	assert.True(t, status.State.Entitled())

	tests := []struct {
		advance time.Duration
		want    State
		reason  string
	}{
		{6 * day, StateValid, ""},
		{12 * time.Hour, StateGrace, "online check required soon"},
		{36 * time.Hour, StateExpired, "grace window elapsed"},
	}
	for _, tt := range tests {
		f.clock.Advance(tt.advance)
		status := f.cache.Status(ctx)
		assert.Equal(t, tt.want, status.State, "after %s", f.clock.Now().Sub(t0))
		assert.Equal(t, tt.reason, status.Reason)
	}
	assert.False(t, f.cache.Status(ctx).State.Entitled())
}

func TestCache_ActivateOfflineUsesActivationTime(t *testing.T) {
	f := newFixture(t)
	f.rechecker.answer(offlineIssuer)
	ctx := context.Background()

	status, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)
	assert.Equal(t, StateValid, status.State)
	assert.True(t, status.Offline)
	assert.True(t, status.LastOnlineCheck.IsZero())
	assert.Equal(t, t0, status.ActivatedAt)

	f.clock.Advance(6 * day)
	assert.Equal(t, StateValid, f.cache.Status(ctx).State)

	f.clock.Advance(2 * day)
	assert.Equal(t, StateExpired, f.cache.Status(ctx).State)
}

func TestCache_RecheckRestoresValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)

	f.clock.Advance(6*day + 12*time.Hour)
	assert.Equal(t, StateGrace, f.cache.Status(ctx).State)

	status, err := f.cache.Recheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateValid, status.State)
	assert.Equal(t, f.clock.Now(), status.LastOnlineCheck)
	assert.Equal(t, 7*day, status.GraceRemaining)
}

func TestCache_RecheckOfflineFallsBackToGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)

	f.rechecker.answer(offlineIssuer)
	f.clock.Advance(6*day + 12*time.Hour)

	status, err := f.cache.Recheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateGrace, status.State)
	assert.True(t, status.Offline)
	assert.Equal(t, t0, status.LastOnlineCheck)

	f.clock.Advance(day)
	status, err = f.cache.Recheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, status.State)
}

func TestCache_IssuerVerdictOverridesLocalCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)

	f.rechecker.answer(onlineOutcome(license.OutcomeExpired))
	status, err := f.cache.Recheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, status.State)
	assert.Equal(t, license.OutcomeExpired, status.Outcome)

	reloaded := f.newCache()
	status, err = reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, status.State, "the verdict is persisted")
}

func TestCache_GraceNeverRescuesExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ttl := day

	_, err := f.cache.Activate(ctx, f.token(t, testProduct, &ttl))
	require.NoError(t, err)

	f.clock.Advance(day)
	status := f.cache.Status(ctx)
	assert.Equal(t, StateExpired, status.State)
	assert.Equal(t, license.OutcomeExpired, status.Outcome)
	assert.Equal(t, "license expired", status.Reason)
	assert.NotNil(t, status.Payload)
}

func TestCache_ActivateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiredTTL := time.Duration(0)

	good := f.token(t, testProduct, nil)
	tampered := license.Token("x" + string(good)[1:])

	tests := []struct {
		name      string
		token     license.Token
		wantState State
		wantErr   error
	}{
		{"garbage", "not-a-token", StateInvalid, license.ErrMalformed},
		{"tampered", tampered, StateInvalid, nil},
		{"wrong product", f.token(t, "other-product", nil), StateInvalid, license.ErrWrongProduct},
		{"already expired", f.token(t, testProduct, &expiredTTL), StateExpired, license.ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := f.cache.Activate(ctx, tt.token)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantState, status.State)
			assert.Equal(t, StateUnset, f.cache.Status(ctx).State)
		})
	}
	assert.Equal(t, 0, f.rechecker.calls, "invalid tokens never reach the issuer")
}

func TestCache_ActivateRejectedByIssuer(t *testing.T) {
	f := newFixture(t)
	f.rechecker.answer(onlineOutcome(license.OutcomeExpired))
	ctx := context.Background()

	status, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	assert.ErrorIs(t, err, license.ErrExpired)
	assert.Equal(t, StateExpired, status.State)

	loaded, err := f.newCache().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnset, loaded.State, "nothing was persisted")
}

func TestCache_LoadAndDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnset, status.State)

	_, err = f.cache.Recheck(ctx)
	assert.ErrorIs(t, err, ErrNoEntitlement)

	_, err = f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)

	other := f.newCache()
	status, err = other.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateValid, status.State)
	assert.Equal(t, t0, status.ActivatedAt)

	require.NoError(t, other.Deactivate(ctx))
	assert.Equal(t, StateUnset, other.Status(ctx).State)

	status, err = f.newCache().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnset, status.State)
}

func TestCache_WithoutRechecker(t *testing.T) {
	f := newFixture(t)
	cache := NewCache(f.verifier, testProduct, f.store, WithCacheClock(f.clock.Now), WithCacheLogger(quietLogger()))
	ctx := context.Background()

	status, err := cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)
	assert.Equal(t, StateValid, status.State)

	_, err = cache.Recheck(ctx)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestCache_ConcurrentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			if i%5 == 0 {
				_, err := f.cache.Recheck(ctx)
				return err
			}
			if s := f.cache.Status(ctx); s.State != StateValid {
				t.Errorf("unexpected state %s", s.State)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestCache_LogsNoSecrets(t *testing.T) {
	f := newFixture(t)
	logger, logs := testutil.NewTestLogger(t)
	cache := NewCache(f.verifier, testProduct, f.store,
		WithRechecker(f.rechecker),
		WithCacheClock(f.clock.Now),
		WithCacheLogger(logger),
	)
	ctx := context.Background()

	token := f.token(t, testProduct, nil)
	_, err := cache.Activate(ctx, token)
	require.NoError(t, err)
	f.rechecker.answer(offlineIssuer)
	_, err = cache.Recheck(ctx)
	require.NoError(t, err)

	testutil.AssertLogContains(t, logs, slog.LevelInfo, "License activated")
	testutil.AssertLogContains(t, logs, slog.LevelWarn, "unreachable")
	assert.True(t, logs.ContainsAttr("identity", "u****r@example.com"))
	testutil.AssertNotLogged(t, logs, token.String())
	testutil.AssertNotLogged(t, logs, "user@example.com")
}

func TestCache_DeactivateDuringRecheck(t *testing.T) {
	for _, tt := range []struct {
		name   string
		answer func() (license.Verification, error)
	}{
		{"issuer answers", func() (license.Verification, error) {
			return license.Verification{Outcome: license.OutcomeValid}, nil
		}},
		{"issuer unreachable", func() (license.Verification, error) {
			return license.Verification{}, ErrNetworkUnavailable
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
			require.NoError(t, err)

			entered := make(chan struct{})
			release := make(chan struct{})
			f.rechecker.answer(func(license.Token) (license.Verification, error) {
				close(entered)
				<-release
				return tt.answer()
			})

			done := make(chan Status)
			go func() {
				status, err := f.cache.Recheck(ctx)
				assert.NoError(t, err)
				done <- status
			}()

			<-entered
			require.NoError(t, f.cache.Deactivate(ctx))
			close(release)

			status := <-done
			assert.Equal(t, StateUnset, status.State)
			assert.Equal(t, StateUnset, f.cache.Status(ctx).State)

			rec, err := f.store.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, rec, "deactivated record stays deleted")
		})
	}
}

func TestCache_ReactivateDuringRecheckKeepsNewToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Activate(ctx, f.token(t, testProduct, nil))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.rechecker.answer(func(license.Token) (license.Verification, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return license.Verification{Outcome: license.OutcomeValid}, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.cache.Recheck(ctx)
		assert.NoError(t, err)
	}()

	<-entered
	f.clock.Advance(time.Hour)
	replacement := f.token(t, testProduct, testutil.Days(90))
	_, err = f.cache.Activate(ctx, replacement)
	require.NoError(t, err)
	close(release)
	<-done

	rec, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, replacement, rec.Token)
}

func TestCache_RejectedActivateKeepsExistingLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.token(t, testProduct, nil)
	_, err := f.cache.Activate(ctx, good)
	require.NoError(t, err)

	_, err = f.cache.Activate(ctx, f.token(t, "other-product", nil))
	assert.ErrorIs(t, err, license.ErrWrongProduct)

	f.rechecker.answer(onlineOutcome(license.OutcomeExpired))
	_, err = f.cache.Activate(ctx, f.token(t, testProduct, testutil.Days(30)))
	assert.ErrorIs(t, err, license.ErrExpired)

	assert.Equal(t, StateValid, f.cache.Status(ctx).State)
	rec, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, good, rec.Token)
}
