package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/entitlement"
	"licensegate/internal/license"
)

const testProduct = "localendar-mvp"

type cliEnv struct {
	kp         license.KeyPair
	configFile string
	cachePath  string
}

// setup embeds a fresh key pair and the issuer url, and writes a config
func setup(t *testing.T, issuer string) *cliEnv {
	t.Helper()

	kp, err := license.Generate()
	require.NoError(t, err)

	origKey, origProduct, origIssuer := publicKey, productID, issuerURL
	publicKey = func() (ed25519.PublicKey, error) { return kp.Public, nil }
	productID = func() string { return testProduct }
	issuerURL = func() string { return issuer }
	t.Cleanup(func() { publicKey, productID, issuerURL = origKey, origProduct, origIssuer })

	dir := t.TempDir()
	env := &cliEnv{
		kp:         kp,
		configFile: filepath.Join(dir, "config.yaml"),
		cachePath:  filepath.Join(dir, "cache", "entitlement.json"),
	}

	yaml := fmt.Sprintf(`issuer:
  product_id: %s
  private_key: %s
  default_plan: pro
  default_ttl_days: 30
client:
  cache_path: %s
  recheck_timeout: 300ms
`, testProduct, kp.SeedString(), env.cachePath)
	require.NoError(t, os.WriteFile(env.configFile, []byte(yaml), 0o600))
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(append([]string{"--config", e.configFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (e *cliEnv) issue(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, append([]string{"issue", "--identity", "buyer@example.com"}, args...)...)
	require.NoError(t, err)
	return strings.TrimSpace(out)
}

// fakeIssuer answers POST /verify like the issuer service.
func fakeIssuer(t *testing.T, pub func() ed25519.PublicKey, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		var req struct {
			Token     license.Token `json:"token"`
			ProductID string        `json:"productId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		v := license.NewVerifier(pub()).Verify(req.Token, req.ProductID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()

	var stdout bytes.Buffer
	cmd := newRootCommand(&stdout, &bytes.Buffer{})
	cmd.SetArgs([]string{"keygen", "--out", dir})
	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, license.PrivateKeyFile))
	assert.FileExists(t, filepath.Join(dir, license.PublicKeyFile))
	assert.Contains(t, stdout.String(), "licensegate/internal/license.publicKey=")

	pubText, err := os.ReadFile(filepath.Join(dir, license.PublicKeyFile))
	require.NoError(t, err)
	_, err = license.ParsePublicKey(strings.TrimSpace(string(pubText)))
	require.NoError(t, err)

	cmd = newRootCommand(&bytes.Buffer{}, &bytes.Buffer{})
	cmd.SetArgs([]string{"keygen", "--out", dir})
	assert.Error(t, cmd.Execute(), "refuses to replace an existing key")

	cmd = newRootCommand(&bytes.Buffer{}, &bytes.Buffer{})
	cmd.SetArgs([]string{"keygen", "--out", dir, "--force"})
	assert.NoError(t, cmd.Execute())
}

func TestIssueAndVerify(t *testing.T) {
	env := setup(t, "http://127.0.0.1:1")

	token := env.issue(t)
	v := license.NewVerifier(env.kp.Public).Verify(license.Token(token), testProduct)
	require.True(t, v.Valid())
	assert.Equal(t, "pro", v.Payload.Plan)
	require.NotNil(t, v.Payload.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *v.Payload.ExpiresAt, time.Minute)

	lifetime := env.issue(t, "--ttl-days", "0", "--plan", "team")
	v = license.NewVerifier(env.kp.Public).Verify(license.Token(lifetime), testProduct)
	require.True(t, v.Valid())
	assert.True(t, v.Payload.NeverExpires())
	assert.Equal(t, "team", v.Payload.Plan)

	tests := []struct {
		name    string
		args    []string
		outcome string
		wantErr error
	}{
		{"valid", []string{token}, "valid", nil},
		{"other product", []string{token, "--product", "other"}, "wrong_product", license.ErrWrongProduct},
		{"garbage", []string{"not-a-token"}, "malformed", license.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(t, append([]string{"verify"}, tt.args...)...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, out, "Outcome:  "+tt.outcome)
		})
	}
}

func TestIssue_Errors(t *testing.T) {
	env := setup(t, "http://127.0.0.1:1")

	_, err := env.run(t, "issue")
	assert.Error(t, err, "identity is required")

	_, err = env.run(t, "issue", "--identity", "buyer@example.com", "--ttl-days", "-1")
	assert.Error(t, err)

	_, err = env.run(t, "issue", "--identity", "buyer@example.com", "--plan", "Bad Plan")
	assert.Error(t, err)

	_, err = env.run(t, "issue", "--identity", "  ")
	assert.Error(t, err)
}

func TestVerify_Online(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var env *cliEnv
	srv := fakeIssuer(t, func() ed25519.PublicKey { return env.kp.Public }, &status)
	env = setup(t, srv.URL)

	token := env.issue(t)
	out, err := env.run(t, "--json", "verify", "--online", token)
	require.NoError(t, err)

	var v license.Verification
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, license.OutcomeValid, v.Outcome)
}

func TestEntitlementLifecycle(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var env *cliEnv
	srv := fakeIssuer(t, func() ed25519.PublicKey { return env.kp.Public }, &status)
	env = setup(t, srv.URL)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    unset")

	_, err = env.run(t, "status", "--check")
	assert.ErrorIs(t, err, errNotEntitled)

	token := env.issue(t)
	out, err = env.run(t, "activate", token)
	require.NoError(t, err)
	assert.Contains(t, out, "State:    valid")
	assert.Contains(t, out, "Identity: buyer@example.com")
	assert.FileExists(t, env.cachePath)

	out, err = env.run(t, "--json", "status", "--check")
	require.NoError(t, err)
	var s map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, "valid", s["state"])
	assert.Equal(t, "valid", s["outcome"])
	assert.NotEmpty(t, s["lastOnlineCheck"])

	out, err = env.run(t, "recheck")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    valid")

	// Issuer down: the offline decision stands.
	status.Store(http.StatusServiceUnavailable)
	out, err = env.run(t, "recheck")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    valid")
	assert.Contains(t, out, "Issuer:   unreachable")

	out, err = env.run(t, "deactivate")
	require.NoError(t, err)
	assert.Contains(t, out, "License deactivated")
	assert.NoFileExists(t, env.cachePath)

	_, err = env.run(t, "recheck")
	assert.Error(t, err)
}

func TestActivate_Rejected(t *testing.T) {
	env := setup(t, "http://127.0.0.1:1")

	other, err := license.Generate()
	require.NoError(t, err)
	issuer, err := license.NewIssuer(other.Private)
	require.NoError(t, err)
	forged, _, err := issuer.Issue(context.Background(), "buyer@example.com", testProduct, "pro", nil)
	require.NoError(t, err)

	out, err := env.run(t, "activate", "--offline", forged.String())
	assert.ErrorIs(t, err, license.ErrInvalidSignature)
	assert.Contains(t, out, "State:    invalid")
	assert.NoFileExists(t, env.cachePath)
}

func TestActivate_OfflineIssuerUnreachable(t *testing.T) {
	env := setup(t, "http://127.0.0.1:1")

	token := env.issue(t)
	out, err := env.run(t, "activate", token)
	require.NoError(t, err)
	assert.Contains(t, out, "State:    valid")
	assert.Contains(t, out, "Issuer:   unreachable")
}

func TestIssuerAndGraceCannotBeOverriddenAtRuntime(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var env *cliEnv
	srv := fakeIssuer(t, func() ed25519.PublicKey { return env.kp.Public }, &status)
	env = setup(t, "http://127.0.0.1:1")

	t.Setenv("LICENSE_CLIENT_ISSUER_URL", srv.URL)
	t.Setenv("LICENSE_CLIENT_GRACE_WINDOW", "876000h")

	token := env.issue(t)
	out, err := env.run(t, "activate", token)
	require.NoError(t, err)
	assert.Contains(t, out, "Issuer:   unreachable", "environment does not redirect the re-check")

	_, err = env.run(t, "recheck", "--issuer", srv.URL)
	assert.ErrorContains(t, err, "unknown flag")

	out, err = env.run(t, "--json", "status")
	require.NoError(t, err)
	var s map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Nil(t, s["lastOnlineCheck"], "no online confirmation was recorded")
}

func TestBrokenEmbeddedGracePolicy(t *testing.T) {
	env := setup(t, "http://127.0.0.1:1")

	orig := gracePolicy
	gracePolicy = func() (entitlement.Policy, error) {
		return entitlement.Policy{}, fmt.Errorf("%w: bad window", license.ErrConfig)
	}
	t.Cleanup(func() { gracePolicy = orig })

	_, err := env.run(t, "status")
	assert.ErrorIs(t, err, license.ErrConfig)
}
