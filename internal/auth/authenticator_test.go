package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avsupgw/internal/config"
	"github.com/vyrodovalexey/avsupgw/internal/keystore"
)

// fakeValidator accepts a single fixed token.
type fakeValidator struct {
	valid string
	calls int
}

func (v *fakeValidator) ValidateToken(_ context.Context, token string) bool {
	v.calls++
	return token == v.valid
}

func newAuthStore(t *testing.T, opts ...keystore.Option) *keystore.Store {
	t.Helper()
	s := keystore.New(filepath.Join(t.TempDir(), "keys.json"), opts...)
	require.NoError(t, s.Load())
	return s
}

func requestWithBearer(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/addons", nil)
	if token != "" {
		r.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	return r
}

func testConfig(mode string) *config.Config {
	cfg := &config.Config{AuthMode: mode}
	cfg.ApplyDefaults()
	return cfg
}

func TestIngressStrategy(t *testing.T) {
	t.Parallel()

	s := NewIngressStrategy()

	r := httptest.NewRequest(http.MethodGet, "/addons", nil)
	assert.False(t, s.Attempt(context.Background(), r).Handled)

	r.Header.Set(HeaderIngressPath, "/api/hassio_ingress/abc")
	outcome := s.Attempt(context.Background(), r)
	require.True(t, outcome.Handled)
	require.True(t, outcome.Authenticated)
	assert.Equal(t, "Home Assistant Ingress", outcome.Identity.Name)
	assert.Equal(t, MethodIngress, outcome.Identity.Method)
}

func TestAPIKeyStrategy(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := &now
	store := newAuthStore(t, keystore.WithClock(func() time.Time { return *clock }))

	_, err := store.Add("good-key", "Dashboard", "")
	require.NoError(t, err)
	revoked, err := store.Add("revoked-key", "Old", "")
	require.NoError(t, err)
	require.True(t, store.Revoke(revoked.Hash))
	deprecated, err := store.Add("expired-key", "Stale", "")
	require.NoError(t, err)
	require.True(t, store.Deprecate(deprecated.Hash, 1))

	s := NewAPIKeyStrategy(store)

	t.Run("valid key", func(t *testing.T) {
		outcome := s.Attempt(context.Background(), requestWithBearer("good-key"))
		require.True(t, outcome.Handled)
		require.True(t, outcome.Authenticated)
		assert.Equal(t, "Dashboard", outcome.Identity.Name)
		assert.Equal(t, MethodAPIKey, outcome.Identity.Method)
	})

	t.Run("missing header", func(t *testing.T) {
		outcome := s.Attempt(context.Background(), requestWithBearer(""))
		require.True(t, outcome.Handled)
		assert.False(t, outcome.Authenticated)
		assert.Equal(t, ReasonMissingHeader, outcome.Reason)
	})

	t.Run("revoked key", func(t *testing.T) {
		outcome := s.Attempt(context.Background(), requestWithBearer("revoked-key"))
		require.True(t, outcome.Handled)
		assert.False(t, outcome.Authenticated)
		assert.Equal(t, ReasonKeyRevoked, outcome.Reason)
	})

	t.Run("unknown key falls through", func(t *testing.T) {
		outcome := s.Attempt(context.Background(), requestWithBearer("never-issued"))
		assert.False(t, outcome.Handled)
	})

	t.Run("expired key", func(t *testing.T) {
		later := now.Add(2 * time.Hour)
		clock = &later
		outcome := s.Attempt(context.Background(), requestWithBearer("expired-key"))
		require.True(t, outcome.Handled)
		assert.False(t, outcome.Authenticated)
		assert.Equal(t, ReasonKeyExpired, outcome.Reason)
	})
}

func TestUpstreamTokenStrategy(t *testing.T) {
	t.Parallel()

	validator := &fakeValidator{valid: "ha-token"}
	s := NewUpstreamTokenStrategy(validator)

	outcome := s.Attempt(context.Background(), requestWithBearer("ha-token"))
	require.True(t, outcome.Handled)
	require.True(t, outcome.Authenticated)
	assert.Equal(t, "Home Assistant Token", outcome.Identity.Name)
	assert.Equal(t, MethodUpstreamToken, outcome.Identity.Method)

	outcome = s.Attempt(context.Background(), requestWithBearer("wrong"))
	assert.False(t, outcome.Handled)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{name: "valid bearer", header: "Bearer abc123", wantToken: "abc123", wantOK: true},
		{name: "case insensitive scheme", header: "bearer abc123", wantToken: "abc123", wantOK: true},
		{name: "missing header", header: "", wantOK: false},
		{name: "wrong scheme", header: "Basic abc123", wantOK: false},
		{name: "bare token", header: "abc123", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set(HeaderAuthorization, tt.header)
			}
			token, ok := bearerToken(r)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantToken, token)
			}
		})
	}
}

func TestAuthenticator_APIKeyMode(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	_, err := store.Add("good-key", "Dashboard", "")
	require.NoError(t, err)

	validator := &fakeValidator{valid: "ha-token"}
	a := New(testConfig(config.AuthModeAPIKey), store, validator)

	result := a.Authenticate(context.Background(), requestWithBearer("good-key"))
	require.True(t, result.Authenticated)
	assert.Equal(t, "Dashboard", result.Identity.Name)

	// Valid HA tokens do not authenticate in api_key mode.
	result = a.Authenticate(context.Background(), requestWithBearer("ha-token"))
	require.False(t, result.Authenticated)
	assert.Equal(t, "Invalid API key", result.Reason)
	assert.Zero(t, validator.calls)
}

func TestAuthenticator_UpstreamTokenMode(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	_, err := store.Add("good-key", "Dashboard", "")
	require.NoError(t, err)

	a := New(testConfig(config.AuthModeUpstreamToken), store, &fakeValidator{valid: "ha-token"})

	result := a.Authenticate(context.Background(), requestWithBearer("ha-token"))
	require.True(t, result.Authenticated)
	assert.Equal(t, "Home Assistant Token", result.Identity.Name)

	// Local keys do not authenticate in upstream_token mode.
	result = a.Authenticate(context.Background(), requestWithBearer("good-key"))
	require.False(t, result.Authenticated)
	assert.Equal(t, "Invalid Home Assistant token", result.Reason)
}

func TestAuthenticator_BothMode(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	_, err := store.Add("good-key", "Dashboard", "")
	require.NoError(t, err)

	validator := &fakeValidator{valid: "ha-token"}
	a := New(testConfig(config.AuthModeBoth), store, validator)

	// Local key wins without touching the upstream.
	result := a.Authenticate(context.Background(), requestWithBearer("good-key"))
	require.True(t, result.Authenticated)
	assert.Equal(t, "Dashboard", result.Identity.Name)
	assert.Zero(t, validator.calls)

	// Unknown local key falls through to the upstream.
	result = a.Authenticate(context.Background(), requestWithBearer("ha-token"))
	require.True(t, result.Authenticated)
	assert.Equal(t, "Home Assistant Token", result.Identity.Name)

	result = a.Authenticate(context.Background(), requestWithBearer("neither"))
	require.False(t, result.Authenticated)
	assert.Equal(t, "Invalid API key or Home Assistant token", result.Reason)
}

func TestAuthenticator_RevokedKeyDoesNotFallThrough(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	rec, err := store.Add("revoked-key", "Old", "")
	require.NoError(t, err)
	require.True(t, store.Revoke(rec.Hash))

	validator := &fakeValidator{valid: "revoked-key"}
	a := New(testConfig(config.AuthModeBoth), store, validator)

	// A known-but-revoked key is a final verdict; the upstream is
	// never consulted even though it would accept the credential.
	result := a.Authenticate(context.Background(), requestWithBearer("revoked-key"))
	require.False(t, result.Authenticated)
	assert.Equal(t, "API key has been revoked", result.Reason)
	assert.Zero(t, validator.calls)
}

func TestAuthenticator_MissingHeader(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	a := New(testConfig(config.AuthModeBoth), store, &fakeValidator{})

	result := a.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/addons", nil))
	require.False(t, result.Authenticated)
	assert.Equal(t, "Missing or invalid Authorization header", result.Reason)
}

func TestAuthenticator_IngressBypass(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	a := New(testConfig(config.AuthModeAPIKey), store, &fakeValidator{})

	r := httptest.NewRequest(http.MethodGet, "/addons", nil)
	r.Header.Set(HeaderIngressPath, "/api/hassio_ingress/abc")

	result := a.Authenticate(context.Background(), r)
	require.True(t, result.Authenticated)
	assert.Equal(t, "Home Assistant Ingress", result.Identity.Name)
}

func TestAuthenticator_IngressCanBeDisabled(t *testing.T) {
	t.Parallel()

	store := newAuthStore(t)
	cfg := testConfig(config.AuthModeAPIKey)
	trust := false
	cfg.TrustIngressHeader = &trust
	a := New(cfg, store, &fakeValidator{})

	r := httptest.NewRequest(http.MethodGet, "/addons", nil)
	r.Header.Set(HeaderIngressPath, "/api/hassio_ingress/abc")

	result := a.Authenticate(context.Background(), r)
	assert.False(t, result.Authenticated)
}
