package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/deribit-mcp/internal/oauth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cfg       oauth.Config
	keys      *oauth.KeyManager
	store     *oauth.MemoryStore
	validator *Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := oauth.Config{
		Issuer:         "http://localhost:8000",
		Audience:       "deribit-mcp",
		AccessTokenTTL: time.Hour,
	}
	keys, err := oauth.NewKeyManagerFromEnv()
	require.NoError(t, err)
	store := oauth.NewMemoryStore(time.Hour, testLogger())
	t.Cleanup(store.Close)

	return &fixture{cfg: cfg, keys: keys, store: store, validator: NewValidator(cfg, keys, store)}
}

// mintToken signs an access token and tracks it in the store, returning
// the compact JWT and its jti.
func (f *fixture) mintToken(t *testing.T, clientID string, ttl time.Duration) (string, string) {
	t.Helper()

	now := time.Now()
	jti := "jti-" + clientID
	claims := jwt.MapClaims{
		"iss":       f.cfg.Issuer,
		"sub":       clientID,
		"aud":       f.cfg.Audience,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       jti,
		"client_id": clientID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.keys.PrivateKey())
	require.NoError(t, err)

	require.NoError(t, f.store.SaveAccessToken(&oauth.AccessToken{
		JTI:       jti,
		ClientID:  clientID,
		Subject:   clientID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}))
	return signed, jti
}

func TestValidateAcceptsFreshToken(t *testing.T) {
	f := newFixture(t)
	token, jti := f.mintToken(t, "client_abc", time.Hour)

	identity, err := f.validator.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "client_abc", identity.ClientID)
	assert.Equal(t, jti, identity.JTI)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	f := newFixture(t)
	token, _ := f.mintToken(t, "client_abc", -time.Minute)

	_, err := f.validator.Validate(token)
	assert.ErrorIs(t, err, oauth.ErrUnauthorized)
}

func TestValidateRejectsEvictedJTI(t *testing.T) {
	f := newFixture(t)

	// Cryptographically valid but absent from the ledger, as after a
	// restart or an eviction.
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": f.cfg.Issuer,
		"aud": f.cfg.Audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": "untracked",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.keys.PrivateKey())
	require.NoError(t, err)

	_, err = f.validator.Validate(token)
	assert.ErrorIs(t, err, oauth.ErrUnauthorized)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	f := newFixture(t)

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": f.cfg.Issuer,
		"aud": "someone-else",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": "jti-x",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.keys.PrivateKey())
	require.NoError(t, err)

	_, err = f.validator.Validate(token)
	assert.ErrorIs(t, err, oauth.ErrUnauthorized)
}

func TestRequireAuthMiddleware(t *testing.T) {
	f := newFixture(t)
	token, _ := f.mintToken(t, "client_abc", time.Hour)

	var seen *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireAuth(f.validator, testLogger(), next)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "client_abc", seen.ClientID)
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	handler := RequireAuth(f.validator, testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestOptionalAuthPassesAnonymous(t *testing.T) {
	f := newFixture(t)

	handler := OptionalAuth(f.validator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Nil(t, IdentityFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerFromHeader(t *testing.T) {
	token, ok := BearerFromHeader("Bearer abc123")
	require.True(t, ok)
	assert.Equal(t, "abc123", token)

	token, ok = BearerFromHeader("bearer abc123")
	require.True(t, ok)
	assert.Equal(t, "abc123", token)

	_, ok = BearerFromHeader("")
	assert.False(t, ok)

	_, ok = BearerFromHeader("Basic abc123")
	assert.False(t, ok)
}
