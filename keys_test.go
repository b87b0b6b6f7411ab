package authmw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockOIDC(t *testing.T, jwksURL string) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 server.URL,
			"jwks_uri":               jwksURL,
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDiscoverJWKSKeySource(t *testing.T) {
	key, jwksURL, kid := newJWKS(t)
	issuer := newMockOIDC(t, jwksURL)
	ctx := context.Background()

	src, err := DiscoverJWKSKeySource(ctx, issuer.URL, JWKSConfig{HTTPTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, src.Warmup(ctx))

	opts := DefaultDecodeOptions()
	opts.VerifyIssuer = true
	opts.Issuer = issuer.URL
	validator, err := NewValidator(src, opts)
	require.NoError(t, err)

	token := sign(t, jwt.NewBuilder().Issuer(issuer.URL).Subject("svc").Expiration(time.Now().Add(time.Hour)), key, kid)
	claims, err := validator.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "svc", claims["sub"])
}

func TestDiscoverJWKSKeySource_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := DiscoverJWKSKeySource(ctx, "", JWKSConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	noJWKS := newMockOIDC(t, "")
	_, err = DiscoverJWKSKeySource(ctx, noJWKS.URL, JWKSConfig{})
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	missing := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(missing.Close)
	_, err = DiscoverJWKSKeySource(ctx, missing.URL, JWKSConfig{})
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestJWKSKeySource_KeyWithoutKid(t *testing.T) {
	_, jwksURL, kid := newJWKS(t)
	src, err := NewJWKSKeySource(JWKSConfig{URL: jwksURL})
	require.NoError(t, err)

	ctx := context.Background()
	byKid, err := src.Key(ctx, kid)
	require.NoError(t, err)
	only, err := src.Key(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, byKid.KeyID(), only.KeyID())

	_, err = src.Key(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestJWKSKeySource_WarmupFailure(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	src, err := NewJWKSKeySource(JWKSConfig{URL: down.URL, HTTPTimeout: time.Second})
	require.NoError(t, err)
	assert.ErrorIs(t, src.Warmup(context.Background()), ErrKeyUnavailable)
}

func TestKeySourceConfigErrors(t *testing.T) {
	_, err := NewJWKSKeySource(JWKSConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPEMKeySource(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPEMKeySource([]byte("-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSecretKeySource(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
