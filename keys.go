package authmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySource resolves the verification key for a token. kid is the "kid"
// header of the token and may be empty.
type KeySource interface {
	Key(ctx context.Context, kid string) (jwk.Key, error)
}

type staticKeySource struct {
	key jwk.Key
}

func (s staticKeySource) Key(context.Context, string) (jwk.Key, error) {
	return s.key, nil
}

// NewPEMKeySource parses a PEM encoded RSA or EC public key.
func NewPEMKeySource(pemData []byte) (KeySource, error) {
	if len(pemData) == 0 {
		return nil, configError("public key is empty")
	}
	key, err := jwk.ParseKey(pemData, jwk.WithPEM(true))
	if err != nil {
		return nil, newError(ErrCodeInvalidConfig, fmt.Errorf("parse public key: %w", err))
	}
	return staticKeySource{key: key}, nil
}

// NewSecretKeySource wraps a shared HMAC secret.
func NewSecretKeySource(secret []byte) (KeySource, error) {
	if len(secret) == 0 {
		return nil, configError("secret is empty")
	}
	key, err := jwk.FromRaw(append([]byte(nil), secret...))
	if err != nil {
		return nil, newError(ErrCodeInvalidConfig, fmt.Errorf("secret key: %w", err))
	}
	return staticKeySource{key: key}, nil
}

// JWKSKeySource resolves keys from an auto-refreshing remote key set.
type JWKSKeySource struct {
	cfg   JWKSConfig
	cache *jwk.Cache
}

// NewJWKSKeySource registers cfg.URL with a background-refreshing cache.
func NewJWKSKeySource(cfg JWKSConfig) (*JWKSKeySource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	cache := jwk.NewCache(context.Background())
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
	if err := cache.Register(
		cfg.URL,
		jwk.WithMinRefreshInterval(cfg.MinRefresh),
		jwk.WithHTTPClient(httpClient),
	); err != nil {
		return nil, newError(ErrCodeInvalidConfig, fmt.Errorf("register jwks %q: %w", cfg.URL, err))
	}
	return &JWKSKeySource{cfg: cfg, cache: cache}, nil
}

// Warmup fetches the key set eagerly.
func (s *JWKSKeySource) Warmup(ctx context.Context) error {
	refreshCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()
	if _, err := s.cache.Refresh(refreshCtx, s.cfg.URL); err != nil {
		return newError(ErrCodeKeyUnavailable, err)
	}
	return nil
}

// Key implements KeySource. Without a kid the set must hold exactly one key.
func (s *JWKSKeySource) Key(ctx context.Context, kid string) (jwk.Key, error) {
	set, err := s.cache.Get(ctx, s.cfg.URL)
	if err != nil {
		return nil, newError(ErrCodeKeyUnavailable, err)
	}
	if kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, newError(ErrCodeKeyUnavailable, fmt.Errorf("no key with kid %q", kid))
		}
		return key, nil
	}
	if set.Len() != 1 {
		return nil, newError(ErrCodeKeyUnavailable, errors.New("token has no kid and key set is ambiguous"))
	}
	key, _ := set.Key(0)
	return key, nil
}

// DiscoverJWKSKeySource finds the issuer's jwks_uri through OpenID Connect
// discovery and returns a key source for it. cfg.URL is ignored.
func DiscoverJWKSKeySource(ctx context.Context, issuer string, cfg JWKSConfig) (*JWKSKeySource, error) {
	if issuer == "" {
		return nil, configError("issuer is required for discovery")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, newError(ErrCodeKeyUnavailable, fmt.Errorf("oidc discovery: %w", err))
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, newError(ErrCodeKeyUnavailable, fmt.Errorf("invalid discovery metadata: %w", err))
	}
	if meta.JWKSURI == "" {
		return nil, newError(ErrCodeKeyUnavailable, errors.New("discovery document has no jwks_uri"))
	}
	cfg.URL = meta.JWKSURI
	return NewJWKSKeySource(cfg)
}
