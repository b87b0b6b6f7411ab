package authmw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
)

// DefaultMaxSubjects bounds the number of token sources a Refresher keeps.
const DefaultMaxSubjects = 1024

// TokenFactory creates the token source that serves new access tokens for
// subject. Each source must act on behalf of that subject only.
// ctx outlives the request that triggered the call.
type TokenFactory func(ctx context.Context, subject string) (oauth2.TokenSource, error)

// RefreshTokenLookup returns the stored refresh token of subject.
type RefreshTokenLookup func(ctx context.Context, subject string) (string, error)

// RefresherConfig configures a Refresher. TokenFactory is required; use
// OAuth2ConfigFactory to exchange stored refresh tokens.
type RefresherConfig struct {
	TokenFactory TokenFactory
	// MaxSubjects caps the cached sources; the least recently used one is
	// dropped first. Zero means DefaultMaxSubjects.
	MaxSubjects int
}

// Refresher is a RefreshFunc backed by oauth2 token sources, one per subject.
type Refresher struct {
	mu      sync.Mutex
	factory TokenFactory
	sources *lru.Cache[string, oauth2.TokenSource]
}

// NewRefresher validates cfg and builds a Refresher.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.TokenFactory == nil {
		return nil, configError("token factory is required")
	}
	if cfg.MaxSubjects < 0 {
		return nil, configError("max subjects must not be negative")
	}
	size := cfg.MaxSubjects
	if size == 0 {
		size = DefaultMaxSubjects
	}
	sources, err := lru.New[string, oauth2.TokenSource](size)
	if err != nil {
		return nil, configError("token source cache: %v", err)
	}
	return &Refresher{factory: cfg.TokenFactory, sources: sources}, nil
}

// Refresh implements RefreshFunc. The subject is read from the expired token
// without verification; the caller has already verified it.
func (r *Refresher) Refresh(ctx context.Context, authorization string) (string, error) {
	subject, err := subjectOf(BearerToken(authorization))
	if err != nil {
		return "", err
	}
	source, err := r.sourceFor(ctx, subject)
	if err != nil {
		return "", err
	}
	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

// Forget drops the cached source of subject, for example after a logout.
func (r *Refresher) Forget(subject string) {
	r.sources.Remove(subject)
}

// Len reports how many subjects currently have a cached source.
func (r *Refresher) Len() int {
	return r.sources.Len()
}

func (r *Refresher) sourceFor(ctx context.Context, subject string) (oauth2.TokenSource, error) {
	if source, ok := r.sources.Get(subject); ok {
		return source, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if source, ok := r.sources.Get(subject); ok {
		return source, nil
	}

	ts, err := r.factory(persistentContext(ctx), subject)
	if err != nil {
		return nil, err
	}
	source := oauth2.ReuseTokenSource(nil, ts)
	r.sources.Add(subject, source)
	return source, nil
}

// subjectOf reads "sub" from an unverified token. Numeric subjects are
// rendered in decimal.
func subjectOf(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	claims, err := unverifiedClaims(token)
	if err != nil {
		return "", fmt.Errorf("read expired token: %w", err)
	}
	subject, ok := claimText(claims["sub"])
	if !ok || subject == "" {
		return "", errors.New("expired token has no subject")
	}
	return subject, nil
}

// OAuth2ConfigFactory returns a TokenFactory that exchanges the stored refresh
// token of each subject through cfg.
func OAuth2ConfigFactory(cfg *oauth2.Config, lookup RefreshTokenLookup) TokenFactory {
	return func(ctx context.Context, subject string) (oauth2.TokenSource, error) {
		if cfg == nil || lookup == nil {
			return nil, configError("oauth2 config and refresh token lookup are required")
		}
		refreshToken, err := lookup(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("lookup refresh token: %w", err)
		}
		if refreshToken == "" {
			return nil, fmt.Errorf("no refresh token stored for subject %q", subject)
		}
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}), nil
	}
}

func persistentContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	if _, ok := ctx.(*detachedContext); ok {
		return ctx
	}
	return &detachedContext{parent: ctx}
}

// detachedContext keeps the values of its parent but never ends.
type detachedContext struct {
	parent context.Context
}

func (d *detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (d *detachedContext) Done() <-chan struct{} { return nil }

func (d *detachedContext) Err() error { return nil }

func (d *detachedContext) Value(key any) any { return d.parent.Value(key) }
