package authmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Verifier checks the headers of a request and returns the granted scopes
// and the principal.
type Verifier interface {
	Verify(ctx context.Context, header http.Header) ([]string, User, error)
}

// VerifyFunc is a blocking Verifier.
type VerifyFunc func(ctx context.Context, header http.Header) ([]string, User, error)

// Verify implements Verifier.
func (f VerifyFunc) Verify(ctx context.Context, header http.Header) ([]string, User, error) {
	return f(ctx, header)
}

// HeaderVerifyFunc receives only the raw Authorization header value.
type HeaderVerifyFunc func(ctx context.Context, authorization string) ([]string, User, error)

// Verify implements Verifier.
func (f HeaderVerifyFunc) Verify(ctx context.Context, header http.Header) ([]string, User, error) {
	return f(ctx, header.Get(authorizationHeader))
}

// VerifyResult is delivered by an AsyncVerifyFunc.
type VerifyResult struct {
	Scopes []string
	User   User
	Err    error
}

// AsyncVerifyFunc starts verification and delivers a single result on the
// returned channel. The caller waits for the result or for ctx to end.
//
// The channel must have a buffer of at least one: once ctx ends nobody
// receives, and a producer blocked on an unbuffered send would leak.
type AsyncVerifyFunc func(ctx context.Context, header http.Header) <-chan VerifyResult

// Verify implements Verifier.
func (f AsyncVerifyFunc) Verify(ctx context.Context, header http.Header) ([]string, User, error) {
	ch := f(ctx, header)
	if ch == nil {
		return nil, nil, errors.New("verifier returned no result channel")
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, nil, errors.New("verifier closed result channel without a result")
		}
		return res.Scopes, res.User, res.Err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// ExcludedPathSet holds paths that skip verification. Matching is exact after
// the query and fragment have been removed.
type ExcludedPathSet map[string]struct{}

// NewExcludedPathSet builds a set from paths.
func NewExcludedPathSet(paths ...string) ExcludedPathSet {
	set := make(ExcludedPathSet, len(paths))
	for _, p := range paths {
		set[stripQueryFragment(p)] = struct{}{}
	}
	return set
}

// Contains reports whether rawPath, stripped of query and fragment, is excluded.
func (s ExcludedPathSet) Contains(rawPath string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[stripQueryFragment(rawPath)]
	return ok
}

func stripQueryFragment(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}

// GenericConfig configures a GenericBackend.
type GenericConfig struct {
	Verifier      Verifier
	ExcludedPaths []string
	// OnError builds the rejection response. DefaultErrorHandler is used when nil.
	OnError ErrorHandler
}

// GenericBackend delegates verification to an application supplied Verifier.
type GenericBackend struct {
	verifier Verifier
	excluded ExcludedPathSet
}

// NewGenericBackend validates cfg and builds the backend.
func NewGenericBackend(cfg GenericConfig) (*GenericBackend, error) {
	if cfg.Verifier == nil {
		return nil, configError("verifier is required")
	}
	return &GenericBackend{
		verifier: cfg.Verifier,
		excluded: NewExcludedPathSet(cfg.ExcludedPaths...),
	}, nil
}

// Authenticate implements Backend.
func (b *GenericBackend) Authenticate(ctx context.Context, conn Connection) (creds Credentials, user User, err error) {
	if b.excluded.Contains(conn.Path) {
		return NewCredentials(nil), UnauthenticatedUser{}, nil
	}
	if _, ok := conn.Header[authorizationHeader]; !ok {
		return Credentials{}, nil, newError(ErrCodeHeaderMissing, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			creds, user = Credentials{}, nil
			err = newError(ErrCodeVerificationFailed, fmt.Errorf("verifier panic: %v", r))
		}
	}()

	scopes, u, verr := b.verifier.Verify(ctx, conn.Header)
	if verr != nil {
		return Credentials{}, nil, newError(ErrCodeVerificationFailed, verr)
	}
	if u == nil {
		return Credentials{}, nil, newError(ErrCodeVerificationFailed, errors.New("verifier returned no user"))
	}
	return NewCredentials(scopes), u, nil
}

// NewGenericMiddleware builds a GenericBackend and the middleware serving it.
func NewGenericMiddleware(cfg GenericConfig, opts ...Option) (*Middleware, error) {
	backend, err := NewGenericBackend(cfg)
	if err != nil {
		return nil, err
	}
	onError := cfg.OnError
	if onError == nil {
		onError = DefaultErrorHandler
	}
	opts = append([]Option{WithErrorHandler(onError)}, opts...)
	return New(BackendAuthorizer(backend), opts...), nil
}
