package authmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const (
	missingHeaderBody = "Your request is missing an 'Authorization' HTTP header"
	invalidHeaderBody = "Your 'Authorization' HTTP header is invalid"
)

// RefreshFunc exchanges the Authorization header of an expired request for a
// new access token.
type RefreshFunc func(ctx context.Context, authorization string) (string, error)

// OrchestratorOption customizes a RefreshOrchestrator.
type OrchestratorOption func(*RefreshOrchestrator)

// WithRefreshLogger sets the orchestrator logger.
func WithRefreshLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *RefreshOrchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRefreshMetrics records refresh attempts into metrics.
func WithRefreshMetrics(metrics *Metrics) OrchestratorOption {
	return func(o *RefreshOrchestrator) {
		o.metrics = metrics
	}
}

// RefreshOrchestrator authorizes bearer requests and, when the only problem is
// an expired token, obtains a replacement through RefreshFunc.
type RefreshOrchestrator struct {
	backend *OAuth2Backend
	refresh RefreshFunc
	logger  *zap.Logger
	metrics *Metrics
}

// NewRefreshOrchestrator wraps backend. refresh may be nil, in which case
// expired tokens are rejected.
func NewRefreshOrchestrator(backend *OAuth2Backend, refresh RefreshFunc, opts ...OrchestratorOption) (*RefreshOrchestrator, error) {
	if backend == nil {
		return nil, configError("oauth2 backend is required")
	}
	o := &RefreshOrchestrator{
		backend: backend,
		refresh: refresh,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Authorize implements Authorizer. The refresh callback runs at most once per call.
func (o *RefreshOrchestrator) Authorize(ctx context.Context, conn Connection) (Result, error) {
	creds, user, err := o.backend.Authenticate(ctx, conn)
	if err == nil {
		return Result{Credentials: creds, User: user}, nil
	}
	if !errors.Is(err, ErrTokenExpired) || o.refresh == nil {
		return Result{}, err
	}

	header, _ := authorizationValue(conn.Header)
	token, rerr := o.callRefresh(ctx, header)
	if rerr != nil {
		o.metrics.ObserveRefresh(false)
		o.logger.Debug("token refresh failed", zap.String("path", conn.Path), zap.Error(rerr))
		return Result{}, newError(ErrCodeRefreshFailed, rerr)
	}
	o.metrics.ObserveRefresh(true)
	return Result{Credentials: creds, User: user, NewAccessToken: token}, nil
}

func (o *RefreshOrchestrator) callRefresh(ctx context.Context, header string) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("refresh callback panicked", zap.Any("panic", r))
			token, err = "", fmt.Errorf("refresh callback panic: %v", r)
		}
	}()
	token, err = o.refresh(ctx, header)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("refresh callback returned an empty token")
	}
	return token, nil
}

// OAuth2ErrorHandler answers every bearer rejection with 401 and a fixed body.
func OAuth2ErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrHeaderMissing) {
		writePlainText(w, http.StatusUnauthorized, missingHeaderBody)
		return
	}
	writePlainText(w, http.StatusUnauthorized, invalidHeaderBody)
}

// NewOAuth2Middleware builds the bearer backend, the refresh orchestrator and
// the middleware serving them. refresh may be nil.
func NewOAuth2Middleware(cfg OAuth2Config, refresh RefreshFunc, opts ...Option) (*Middleware, error) {
	backend, err := NewOAuth2Backend(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithErrorHandler(OAuth2ErrorHandler)}, opts...)
	m := New(nil, opts...)
	orchestrator, err := NewRefreshOrchestrator(backend, refresh,
		WithRefreshLogger(m.logger),
		WithRefreshMetrics(m.metrics),
	)
	if err != nil {
		return nil, err
	}
	m.authorizer = orchestrator
	return m, nil
}
