package authmw

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

const authorizationHeader = "Authorization"

// Connection is the transport-neutral view of an inbound request.
type Connection struct {
	Path   string
	Header http.Header
}

// NewConnection builds a Connection from an HTTP request. The path never
// carries the query string.
func NewConnection(r *http.Request) Connection {
	return Connection{Path: r.URL.Path, Header: r.Header}
}

// Backend authenticates a single connection.
type Backend interface {
	Authenticate(ctx context.Context, conn Connection) (Credentials, User, error)
}

// Result is the outcome of a successful authorization. NewAccessToken is set
// when an expired token was refreshed and must be handed back to the client.
type Result struct {
	Credentials    Credentials
	User           User
	NewAccessToken string
}

// Authorizer decides whether a connection may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, conn Connection) (Result, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, conn Connection) (Result, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, conn Connection) (Result, error) {
	return f(ctx, conn)
}

// BackendAuthorizer runs b without any recovery path: every error rejects.
func BackendAuthorizer(b Backend) Authorizer {
	return AuthorizerFunc(func(ctx context.Context, conn Connection) (Result, error) {
		creds, user, err := b.Authenticate(ctx, conn)
		if err != nil {
			return Result{}, err
		}
		return Result{Credentials: creds, User: user}, nil
	})
}

// ErrorHandler writes the response for a rejected request.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// DefaultErrorHandler answers 400 with the client-safe message of err.
func DefaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	writePlainText(w, http.StatusBadRequest, publicMessage(err))
}

// Option customizes a Middleware.
type Option func(*Middleware)

// WithErrorHandler replaces the rejection response builder.
func WithErrorHandler(h ErrorHandler) Option {
	return func(m *Middleware) {
		if h != nil {
			m.onError = h
		}
	}
}

// WithLogger sets the structured logger. Tokens are never logged.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records request outcomes into metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Middleware) {
		m.metrics = metrics
	}
}

// Middleware authenticates every request before handing it to the next handler.
type Middleware struct {
	authorizer Authorizer
	onError    ErrorHandler
	logger     *zap.Logger
	metrics    *Metrics
}

// New builds a Middleware around authorizer.
func New(authorizer Authorizer, opts ...Option) *Middleware {
	m := &Middleware{
		authorizer: authorizer,
		onError:    DefaultErrorHandler,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns m.Handler as a chainable middleware function.
func (m *Middleware) Wrap() func(http.Handler) http.Handler {
	return m.Handler
}

// Handler authenticates the request and, on success, runs next with the
// credentials and user bound to the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := m.authorizer.Authorize(r.Context(), NewConnection(r))
		if err != nil {
			m.metrics.ObserveRequest(OutcomeRejected)
			m.logger.Debug("request rejected",
				zap.String("path", r.URL.Path),
				zap.String("code", string(CodeOf(err))),
				zap.Error(err),
			)
			m.onError(w, r, err)
			return
		}

		ctx := BindAuthInfo(r.Context(), AuthInfo{Credentials: res.Credentials, User: res.User})
		r = r.WithContext(ctx)

		if res.NewAccessToken == "" {
			if res.User != nil && !res.User.Authenticated() {
				m.metrics.ObserveRequest(OutcomeExcluded)
			} else {
				m.metrics.ObserveRequest(OutcomeAuthenticated)
			}
			next.ServeHTTP(w, r)
			return
		}

		m.metrics.ObserveRequest(OutcomeRefreshed)
		m.logger.Info("access token refreshed", zap.String("path", r.URL.Path))
		hw := newHookedWriter(w, NewAccessTokenHook(res.NewAccessToken))
		next.ServeHTTP(hw.ResponseWriter(), r)
		hw.finish()
	})
}

func publicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.PublicMessage()
	}
	return "Authentication failed"
}

func writePlainText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
