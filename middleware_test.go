package authmw

import (
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func fixedAuthorizer(res Result, err error) Authorizer {
	return AuthorizerFunc(func(context.Context, Connection) (Result, error) {
		return res, err
	})
}

func refreshedResult() Result {
	return Result{
		Credentials:    NewCredentials([]string{"a"}),
		User:           NewIdentity("Ada", "Lovelace", 1),
		NewAccessToken: "fresh",
	}
}

func TestMiddleware_HookAppliedOnce(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"write header": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.WriteHeader(http.StatusAccepted)
		},
		"write": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("one"))
			_, _ = w.Write([]byte("two"))
		},
		"read from": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.Copy(w, strings.NewReader("streamed"))
		},
		"flush": func(w http.ResponseWriter, _ *http.Request) {
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("after flush"))
		},
		"no write": func(http.ResponseWriter, *http.Request) {},
	}
	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			mw := New(fixedAuthorizer(refreshedResult(), nil))
			rec := httptest.NewRecorder()
			mw.Handler(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, []string{"fresh"}, rec.Result().Header.Values(NewAccessTokenHeader))
		})
	}
}

func TestMiddleware_HookKeepsBodyAndHeaders(t *testing.T) {
	mw := New(fixedAuthorizer(refreshedResult(), nil))
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-App", "1")
		w.Header().Add(NewAccessTokenHeader, "from-app")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("payload"))
	})
	rec := httptest.NewRecorder()
	mw.Handler(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-App"))
	assert.Equal(t, []string{"from-app", "fresh"}, rec.Header().Values(NewAccessTokenHeader))
}

func TestMiddleware_PreservesInterfaces(t *testing.T) {
	mw := New(fixedAuthorizer(refreshedResult(), nil))
	var flusher, hijacker atomic.Bool
	server := httptest.NewServer(mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, ok := w.(http.Flusher)
		flusher.Store(ok)
		_, ok = w.(http.Hijacker)
		hijacker.Store(ok)
	})))
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, flusher.Load())
	assert.True(t, hijacker.Load())
	assert.Equal(t, "fresh", resp.Header.Get(NewAccessTokenHeader))
}

func TestMiddleware_BindsAuthInfo(t *testing.T) {
	want := Result{Credentials: NewCredentials([]string{"x"}), User: NewIdentity("A", "B", "id")}
	mw := New(fixedAuthorizer(want, nil))

	var (
		creds Credentials
		user  User
	)
	handler := mw.Wrap()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		creds, _ = CredentialsFromContext(r.Context())
		user = UserFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"x"}, creds.Scopes)
	assert.Equal(t, "A B", user.DisplayName())
	assert.Empty(t, rec.Header().Get(NewAccessTokenHeader))
}

func TestMiddleware_RejectionDoesNotCallNext(t *testing.T) {
	mw := New(fixedAuthorizer(Result{}, errors.New("opaque")))
	called := false
	rec := httptest.NewRecorder()
	mw.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Authentication failed", rec.Body.String())
}

func TestMiddleware_LogsWithoutToken(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mw := New(fixedAuthorizer(Result{}, newError(ErrCodeSignatureInvalid, errors.New("bad sig"))), WithLogger(zap.New(core)))

	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	req.Header.Set("Authorization", "Bearer super-secret-token")
	mw.Handler(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request rejected").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/secret", fields["path"])
	assert.Equal(t, string(ErrCodeSignatureInvalid), fields["code"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "super-secret-token")
		}
	}
}

func TestMiddleware_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	serve := func(a Authorizer) {
		New(a, WithMetrics(metrics)).Handler(http.NotFoundHandler()).
			ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	serve(fixedAuthorizer(Result{User: NewIdentity("a", "b", 1)}, nil))
	serve(fixedAuthorizer(Result{User: UnauthenticatedUser{}}, nil))
	serve(fixedAuthorizer(Result{}, ErrHeaderMissing))
	serve(fixedAuthorizer(refreshedResult(), nil))
	serve(fixedAuthorizer(refreshedResult(), nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeAuthenticated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeExcluded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeRefreshed)))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest(OutcomeAuthenticated)
	m.ObserveRefresh(true)
}

func TestRefreshOrchestrator_Metrics(t *testing.T) {
	key := newRSAKey(t)
	backend, err := NewOAuth2Backend(OAuth2Config{PublicKey: publicPEM(t, key)})
	require.NoError(t, err)
	metrics, err := NewMetrics(nil)
	require.NoError(t, err)

	calls := 0
	orchestrator, err := NewRefreshOrchestrator(backend, func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return "new", nil
		}
		return "", errors.New("revoked")
	}, WithRefreshMetrics(metrics))
	require.NoError(t, err)

	conn := Connection{Header: http.Header{"Authorization": {"Bearer " + expiredToken(t, key)}}}
	_, err = orchestrator.Authorize(context.Background(), conn)
	require.NoError(t, err)
	_, err = orchestrator.Authorize(context.Background(), conn)
	assert.ErrorIs(t, err, ErrRefreshFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.refresh.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.refresh.WithLabelValues("failure")))
}

func TestRequireScopes_NothingBound(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireScopes()(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", rec.Body.String())
}

func TestUserFromContext_Default(t *testing.T) {
	assert.False(t, UserFromContext(context.Background()).Authenticated())
	_, ok := AuthInfoFromContext(context.Background())
	assert.False(t, ok)
}

func TestPublicMessages(t *testing.T) {
	assert.Equal(t, "Authorization header missing", publicMessage(ErrHeaderMissing))
	assert.Equal(t, "Authorization header verification failed",
		publicMessage(newError(ErrCodeVerificationFailed, errors.New("internal detail"))))
	assert.Equal(t, ErrCodeExpired, CodeOf(newError(ErrCodeExpired, nil)))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func expiredToken(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	return sign(t, jwt.NewBuilder().Subject("user-1").Expiration(time.Now().Add(-time.Minute)), key, "")
}
