package grpcauth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/bionicotaku/lingo-utils-authmw"
)

type fakeTransportStream struct {
	header metadata.MD
}

func (f *fakeTransportStream) Method() string { return "/svc.Test/Call" }

func (f *fakeTransportStream) SetHeader(md metadata.MD) error {
	f.header = metadata.Join(f.header, md)
	return nil
}

func (f *fakeTransportStream) SendHeader(md metadata.MD) error { return f.SetHeader(md) }

func (f *fakeTransportStream) SetTrailer(metadata.MD) error { return nil }

type fakeServerStream struct {
	grpc.ServerStream
	ctx    context.Context
	header metadata.MD
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func (f *fakeServerStream) SetHeader(md metadata.MD) error {
	f.header = metadata.Join(f.header, md)
	return nil
}

type recordingAuthorizer struct {
	conn authmw.Connection
	res  authmw.Result
	err  error
}

func (r *recordingAuthorizer) Authorize(_ context.Context, conn authmw.Connection) (authmw.Result, error) {
	r.conn = conn
	return r.res, r.err
}

func TestUnaryServerInterceptor_Success(t *testing.T) {
	auth := &recordingAuthorizer{res: authmw.Result{
		Credentials: authmw.NewCredentials([]string{"a"}),
		User:        authmw.NewIdentity("Ada", "Lovelace", 1),
	}}
	interceptor := UnaryServerInterceptor(auth)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer t"))
	var user authmw.User
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Test/Call"},
		func(ctx context.Context, _ any) (any, error) {
			user = authmw.UserFromContext(ctx)
			return "ok", nil
		})
	require.NoError(t, err)

	assert.Equal(t, "/svc.Test/Call", auth.conn.Path)
	assert.Equal(t, "Bearer t", auth.conn.Header.Get("Authorization"))
	assert.Equal(t, "Ada Lovelace", user.DisplayName())
}

func TestUnaryServerInterceptor_Rejects(t *testing.T) {
	auth := &recordingAuthorizer{err: authmw.ErrHeaderMissing}
	interceptor := UnaryServerInterceptor(auth)

	called := false
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Test/Call"},
		func(context.Context, any) (any, error) {
			called = true
			return nil, nil
		})

	assert.False(t, called)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Equal(t, "Authorization header missing", st.Message())
}

func TestUnaryServerInterceptor_OpaqueError(t *testing.T) {
	auth := &recordingAuthorizer{err: errors.New("secret internals")}
	_, err := UnaryServerInterceptor(auth)(context.Background(), nil, &grpc.UnaryServerInfo{},
		func(context.Context, any) (any, error) { return nil, nil })

	st, _ := status.FromError(err)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.NotContains(t, st.Message(), "secret")
}

func TestUnaryServerInterceptor_RefreshSetsHeader(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := authmw.NewMetrics(reg)
	require.NoError(t, err)
	auth := &recordingAuthorizer{res: authmw.Result{
		Credentials:    authmw.NewCredentials(nil),
		User:           authmw.NewIdentity("a", "b", 1),
		NewAccessToken: "fresh",
	}}
	stream := &fakeTransportStream{}
	ctx := grpc.NewContextWithServerTransportStream(context.Background(), stream)

	_, err = UnaryServerInterceptor(auth, WithMetrics(metrics))(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Test/Call"},
		func(context.Context, any) (any, error) { return nil, nil })
	require.NoError(t, err)

	assert.Equal(t, []string{"fresh"}, stream.header.Get(NewAccessTokenKey))
	assert.Equal(t, "new-access-token", NewAccessTokenKey)
	expected := `
# HELP authmw_requests_total Authentication decisions by outcome.
# TYPE authmw_requests_total counter
authmw_requests_total{outcome="refreshed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "authmw_requests_total"))
}

func TestStreamServerInterceptor(t *testing.T) {
	auth := &recordingAuthorizer{res: authmw.Result{
		Credentials:    authmw.NewCredentials([]string{"s"}),
		User:           authmw.NewIdentity("a", "b", 1),
		NewAccessToken: "fresh",
	}}
	ss := &fakeServerStream{ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "x"))}

	var creds authmw.Credentials
	err := StreamServerInterceptor(auth)(nil, ss, &grpc.StreamServerInfo{FullMethod: "/svc.Test/Stream"},
		func(_ any, stream grpc.ServerStream) error {
			creds, _ = authmw.CredentialsFromContext(stream.Context())
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"s"}, creds.Scopes)
	assert.Equal(t, []string{"fresh"}, ss.header.Get(NewAccessTokenKey))
	assert.Equal(t, "/svc.Test/Stream", auth.conn.Path)

	auth.err = authmw.ErrTokenExpired
	err = StreamServerInterceptor(auth)(nil, ss, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
		t.Fatal("handler must not run")
		return nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
