// Package grpcauth applies an authmw.Authorizer to gRPC calls.
package grpcauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/bionicotaku/lingo-utils-authmw"
)

// NewAccessTokenKey is the response metadata key carrying a refreshed token.
var NewAccessTokenKey = strings.ToLower(authmw.NewAccessTokenHeader)

type config struct {
	logger  *zap.Logger
	metrics *authmw.Metrics
}

// Option customizes the interceptors.
type Option func(*config)

// WithLogger sets the interceptor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records call outcomes into metrics.
func WithMetrics(metrics *authmw.Metrics) Option {
	return func(c *config) {
		c.metrics = metrics
	}
}

func newConfig(opts []Option) *config {
	c := &config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UnaryServerInterceptor authenticates unary calls.
func UnaryServerInterceptor(authorizer authmw.Authorizer, opts ...Option) grpc.UnaryServerInterceptor {
	cfg := newConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		res, err := cfg.authorize(ctx, authorizer, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if res.NewAccessToken != "" {
			if err := grpc.SetHeader(ctx, metadata.Pairs(NewAccessTokenKey, res.NewAccessToken)); err != nil {
				return nil, status.Error(codes.Internal, "set response header")
			}
		}
		return handler(bind(ctx, res), req)
	}
}

// StreamServerInterceptor authenticates streaming calls once, when the stream opens.
func StreamServerInterceptor(authorizer authmw.Authorizer, opts ...Option) grpc.StreamServerInterceptor {
	cfg := newConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		res, err := cfg.authorize(ss.Context(), authorizer, info.FullMethod)
		if err != nil {
			return err
		}
		if res.NewAccessToken != "" {
			if err := ss.SetHeader(metadata.Pairs(NewAccessTokenKey, res.NewAccessToken)); err != nil {
				return status.Error(codes.Internal, "set response header")
			}
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: bind(ss.Context(), res)})
	}
}

func (c *config) authorize(ctx context.Context, authorizer authmw.Authorizer, method string) (authmw.Result, error) {
	conn := authmw.Connection{Path: method, Header: headerFromMetadata(ctx)}
	res, err := authorizer.Authorize(ctx, conn)
	if err != nil {
		c.metrics.ObserveRequest(authmw.OutcomeRejected)
		c.logger.Debug("call rejected",
			zap.String("method", method),
			zap.String("code", string(authmw.CodeOf(err))),
			zap.Error(err),
		)
		return authmw.Result{}, status.Error(codes.Unauthenticated, publicMessage(err))
	}
	switch {
	case res.NewAccessToken != "":
		c.metrics.ObserveRequest(authmw.OutcomeRefreshed)
		c.logger.Info("access token refreshed", zap.String("method", method))
	case res.User != nil && !res.User.Authenticated():
		c.metrics.ObserveRequest(authmw.OutcomeExcluded)
	default:
		c.metrics.ObserveRequest(authmw.OutcomeAuthenticated)
	}
	return res, nil
}

func bind(ctx context.Context, res authmw.Result) context.Context {
	return authmw.BindAuthInfo(ctx, authmw.AuthInfo{Credentials: res.Credentials, User: res.User})
}

// headerFromMetadata converts incoming metadata to canonical HTTP header keys
// so backends can look up "Authorization" the same way for both transports.
func headerFromMetadata(ctx context.Context) http.Header {
	header := http.Header{}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return header
	}
	for k, values := range md {
		key := http.CanonicalHeaderKey(k)
		header[key] = append(header[key], values...)
	}
	return header
}

func publicMessage(err error) string {
	var e *authmw.Error
	if errors.As(err, &e) {
		return e.PublicMessage()
	}
	return "authentication failed"
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
