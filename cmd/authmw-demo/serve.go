package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bionicotaku/lingo-utils-authmw"
)

const (
	modeGeneric = "generic"
	modeOAuth2  = "oauth2"

	shutdownTimeout = 15 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo API behind the auth middleware",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":8080", "Listen address")
	flags.String("mode", modeOAuth2, "Backend: generic or oauth2")
	flags.StringSlice("excluded-paths", []string{"/", "/metrics"}, "Paths served without authentication (generic mode)")
	flags.String("google-audience", "", "Verify Google ID tokens for this audience (generic mode)")
	flags.String("static-token", "", "Accept this literal token (generic mode)")
	flags.StringSlice("static-scopes", nil, "Scopes granted to the static token")
	flags.String("oauth2-token-url", "", "Token endpoint used to exchange stored refresh tokens (oauth2 mode)")
	flags.String("oauth2-client-id", "", "OAuth2 client id")
	flags.String("oauth2-client-secret", "", "OAuth2 client secret")
	flags.Int("refresh-max-subjects", authmw.DefaultMaxSubjects, "Subjects whose refresh token source stays cached")
	for _, name := range []string{
		"addr", "mode", "excluded-paths", "google-audience", "static-token", "static-scopes",
		"oauth2-token-url", "oauth2-client-id", "oauth2-client-secret", "refresh-max-subjects",
	} {
		mustBind(v, flags.Lookup(name))
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics, err := authmw.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	opts := []authmw.Option{authmw.WithLogger(logger), authmw.WithMetrics(metrics)}

	var auth *authmw.Middleware
	switch mode := v.GetString("mode"); mode {
	case modeGeneric:
		auth, err = genericMiddleware(v, opts)
	case modeOAuth2:
		auth, err = oauth2Middleware(ctx, v, opts)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           newRouter(auth, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("mode", v.GetString("mode")))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRouter(auth *authmw.Middleware, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(auth.Handler)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/user", func(w http.ResponseWriter, r *http.Request) {
		user := authmw.UserFromContext(r.Context())
		writeJSON(w, map[string]any{
			"authenticated": user.Authenticated(),
			"name":          user.DisplayName(),
			"id":            user.Identity(),
		})
	})
	r.Get("/scopes", func(w http.ResponseWriter, r *http.Request) {
		creds, _ := authmw.CredentialsFromContext(r.Context())
		writeJSON(w, map[string]any{"scopes": creds.Scopes})
	})
	r.With(authmw.RequireScopes("admin")).Get("/admin", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "admin"})
	})
	return r
}

func genericMiddleware(v *viper.Viper, opts []authmw.Option) (*authmw.Middleware, error) {
	var verifier authmw.Verifier
	switch {
	case v.GetString("google-audience") != "":
		g, err := authmw.NewGoogleVerifier(authmw.GoogleConfig{
			Audience: v.GetString("google-audience"),
			Issuer:   v.GetString("issuer"),
		})
		if err != nil {
			return nil, err
		}
		verifier = g
	case v.GetString("static-token") != "":
		verifier = staticVerifier(v.GetString("static-token"), v.GetStringSlice("static-scopes"))
	default:
		return nil, errors.New("generic mode needs --google-audience or --static-token")
	}
	return authmw.NewGenericMiddleware(authmw.GenericConfig{
		Verifier:      verifier,
		ExcludedPaths: v.GetStringSlice("excluded-paths"),
	}, opts...)
}

func staticVerifier(token string, scopes []string) authmw.HeaderVerifyFunc {
	return func(_ context.Context, authorization string) ([]string, authmw.User, error) {
		if authmw.BearerToken(authorization) != token {
			return nil, nil, errors.New("unknown token")
		}
		return scopes, authmw.NewIdentity("Static", "Client", "static"), nil
	}
}

func oauth2Middleware(ctx context.Context, v *viper.Viper, opts []authmw.Option) (*authmw.Middleware, error) {
	keys, err := keySource(ctx, v)
	if err != nil {
		return nil, err
	}
	decode := decodeOptions(v)

	refresh, err := refreshFunc(v)
	if err != nil {
		return nil, err
	}
	return authmw.NewOAuth2Middleware(authmw.OAuth2Config{
		KeySource:     keys,
		DecodeOptions: &decode,
	}, refresh, opts...)
}

// refreshFunc returns nil when no token endpoint is configured, which makes
// expired tokens a plain rejection. Refreshed tokens always come from the
// subject's own stored refresh token.
func refreshFunc(v *viper.Viper) (authmw.RefreshFunc, error) {
	if v.GetString("oauth2-token-url") == "" {
		return nil, nil
	}
	stored := v.GetStringMapString("refresh-tokens")
	refresher, err := authmw.NewRefresher(authmw.RefresherConfig{
		TokenFactory: authmw.OAuth2ConfigFactory(&oauth2.Config{
			ClientID:     v.GetString("oauth2-client-id"),
			ClientSecret: v.GetString("oauth2-client-secret"),
			Endpoint:     oauth2.Endpoint{TokenURL: v.GetString("oauth2-token-url")},
		}, func(_ context.Context, subject string) (string, error) {
			return stored[strings.ToLower(subject)], nil
		}),
		MaxSubjects: v.GetInt("refresh-max-subjects"),
	})
	if err != nil {
		return nil, err
	}
	return refresher.Refresh, nil
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
