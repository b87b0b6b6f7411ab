package authmw

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
)

var googleValidate = idtoken.Validate

// GoogleConfig configures a GoogleVerifier.
type GoogleConfig struct {
	// Audience is the expected "aud" of the ID token.
	Audience string
	// Issuer, when set, must match "iss" exactly.
	Issuer      string
	HTTPTimeout time.Duration
	ScopeFunc   ScopeFunc
	UserFunc    UserFunc
}

func (c *GoogleConfig) normalize() {
	c.Audience = strings.TrimSpace(c.Audience)
	c.Issuer = strings.TrimSpace(c.Issuer)
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.ScopeFunc == nil {
		c.ScopeFunc = DefaultScopes
	}
	if c.UserFunc == nil {
		c.UserFunc = DefaultUser
	}
}

// GoogleVerifier verifies Google-signed ID tokens. It is meant to be used as
// the Verifier of a GenericBackend.
type GoogleVerifier struct {
	cfg GoogleConfig
}

// NewGoogleVerifier validates cfg and builds the verifier.
func NewGoogleVerifier(cfg GoogleConfig) (*GoogleVerifier, error) {
	cfg.normalize()
	if cfg.Audience == "" {
		return nil, configError("audience is required")
	}
	return &GoogleVerifier{cfg: cfg}, nil
}

// Verify implements Verifier.
func (g *GoogleVerifier) Verify(ctx context.Context, header http.Header) ([]string, User, error) {
	token := BearerToken(header.Get(authorizationHeader))
	if token == "" {
		return nil, nil, newError(ErrCodeInvalidToken, errors.New("token is empty"))
	}

	validateCtx, cancel := context.WithTimeout(ctx, g.cfg.HTTPTimeout)
	defer cancel()

	payload, err := googleValidate(validateCtx, token, g.cfg.Audience)
	if err != nil {
		return nil, nil, mapGoogleError(err)
	}
	if g.cfg.Issuer != "" && payload.Issuer != g.cfg.Issuer {
		return nil, nil, newError(ErrCodeClaimMismatch, errors.New("issuer mismatch"))
	}

	claims := claimsFromGooglePayload(payload)
	return g.cfg.ScopeFunc(claims), g.cfg.UserFunc(claims), nil
}

func claimsFromGooglePayload(payload *idtoken.Payload) DecodedToken {
	claims := make(DecodedToken, len(payload.Claims)+5)
	for k, v := range payload.Claims {
		claims[k] = v
	}
	claims["iss"] = payload.Issuer
	claims["aud"] = payload.Audience
	claims["sub"] = payload.Subject
	claims["exp"] = payload.Expires
	claims["iat"] = payload.IssuedAt
	return claims
}

func mapGoogleError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "audience provided does not match"):
		return newError(ErrCodeClaimMismatch, err)
	case strings.Contains(msg, "token expired"):
		return newError(ErrCodeExpired, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrCodeKeyUnavailable, err)
	}
	return newError(ErrCodeInvalidToken, err)
}
