package authmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// OAuth2Config configures bearer token verification.
type OAuth2Config struct {
	// PublicKey is a PEM encoded public key. Ignored when KeySource is set.
	PublicKey string
	KeySource KeySource

	// DecodeOptions selects the enforced claims. DefaultDecodeOptions is used when nil.
	DecodeOptions *DecodeOptions

	// ScopeFunc and UserFunc replace DefaultScopes and DefaultUser when set.
	ScopeFunc ScopeFunc
	UserFunc  UserFunc

	// Clock overrides time.Now for claim checks.
	Clock func() time.Time
}

// OAuth2Backend authenticates requests carrying a signed bearer token.
type OAuth2Backend struct {
	validator *Validator
	scopes    ScopeFunc
	user      UserFunc
}

// NewOAuth2Backend resolves defaults and key material once.
func NewOAuth2Backend(cfg OAuth2Config) (*OAuth2Backend, error) {
	opts := DefaultDecodeOptions()
	if cfg.DecodeOptions != nil {
		opts = cfg.DecodeOptions.clone()
	}

	keys := cfg.KeySource
	if keys == nil && cfg.PublicKey != "" {
		var err error
		keys, err = NewPEMKeySource([]byte(cfg.PublicKey))
		if err != nil {
			return nil, err
		}
	}

	validator, err := NewValidator(keys, opts, WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}

	b := &OAuth2Backend{
		validator: validator,
		scopes:    cfg.ScopeFunc,
		user:      cfg.UserFunc,
	}
	if b.scopes == nil {
		b.scopes = DefaultScopes
	}
	if b.user == nil {
		b.user = DefaultUser
	}
	return b, nil
}

// Authenticate implements Backend.
//
// For an expired but otherwise valid token the credentials and user are
// returned together with an ErrCodeExpired error.
func (b *OAuth2Backend) Authenticate(ctx context.Context, conn Connection) (Credentials, User, error) {
	header, ok := authorizationValue(conn.Header)
	if !ok {
		return Credentials{}, nil, newError(ErrCodeHeaderMissing, nil)
	}

	claims, verr := b.validator.Validate(ctx, BearerToken(header))
	if verr != nil && !errors.Is(verr, ErrTokenExpired) {
		return Credentials{}, nil, verr
	}

	creds, user, err := b.extract(claims)
	if err != nil {
		return Credentials{}, nil, err
	}
	return creds, user, verr
}

func (b *OAuth2Backend) extract(claims DecodedToken) (creds Credentials, user User, err error) {
	defer func() {
		if r := recover(); r != nil {
			creds, user = Credentials{}, nil
			err = newError(ErrCodeVerificationFailed, fmt.Errorf("claims extractor panic: %v", r))
		}
	}()
	user = b.user(claims)
	if user == nil {
		return Credentials{}, nil, newError(ErrCodeVerificationFailed, errors.New("user extractor returned no user"))
	}
	return NewCredentials(b.scopes(claims)), user, nil
}

func authorizationValue(header http.Header) (string, bool) {
	values, ok := header[authorizationHeader]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}
