package authmw

import (
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

const (
	defaultAlgorithm   = "RS256"
	defaultMinRefresh  = 5 * time.Minute
	defaultHTTPTimeout = 5 * time.Second
)

// DecodeOptions controls which claims Validator enforces.
type DecodeOptions struct {
	VerifySignature bool
	VerifyExpiry    bool
	VerifyIssuedAt  bool
	VerifyNotBefore bool
	VerifyIssuer    bool
	VerifyAudience  bool

	Issuer            string
	Audience          string
	AllowedAlgorithms []string
	Leeway            time.Duration
}

// DefaultDecodeOptions verifies signature, expiry and issued-at with RS256 only.
// Not-before, issuer and audience checks are off until explicitly enabled.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		VerifySignature:   true,
		VerifyExpiry:      true,
		VerifyIssuedAt:    true,
		AllowedAlgorithms: []string{defaultAlgorithm},
	}
}

// validate ensures the option set is internally consistent.
func (o DecodeOptions) validate() error {
	switch {
	case o.VerifyIssuer && o.Issuer == "":
		return configError("issuer is required when issuer verification is enabled")
	case o.VerifyAudience && o.Audience == "":
		return configError("audience is required when audience verification is enabled")
	case o.VerifySignature && len(o.AllowedAlgorithms) == 0:
		return configError("at least one signature algorithm must be allowed")
	case o.Leeway < 0:
		return configError("leeway must not be negative")
	}
	_, err := o.algorithmSet()
	return err
}

// algorithmSet resolves AllowedAlgorithms into jwa values. "none" is never accepted.
func (o DecodeOptions) algorithmSet() (map[jwa.SignatureAlgorithm]struct{}, error) {
	known := make(map[jwa.SignatureAlgorithm]struct{})
	for _, alg := range jwa.SignatureAlgorithms() {
		known[alg] = struct{}{}
	}
	set := make(map[jwa.SignatureAlgorithm]struct{}, len(o.AllowedAlgorithms))
	for _, name := range o.AllowedAlgorithms {
		alg := jwa.SignatureAlgorithm(strings.TrimSpace(name))
		if alg == jwa.NoSignature {
			return nil, configError("algorithm %q is not allowed", name)
		}
		if _, ok := known[alg]; !ok {
			return nil, configError("unknown signature algorithm %q", name)
		}
		set[alg] = struct{}{}
	}
	return set, nil
}

func (o DecodeOptions) clone() DecodeOptions {
	out := o
	out.AllowedAlgorithms = append([]string(nil), o.AllowedAlgorithms...)
	return out
}

// JWKSConfig describes a remote JSON Web Key Set.
type JWKSConfig struct {
	URL         string
	MinRefresh  time.Duration
	HTTPTimeout time.Duration
}

// normalize sets default values for optional fields.
func (c *JWKSConfig) normalize() {
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

func (c JWKSConfig) validate() error {
	if c.URL == "" {
		return configError("jwks url is required")
	}
	return nil
}
