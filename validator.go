package authmw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// Validator decodes signed tokens and enforces the configured claim checks.
// It holds no per-request state and is safe for concurrent use.
type Validator struct {
	keys KeySource
	opts DecodeOptions
	algs map[jwa.SignatureAlgorithm]struct{}
	now  func() time.Time
}

// ValidatorOption customizes a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the time source used for exp, nbf and iat checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewValidator checks opts and builds a validator. keys may be nil only when
// signature verification is disabled.
func NewValidator(keys KeySource, opts DecodeOptions, options ...ValidatorOption) (*Validator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.VerifySignature && keys == nil {
		return nil, configError("key material is required when signature verification is enabled")
	}
	algs, err := opts.algorithmSet()
	if err != nil {
		return nil, err
	}
	v := &Validator{
		keys: keys,
		opts: opts.clone(),
		algs: algs,
		now:  time.Now,
	}
	for _, o := range options {
		o(v)
	}
	return v, nil
}

// Validate verifies token and returns its claims.
//
// Expiry is checked last: when the only failure is an elapsed "exp", the
// returned error has code ErrCodeExpired and the claims are returned as well,
// already verified in every other respect.
func (v *Validator) Validate(ctx context.Context, token string) (DecodedToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newError(ErrCodeInvalidToken, errors.New("token is empty"))
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}

	payload := msg.Payload()
	if v.opts.VerifySignature {
		payload, err = jws.Verify([]byte(token), jws.WithKeyProvider(v.keyProvider(ctx)))
		if err != nil {
			return nil, newError(ErrCodeSignatureInvalid, err)
		}
	}

	claims, err := decodeClaims(payload)
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}
	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	if v.opts.VerifyExpiry {
		exp, ok, err := numericDate(claims, "exp")
		if err != nil {
			return nil, newError(ErrCodeInvalidToken, err)
		}
		if ok && !v.now().Before(exp.Add(v.opts.Leeway)) {
			return claims, newError(ErrCodeExpired, fmt.Errorf("token expired at %s", exp.UTC().Format(time.RFC3339)))
		}
	}
	return claims, nil
}

func (v *Validator) keyProvider(ctx context.Context) jws.KeyProvider {
	return jws.KeyProviderFunc(func(_ context.Context, sink jws.KeySink, sig *jws.Signature, _ *jws.Message) error {
		headers := sig.ProtectedHeaders()
		alg := headers.Algorithm()
		if _, ok := v.algs[alg]; !ok {
			return fmt.Errorf("algorithm %q is not allowed", alg)
		}
		key, err := v.keys.Key(ctx, headers.KeyID())
		if err != nil {
			return err
		}
		sink.Key(alg, key)
		return nil
	})
}

func (v *Validator) checkClaims(claims DecodedToken) error {
	now := v.now()
	leeway := v.opts.Leeway

	if v.opts.VerifyNotBefore {
		nbf, ok, err := numericDate(claims, "nbf")
		if err != nil {
			return newError(ErrCodeInvalidToken, err)
		}
		if ok && now.Add(leeway).Before(nbf) {
			return newError(ErrCodeNotYetValid, fmt.Errorf("token not valid before %s", nbf.UTC().Format(time.RFC3339)))
		}
	}
	if v.opts.VerifyIssuedAt {
		iat, ok, err := numericDate(claims, "iat")
		if err != nil {
			return newError(ErrCodeInvalidToken, err)
		}
		if ok && now.Add(leeway).Before(iat) {
			return newError(ErrCodeNotYetValid, fmt.Errorf("token issued in the future at %s", iat.UTC().Format(time.RFC3339)))
		}
	}
	if v.opts.VerifyIssuer {
		if iss, _ := claims.String("iss"); iss != v.opts.Issuer {
			return newError(ErrCodeClaimMismatch, fmt.Errorf("issuer mismatch: got %q, want %q", iss, v.opts.Issuer))
		}
	}
	if v.opts.VerifyAudience {
		aud, err := audienceOf(claims)
		if err != nil {
			return newError(ErrCodeInvalidToken, err)
		}
		if !containsString(aud, v.opts.Audience) {
			return newError(ErrCodeClaimMismatch, fmt.Errorf("audience %v does not include %q", aud, v.opts.Audience))
		}
	}
	return nil
}

// unverifiedClaims reads the payload of a compact JWS without checking its
// signature.
func unverifiedClaims(token string) (DecodedToken, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, err
	}
	return decodeClaims(msg.Payload())
}

// decodeClaims decodes a JSON object payload. Integral numbers become int64,
// the rest float64, so "sub": 42 survives as 42.
func decodeClaims(payload []byte) (DecodedToken, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decode claims: payload is not a JSON object")
	}
	for k, val := range raw {
		raw[k] = normalizeNumbers(val)
	}
	return DecodedToken(raw), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
	}
	return v
}

// numericDate reads a NumericDate claim. ok is false when the claim is absent.
func numericDate(claims DecodedToken, name string) (time.Time, bool, error) {
	raw, present := claims[name]
	if !present || raw == nil {
		return time.Time{}, false, nil
	}
	switch t := raw.(type) {
	case int64:
		return time.Unix(t, 0), true, nil
	case float64:
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)), true, nil
	}
	return time.Time{}, false, fmt.Errorf("claim %q is not a numeric date", name)
}

// audienceOf accepts "aud" as a single string or an array of strings.
func audienceOf(claims DecodedToken) ([]string, error) {
	switch t := claims["aud"].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New(`claim "aud" contains a non-string value`)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.New(`claim "aud" is neither a string nor an array`)
}

// claimText renders string and numeric claim values.
func claimText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// BearerToken returns the trailing whitespace-delimited segment of an
// Authorization header value, so "Bearer <t>" and "<t>" both yield "<t>".
func BearerToken(headerValue string) string {
	fields := strings.Fields(headerValue)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
