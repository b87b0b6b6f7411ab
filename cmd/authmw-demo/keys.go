package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bionicotaku/lingo-utils-authmw"
)

func mustBind(v *viper.Viper, flag *pflag.Flag) {
	if err := v.BindPFlag(flag.Name, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag.Name, err))
	}
}

func decodeOptions(v *viper.Viper) authmw.DecodeOptions {
	opts := authmw.DefaultDecodeOptions()
	opts.VerifyIssuer = v.GetBool("verify-iss")
	opts.VerifyAudience = v.GetBool("verify-aud")
	opts.VerifyNotBefore = v.GetBool("verify-nbf")
	opts.Issuer = v.GetString("issuer")
	opts.Audience = v.GetString("audience")
	opts.AllowedAlgorithms = v.GetStringSlice("algorithms")
	opts.Leeway = v.GetDuration("leeway")
	return opts
}

// keySource picks, in order: a PEM file, a JWKS URL, OIDC discovery on the issuer.
func keySource(ctx context.Context, v *viper.Viper) (authmw.KeySource, error) {
	if path := v.GetString("public-key-file"); path != "" {
		pemData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		return authmw.NewPEMKeySource(pemData)
	}

	var (
		src *authmw.JWKSKeySource
		err error
	)
	switch {
	case v.GetString("jwks-url") != "":
		src, err = authmw.NewJWKSKeySource(authmw.JWKSConfig{URL: v.GetString("jwks-url")})
	case v.GetString("issuer") != "":
		src, err = authmw.DiscoverJWKSKeySource(ctx, v.GetString("issuer"), authmw.JWKSConfig{})
	default:
		return nil, fmt.Errorf("one of --public-key-file, --jwks-url or --issuer is required")
	}
	if err != nil {
		return nil, err
	}
	if err := src.Warmup(ctx); err != nil {
		return nil, fmt.Errorf("warmup jwks: %w", err)
	}
	return src, nil
}
