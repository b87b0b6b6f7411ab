// Command authmw-demo serves a small HTTP API guarded by the authmw middleware
// and validates tokens from the command line.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AUTHMW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "authmw-demo",
		Short:         "Exercise the authmw middleware",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", path, err)
				}
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("public-key-file", "", "PEM encoded public key used to verify tokens")
	flags.String("jwks-url", "", "JWKS endpoint used to verify tokens")
	flags.String("issuer", "", "Expected issuer; also used for OIDC discovery when no key is given")
	flags.String("audience", "", "Expected audience")
	flags.Bool("verify-iss", false, "Enforce the iss claim")
	flags.Bool("verify-aud", false, "Enforce the aud claim")
	flags.Bool("verify-nbf", false, "Enforce the nbf claim")
	flags.StringSlice("algorithms", []string{"RS256"}, "Accepted signature algorithms")
	flags.Duration("leeway", 0, "Clock skew tolerated for time based claims")
	mustBind(v, flags.Lookup("config"))
	mustBind(v, flags.Lookup("debug"))
	mustBind(v, flags.Lookup("public-key-file"))
	mustBind(v, flags.Lookup("jwks-url"))
	mustBind(v, flags.Lookup("issuer"))
	mustBind(v, flags.Lookup("audience"))
	mustBind(v, flags.Lookup("verify-iss"))
	mustBind(v, flags.Lookup("verify-aud"))
	mustBind(v, flags.Lookup("verify-nbf"))
	mustBind(v, flags.Lookup("algorithms"))
	mustBind(v, flags.Lookup("leeway"))

	root.AddCommand(newServeCmd(v), newValidateCmd(v))
	return root
}

func newLogger(v *viper.Viper) (*zap.Logger, error) {
	if v.GetBool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
