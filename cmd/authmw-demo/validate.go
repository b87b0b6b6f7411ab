package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bionicotaku/lingo-utils-authmw"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a token and print its claims",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token := v.GetString("token")
			if token == "" {
				return errors.New("--token is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()
			return runValidate(ctx, v, token)
		},
	}
	cmd.Flags().String("token", "", "Token to validate (env AUTHMW_TOKEN)")
	cmd.Flags().Duration("timeout", 10*time.Second, "Timeout for key retrieval")
	mustBind(v, cmd.Flags().Lookup("token"))
	mustBind(v, cmd.Flags().Lookup("timeout"))
	return cmd
}

func runValidate(ctx context.Context, v *viper.Viper, token string) error {
	keys, err := keySource(ctx, v)
	if err != nil {
		return err
	}
	validator, err := authmw.NewValidator(keys, decodeOptions(v))
	if err != nil {
		return err
	}

	claims, verr := validator.Validate(ctx, authmw.BearerToken(token))
	if verr != nil && !errors.Is(verr, authmw.ErrTokenExpired) {
		return fmt.Errorf("token rejected: %w", verr)
	}

	creds := authmw.NewCredentials(authmw.DefaultScopes(claims))
	user := authmw.DefaultUser(claims)
	out := map[string]any{
		"claims":  claims,
		"scopes":  creds.Scopes,
		"user":    user.DisplayName(),
		"expired": verr != nil,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
