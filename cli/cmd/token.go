package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/internal/config"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/erp/pkg/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Development access tokens",
	Long:  "Sign and check erp access tokens with the server's shared secret. Meant for development setups.",
}

// tokenSecret reads --secret, then MESA_JWT_SECRET, then the erp's own
// ERP_AUTH_JWT_SECRET.
func tokenSecret(cmd *cobra.Command) (string, error) {
	if s, _ := cmd.Flags().GetString("secret"); s != "" {
		return s, nil
	}
	for _, env := range []string{"MESA_JWT_SECRET", "ERP_AUTH_JWT_SECRET"} {
		if s := os.Getenv(env); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("signing secret is required (--secret or MESA_JWT_SECRET)")
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Sign an access token",
	Example: `  mesa token create --user maria --restaurant-id r-centro --restaurant-id r-praia --save
  mesa token create --user ops --role admin --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := tokenSecret(cmd)
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		restaurants, _ := cmd.Flags().GetStringSlice("restaurant-id")
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		token, err := tokens.NewTokenGenerator(secret, ttl).GenerateAccessToken(user, restaurants, roles)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}

		if !save {
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}

		name := target(cmd).Profile
		if name == "" {
			name = "default"
		}
		profile, _ := cfg.GetProfile(name)
		if profile == nil {
			profile = &config.Profile{}
		}
		profile.Token = token
		profile.User = user
		if len(restaurants) > 0 && profile.RestaurantID == "" {
			profile.RestaurantID = restaurants[0]
		}
		if err := cfg.SetProfile(name, profile); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		output.Success("Token for %s saved to profile '%s' (expires %s)",
			user, name, time.Now().Add(ttl).Format(time.DateTime))
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Check a token and show its claims",
	Long:  "Check a token (default: the active profile's) against the signing secret and show its claims",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		secret, err := tokenSecret(cmd)
		if err != nil {
			return err
		}
		raw := target(cmd).Token
		if len(args) == 1 {
			raw = args[0]
		}
		if raw == "" {
			return fmt.Errorf("no token given and the active profile has none")
		}

		claims, err := tokens.NewTokenGenerator(secret, 0).ValidateAccessToken(raw)
		if err != nil {
			return err
		}
		return output.Write(cmd.OutOrStdout(), format, claims, func() *output.Table {
			table := output.NewTable("CLAIM", "VALUE")
			table.AddRow("User", claims.UserID)
			table.AddRow("Restaurants", strings.Join(claims.RestaurantIDs, ", "))
			table.AddRow("Roles", strings.Join(claims.Roles, ", "))
			if claims.ExpiresAt != nil {
				table.AddRow("Expires", claims.ExpiresAt.Local().Format(time.DateTime))
			}
			return table
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)

	tokenCmd.PersistentFlags().String("secret", "", "HS256 signing secret shared with the erp")

	tokenCreateCmd.Flags().StringP("user", "u", "", "user id")
	tokenCreateCmd.Flags().StringSlice("restaurant-id", nil, "restaurant the token grants (repeatable)")
	tokenCreateCmd.Flags().StringSlice("role", nil, "role, e.g. admin (repeatable)")
	tokenCreateCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	tokenCreateCmd.Flags().Bool("save", false, "store the token in the active profile")
	if err := tokenCreateCmd.MarkFlagRequired("user"); err != nil {
		panic(fmt.Sprintf("failed to mark user as required: %v", err))
	}
}
