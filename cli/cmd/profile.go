package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/internal/config"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Connection profiles",
	Long:  "Manage the erp servers, tokens and restaurants stored in ~/.mesa/config.yaml",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or change a profile and make it current",
	Example: `  mesa profile set centro --api-url https://erp.example.com/api/v1 \
    --realtime-url wss://erp.example.com/ws -r r-centro --user maria`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		p, _ := cfg.GetProfile(name)
		if p == nil {
			p = &config.Profile{}
		}

		set := func(flag string, dst *string) {
			if cmd.Flags().Changed(flag) {
				*dst, _ = cmd.Flags().GetString(flag)
			}
		}
		set("api-url", &p.APIURL)
		set("realtime-url", &p.RealtimeURL)
		set("nats-url", &p.NATSURL)
		set("token", &p.Token)
		set("user", &p.User)
		set("restaurant", &p.RestaurantID)

		if err := cfg.SetProfile(name, p); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' saved to %s", name, cfg.Path())
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.UseProfile(args[0]); err != nil {
			return err
		}
		output.Success("Now using profile '%s'", args[0])
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)

		return output.Write(cmd.OutOrStdout(), format, cfg.Profiles, func() *output.Table {
			table := output.NewTable("", "NAME", "API", "RESTAURANT", "USER")
			for _, name := range names {
				p := cfg.Profiles[name]
				marker := ""
				if name == cfg.CurrentProfile {
					marker = "*"
				}
				table.AddRow(marker, name, p.APIURL, p.RestaurantID, p.User)
			}
			return table
		})
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the settings commands will use",
	Long:  "Show the active profile merged with defaults, MESA_* variables and flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		t := target(cmd)
		t.Token = mask(t.Token)

		return output.Write(cmd.OutOrStdout(), format, t, func() *output.Table {
			table := output.NewTable("SETTING", "VALUE")
			table.AddRow("Profile", t.Profile)
			table.AddRow("API", t.APIURL)
			table.AddRow("Realtime", t.RealtimeURL)
			table.AddRow("NATS", t.NATSURL)
			table.AddRow("Restaurant", t.RestaurantID)
			table.AddRow("User", t.User)
			table.AddRow("Token", t.Token)
			table.AddRow("Queue", t.QueuePath)
			return table
		})
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a profile",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Removed profile '%s'", args[0])
		return nil
	},
}

func mask(token string) string {
	if len(token) <= 12 {
		if token == "" {
			return ""
		}
		return "****"
	}
	return token[:6] + "…" + token[len(token)-4:]
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileUseCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileRemoveCmd)

	profileSetCmd.Flags().String("nats-url", "", "NATS server for mesa watch --transport nats")
	profileSetCmd.Flags().String("user", "", "user id recorded on cash operations")
}
