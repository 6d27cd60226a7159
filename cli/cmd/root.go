package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/internal/config"
	"github.com/mesa-systems/mesa-stack/cli/pkg/color"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/common/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mesa",
	Short: "Mesa restaurant ERP CLI",
	Long: `mesa is the command-line terminal for the Mesa restaurant ERP.

Run the cash register, book tables and move kitchen orders from your
terminal. Mutations made while the erp is unreachable are queued in
~/.mesa/pending.db and replayed with their original transaction ids.`,
	Version:      "0.1.0",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			color.SetEnabled(false)
		}
		_, err := outputFormat(cmd)
		return err
	},
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.mesa/config.yaml)")
	flags.String("profile", "", "profile to use (default: current profile)")
	flags.StringP("output", "o", "table", "output format: table, json, yaml")
	flags.StringP("restaurant", "r", "", "restaurant id")
	flags.String("api-url", "", "erp API root, e.g. http://localhost:8080/api/v1")
	flags.String("realtime-url", "", "erp websocket gateway, e.g. ws://localhost:8080/ws")
	flags.String("token", "", "bearer token")
	flags.String("queue", "", "pending queue file (default: $HOME/.mesa/pending.db)")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	flags.Bool("no-color", false, "disable coloured output")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// target resolves the active profile and applies the global flag overrides.
func target(cmd *cobra.Command) config.Target {
	profile, _ := cmd.Flags().GetString("profile")
	t := cfg.Resolve(profile)

	override := func(flag string, dst *string) {
		if cmd.Flags().Changed(flag) {
			*dst, _ = cmd.Flags().GetString(flag)
		}
	}
	override("restaurant", &t.RestaurantID)
	override("api-url", &t.APIURL)
	override("realtime-url", &t.RealtimeURL)
	override("token", &t.Token)
	override("queue", &t.QueuePath)
	return t
}

func outputFormat(cmd *cobra.Command) (output.Format, error) {
	f, _ := cmd.Flags().GetString("output")
	return output.ParseFormat(f)
}

// newLogger writes to stderr so command output stays parseable.
func newLogger(cmd *cobra.Command) *logging.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(level), "text")
}
