package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/pkg/color"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/terminal/pending"
	"github.com/mesa-systems/mesa-stack/terminal/restclient"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Mutations waiting for the erp",
	Long: `Inspect and replay mutations made while the erp was unreachable.

Every queued mutation keeps the transaction id of its first attempt, so a
replay that the erp already applied is answered from its idempotency record
instead of being applied twice.`,
}

func openQueue(cmd *cobra.Command) (*pending.Queue, error) {
	t := target(cmd)
	if t.QueuePath == "" {
		return nil, fmt.Errorf("no queue file configured (use --queue or MESA_QUEUE)")
	}
	if err := ensureQueueDir(t.QueuePath); err != nil {
		return nil, err
	}
	backend, err := pending.OpenBoltBackend(t.QueuePath)
	if err != nil {
		return nil, err
	}
	return pending.New(backend, pending.WithLogger(newLogger(cmd))), nil
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued mutations, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		envs, err := q.List(cmd.Context())
		if err != nil {
			return err
		}
		if envs == nil {
			envs = []pending.MutationEnvelope{}
		}
		return output.Write(cmd.OutOrStdout(), format, envs, func() *output.Table {
			table := output.NewTable("TRANSACTION", "MODULE", "REQUEST", "RESTAURANT", "ATTEMPTS", "STATE", "FIRST ATTEMPT", "LAST ERROR")
			for _, e := range envs {
				table.AddRow(e.IdempotencyKey, e.Module, e.Method+" "+e.Endpoint, short(e.RestaurantID),
					fmt.Sprint(e.Attempts), color.Status(string(e.State)),
					e.FirstAttemptedAt.Local().Format(time.DateTime), e.LastError)
			}
			return table
		})
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay queued mutations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		t := target(cmd)
		token := t.Token
		client := restclient.New(t.APIURL,
			restclient.WithTokenSource(func() string { return token }),
			restclient.WithSource(source),
			restclient.WithLogger(newLogger(cmd)),
		)

		report, err := q.Flush(cmd.Context(), client)
		if err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}

		for _, e := range report.Confirmed {
			output.Success("%s %s confirmed (%s)", e.Method, e.Endpoint, e.IdempotencyKey)
		}
		for _, e := range report.Discarded {
			output.Warn("%s %s rejected by the erp: %s", e.Method, e.Endpoint, e.LastError)
		}
		for _, e := range report.Abandoned {
			output.Error("%s %s abandoned: %s", e.Method, e.Endpoint, e.LastError)
		}
		if report.Interrupted != nil {
			output.Warn("Flush stopped, erp unreachable: %v", report.Interrupted)
		}
		output.Info("%d settled, %d still queued", report.Settled(), report.Remaining)
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard [transaction]",
	Short: "Drop a queued mutation without sending it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("give either a transaction id or --all")
		}

		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		keys := args
		if all {
			envs, err := q.List(cmd.Context())
			if err != nil {
				return err
			}
			keys = nil
			for _, e := range envs {
				keys = append(keys, e.IdempotencyKey)
			}
		}

		for _, key := range keys {
			if err := q.Remove(cmd.Context(), key); err != nil {
				return fmt.Errorf("failed to discard %s: %w", key, err)
			}
			output.Success("Discarded %s", key)
		}
		if len(keys) == 0 {
			output.Info("Queue is empty")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queueDiscardCmd)

	queueDiscardCmd.Flags().Bool("all", false, "discard every queued mutation")
}
