package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/pkg/color"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging/nats"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/socket"
)

var watchedEvents = []string{
	models.EventCashSessionUpdated,
	models.EventCashMovementAdded,
	models.EventReservationCreated,
	models.EventReservationUpdated,
	models.EventReservationDeleted,
	models.EventNewOrder,
	models.EventOrderStatusUpdated,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream a restaurant's realtime events",
	Long: `Join the restaurant room and print every broadcast until interrupted.

Events come from the erp websocket gateway by default, or straight from the
broker with --transport nats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		t := target(cmd)
		if err := t.RequireRestaurant(); err != nil {
			return err
		}
		events, _ := cmd.Flags().GetStringSlice("event")
		count, _ := cmd.Flags().GetInt("count")
		kind, _ := cmd.Flags().GetString("transport")
		logger := newLogger(cmd)

		var transport socket.Transport
		switch kind {
		case "websocket", "ws":
			token := t.Token
			transport = socket.NewWebSocketTransport(t.RealtimeURL,
				socket.WithBearerToken(func() string { return token }),
				socket.WithWebSocketLogger(logger),
			)
		case "nats":
			natsCfg := nats.DefaultConfig()
			natsCfg.Name = "mesa-cli"
			natsCfg.Logger = logger
			if t.NATSURL != "" {
				natsCfg.URL = t.NATSURL
			}
			if u, _ := cmd.Flags().GetString("nats-url"); u != "" {
				natsCfg.URL = u
			}
			client, err := nats.NewClient(natsCfg)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer client.Close()
			transport = socket.NewNATSTransport(client, logger)
		default:
			return fmt.Errorf("unknown transport %q (want websocket or nats)", kind)
		}

		manager := socket.NewManager(transport, logger)
		defer manager.Close()

		return watch(cmd.Context(), manager, watchOptions{
			restaurantID: t.RestaurantID,
			events:       events,
			count:        count,
			format:       format,
			out:          cmd.OutOrStdout(),
			logger:       logger,
		})
	},
}

type watchOptions struct {
	restaurantID string
	events       []string
	// count stops after that many events; zero runs until ctx is done.
	count  int
	format output.Format
	out    io.Writer
	logger *logging.Logger
}

// watch prints the room's events from one goroutine so lines never
// interleave.
func watch(ctx context.Context, m *socket.Manager, opts watchOptions) error {
	names := opts.events
	if len(names) == 0 {
		names = watchedEvents
	}

	received := make(chan models.Event, 64)
	for _, name := range names {
		m.On(name, func(ctx context.Context, ev models.Event) {
			select {
			case received <- ev:
			case <-ctx.Done():
			}
		})
	}
	// The hooks also fire on the first connect, when nothing was missed.
	var joined atomic.Bool
	stop := m.OnReconnect(func(context.Context) {
		if joined.Swap(true) {
			output.Warn("Reconnected to %s, events sent while disconnected were missed", opts.restaurantID)
		}
	})
	defer stop()

	if err := m.Connect(ctx, opts.restaurantID); err != nil {
		return fmt.Errorf("failed to join restaurant %s: %w", opts.restaurantID, err)
	}
	if m.IsConnected() {
		joined.Store(true)
	}
	if opts.format == output.FormatTable {
		output.Info("Watching %s (Ctrl-C to stop)", opts.restaurantID)
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-received:
			if err := printEvent(opts.out, opts.format, ev); err != nil {
				return err
			}
			seen++
			if opts.count > 0 && seen >= opts.count {
				return nil
			}
		}
	}
}

func printEvent(w io.Writer, format output.Format, ev models.Event) error {
	switch format {
	case output.FormatJSON:
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	case output.FormatYAML:
		fmt.Fprintln(w, "---")
		return output.YAML(w, ev)
	}

	txn := "-"
	if ev.TransactionID != "" {
		txn = short(ev.TransactionID)
	}
	_, err := fmt.Fprintf(w, "%s  %-22s  %-8s  %s\n",
		ev.Timestamp.Local().Format(time.TimeOnly), color.Info.Sprint(ev.Name), txn, eventSummary(ev))
	return err
}

// eventSummary names the entity an event carries without dumping it.
func eventSummary(ev models.Event) string {
	var entity struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		TableID      string `json:"table_id"`
		CustomerName string `json:"customer_name"`
		Type         string `json:"type"`
		Amount       *int64 `json:"amount"`
		Total        *int64 `json:"total"`
	}
	if err := ev.Decode(&entity); err != nil {
		return string(ev.Data)
	}

	s := short(entity.ID)
	if entity.TableID != "" {
		s += " table " + entity.TableID
	}
	if entity.CustomerName != "" {
		s += " " + entity.CustomerName
	}
	if entity.Type != "" {
		s += " " + entity.Type
	}
	if entity.Amount != nil {
		s += " " + output.Money(*entity.Amount)
	}
	if entity.Total != nil {
		s += " " + output.Money(*entity.Total)
	}
	if entity.Status != "" {
		s += " " + color.Status(entity.Status)
	}
	return s
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringSlice("event", nil, "only these events (default: all)")
	watchCmd.Flags().Int("count", 0, "exit after this many events")
	watchCmd.Flags().String("transport", "websocket", "websocket or nats")
	watchCmd.Flags().String("nats-url", "", "NATS server for --transport nats")
}
