package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/pkg/color"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/reservations"
	"github.com/mesa-systems/mesa-stack/terminal/session"
)

// Accepted by every time flag, tried in order. Zone-less layouts are local.
var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC 3339 or \"2006-01-02 15:04\")", s)
}

var reservationsCmd = &cobra.Command{
	Use:     "reservations",
	Aliases: []string{"res"},
	Short:   "Table reservations",
}

var reservationsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List reservations",
	Long:    "List reservations between --from and --to (default: today and the next 7 days)",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		filter, err := windowFlags(cmd)
		if err != nil {
			return err
		}

		s, _, err := openSession(cmd, func(o *session.Options) { o.ReservationWindow = filter })
		if err != nil {
			return err
		}
		defer s.Close()

		list := s.Reservations().List()
		if list == nil {
			list = []models.Reservation{}
		}
		return output.Write(cmd.OutOrStdout(), format, list, func() *output.Table {
			table := output.NewTable("ID", "TABLE", "CUSTOMER", "PARTY", "STARTS", "ENDS", "STATUS")
			for _, r := range list {
				table.AddRow(short(r.ID), r.TableID, r.CustomerName, fmt.Sprint(r.PartySize),
					r.StartsAt.Local().Format("2006-01-02 15:04"), r.EndsAt.Local().Format("15:04"),
					color.Status(string(r.Status)))
			}
			return table
		})
	},
}

func windowFlags(cmd *cobra.Command) (reservations.Filter, error) {
	var filter reservations.Filter
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	filter.From = today
	filter.To = today.AddDate(0, 0, 8)

	if from, _ := cmd.Flags().GetString("from"); from != "" {
		t, err := parseTime(from)
		if err != nil {
			return filter, fmt.Errorf("--from: %w", err)
		}
		filter.From = t
	}
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		t, err := parseTime(to)
		if err != nil {
			return filter, fmt.Errorf("--to: %w", err)
		}
		filter.To = t
	}
	if !filter.To.After(filter.From) {
		return filter, fmt.Errorf("--to must be after --from")
	}
	return filter, nil
}

var reservationsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Book a table",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		at, _ := flags.GetString("at")
		starts, err := parseTime(at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		duration, _ := flags.GetDuration("duration")

		in := reservations.Input{StartsAt: starts, EndsAt: starts.Add(duration)}
		in.TableID, _ = flags.GetString("table")
		in.CustomerName, _ = flags.GetString("customer")
		in.CustomerPhone, _ = flags.GetString("phone")
		in.PartySize, _ = flags.GetInt("party")
		in.Notes, _ = flags.GetString("notes")
		status, _ := flags.GetString("status")
		in.Status = models.ReservationStatus(status)

		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.Reservations().Create(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		id := res.Key
		if res.Entity != nil {
			id = res.Entity.ID
		}
		report(fmt.Sprintf("Table %s booked for %s at %s (reservation %s)",
			in.TableID, in.CustomerName, starts.Format("2006-01-02 15:04"), short(id)), res)
		return nil
	},
}

var reservationsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var changes reservations.Changes
		if flags.Changed("table") {
			v, _ := flags.GetString("table")
			changes.TableID = &v
		}
		if flags.Changed("customer") {
			v, _ := flags.GetString("customer")
			changes.CustomerName = &v
		}
		if flags.Changed("phone") {
			v, _ := flags.GetString("phone")
			changes.CustomerPhone = &v
		}
		if flags.Changed("party") {
			v, _ := flags.GetInt("party")
			changes.PartySize = &v
		}
		if flags.Changed("notes") {
			v, _ := flags.GetString("notes")
			changes.Notes = &v
		}
		if flags.Changed("status") {
			v, _ := flags.GetString("status")
			status := models.ReservationStatus(v)
			changes.Status = &status
		}

		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := resolveReservation(s, args[0])
		if err != nil {
			return err
		}

		if flags.Changed("at") {
			at, _ := flags.GetString("at")
			starts, err := parseTime(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			length := 2 * time.Hour
			if current, ok := s.Reservations().Get(id); ok {
				length = current.EndsAt.Sub(current.StartsAt)
			}
			if flags.Changed("duration") {
				length, _ = flags.GetDuration("duration")
			}
			ends := starts.Add(length)
			starts, ends = starts.UTC(), ends.UTC()
			changes.StartsAt, changes.EndsAt = &starts, &ends
		}

		res, err := s.Reservations().Update(cmd.Context(), id, changes)
		if err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		report(fmt.Sprintf("Reservation %s updated", short(id)), res)
		return nil
	},
}

var reservationsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a reservation and release its table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := resolveReservation(s, args[0])
		if err != nil {
			return err
		}
		res, err := s.Reservations().Cancel(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to cancel reservation: %w", err)
		}
		report(fmt.Sprintf("Reservation %s cancelled", short(id)), res)
		return nil
	},
}

var reservationsDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a reservation",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := resolveReservation(s, args[0])
		if err != nil {
			return err
		}
		res, err := s.Reservations().Delete(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to delete reservation: %w", err)
		}
		report(fmt.Sprintf("Reservation %s deleted", short(id)), res)
		return nil
	},
}

func resolveReservation(s *session.Session, prefix string) (string, error) {
	list := s.Reservations().List()
	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	return resolveID(prefix, ids)
}

func init() {
	rootCmd.AddCommand(reservationsCmd)
	reservationsCmd.AddCommand(reservationsListCmd)
	reservationsCmd.AddCommand(reservationsCreateCmd)
	reservationsCmd.AddCommand(reservationsUpdateCmd)
	reservationsCmd.AddCommand(reservationsCancelCmd)
	reservationsCmd.AddCommand(reservationsDeleteCmd)

	reservationsListCmd.Flags().String("from", "", "window start (default: today)")
	reservationsListCmd.Flags().String("to", "", "window end (default: 8 days after today)")

	for _, c := range []*cobra.Command{reservationsCreateCmd, reservationsUpdateCmd} {
		c.Flags().String("table", "", "table id")
		c.Flags().String("customer", "", "customer name")
		c.Flags().String("phone", "", "customer phone")
		c.Flags().Int("party", 2, "party size")
		c.Flags().String("at", "", "start time, e.g. \"2026-10-18 20:30\"")
		c.Flags().Duration("duration", 2*time.Hour, "length of the booking")
		c.Flags().String("notes", "", "notes")
		c.Flags().String("status", "", "pending, confirmed, seated, completed, cancelled or no_show")
	}
	for _, name := range []string{"table", "customer", "at"} {
		if err := reservationsCreateCmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("failed to mark %s as required: %v", name, err))
		}
	}
}
