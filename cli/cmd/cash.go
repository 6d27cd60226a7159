package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/pkg/color"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/cash"
)

var cashCmd = &cobra.Command{
	Use:   "cash",
	Short: "Cash register",
	Long:  "Open and close the cash session and record movements",
}

var cashOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a cash session",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := amountFlag(cmd, "amount")
		if err != nil {
			return err
		}

		s, t, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.Cash().OpenSession(cmd.Context(), amount, t.User)
		if err != nil {
			return fmt.Errorf("failed to open cash session: %w", err)
		}
		report(fmt.Sprintf("Cash session opened with %s", output.Money(amount)), res)
		return nil
	},
}

var cashCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the open cash session",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := amountFlag(cmd, "amount")
		if err != nil {
			return err
		}

		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.Cash().CloseSession(cmd.Context(), amount)
		if err != nil {
			return fmt.Errorf("failed to close cash session: %w", err)
		}
		report(fmt.Sprintf("Cash session closed with %s counted", output.Money(amount)), res)
		return nil
	},
}

var cashMoveCmd = &cobra.Command{
	Use:   "move",
	Short: "Record a cash movement",
	Long:  "Record income, expense, deposit or withdrawal in the open cash session",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := amountFlag(cmd, "amount")
		if err != nil {
			return err
		}
		typ, _ := cmd.Flags().GetString("type")
		description, _ := cmd.Flags().GetString("description")

		s, t, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.Cash().AddMovement(cmd.Context(), cash.MovementInput{
			Type:        models.MovementType(typ),
			Amount:      amount,
			Description: description,
		}, t.User)
		if err != nil {
			return fmt.Errorf("failed to add movement: %w", err)
		}
		report(fmt.Sprintf("Recorded %s of %s", typ, output.Money(amount)), res)
		return nil
	},
}

type cashSummaryView struct {
	Session   models.CashSession    `json:"session"`
	Summary   *models.CashSummary   `json:"summary,omitempty"`
	Movements []models.CashMovement `json:"movements"`
}

var cashSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the current cash session",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		session, ok := s.Cash().CurrentSession()
		if !ok {
			output.Info("No cash session")
			return nil
		}
		view := cashSummaryView{Session: session, Movements: s.Cash().Movements()}
		if view.Movements == nil {
			view.Movements = []models.CashMovement{}
		}
		if sum, ok := s.Cash().Summary(); ok {
			view.Summary = &sum
		}

		out := cmd.OutOrStdout()
		if format != output.FormatTable {
			return output.Write(out, format, view, nil)
		}

		summary := output.NewTable("FIELD", "VALUE")
		summary.AddRow("Session", session.ID)
		summary.AddRow("Status", color.Status(string(session.Status)))
		summary.AddRow("Opened", session.OpenedAt.Local().Format(time.DateTime))
		summary.AddRow("Opening", output.Money(session.OpeningAmount))
		if view.Summary != nil {
			summary.AddRow("Income", output.Money(view.Summary.Income))
			summary.AddRow("Expense", output.Money(view.Summary.Expense))
			summary.AddRow("Deposits", output.Money(view.Summary.Deposits))
			summary.AddRow("Withdrawals", output.Money(view.Summary.Withdrawals))
			summary.AddRow("Balance", color.Amount(view.Summary.Balance, output.Money(view.Summary.Balance)))
		}
		if session.ClosingAmount != nil {
			summary.AddRow("Closing", output.Money(*session.ClosingAmount))
		}
		summary.Render(out)

		if len(view.Movements) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		movements := output.NewTable("ID", "TYPE", "AMOUNT", "DESCRIPTION", "AT")
		for _, m := range view.Movements {
			signed := m.Type.Sign() * m.Amount
			movements.AddRow(short(m.ID), string(m.Type), color.Amount(signed, output.Money(signed)),
				m.Description, m.CreatedAt.Local().Format(time.TimeOnly))
		}
		movements.Render(out)
		return nil
	},
}

func amountFlag(cmd *cobra.Command, name string) (int64, error) {
	raw, _ := cmd.Flags().GetString(name)
	cents, err := output.ParseMoney(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return cents, nil
}

func init() {
	rootCmd.AddCommand(cashCmd)
	cashCmd.AddCommand(cashOpenCmd)
	cashCmd.AddCommand(cashCloseCmd)
	cashCmd.AddCommand(cashMoveCmd)
	cashCmd.AddCommand(cashSummaryCmd)

	cashOpenCmd.Flags().String("amount", "0", "opening amount, e.g. 200.00")

	cashCloseCmd.Flags().String("amount", "", "counted closing amount")
	if err := cashCloseCmd.MarkFlagRequired("amount"); err != nil {
		panic(fmt.Sprintf("failed to mark amount as required: %v", err))
	}

	cashMoveCmd.Flags().StringP("type", "t", string(models.MovementIncome), "income, expense, deposit or withdrawal")
	cashMoveCmd.Flags().String("amount", "", "movement amount, e.g. 12.50")
	cashMoveCmd.Flags().StringP("description", "d", "", "description")
	if err := cashMoveCmd.MarkFlagRequired("amount"); err != nil {
		panic(fmt.Sprintf("failed to mark amount as required: %v", err))
	}
}
