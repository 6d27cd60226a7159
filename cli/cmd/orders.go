package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/pkg/color"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/terminal/orders"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Kitchen orders",
}

var ordersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		active, _ := cmd.Flags().GetBool("active")

		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		list := s.Orders().List()
		if active {
			list = s.Orders().Active()
		}
		if list == nil {
			list = []models.Order{}
		}
		return output.Write(cmd.OutOrStdout(), format, list, func() *output.Table {
			table := output.NewTable("ID", "TABLE", "ITEMS", "TOTAL", "STATUS", "UPDATED")
			for _, o := range list {
				table.AddRow(short(o.ID), o.TableID, itemSummary(o.Items), output.Money(o.Total),
					color.Status(string(o.Status)), o.UpdatedAt.Local().Format(time.TimeOnly))
			}
			return table
		})
	},
}

func itemSummary(items []models.OrderItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, it.Name))
	}
	return strings.Join(parts, ", ")
}

// parseItem reads name:quantity:price, e.g. "Margherita:2:11.50". The name
// may itself contain colons.
func parseItem(s string) (models.OrderItem, error) {
	priceAt := strings.LastIndex(s, ":")
	if priceAt < 0 {
		return models.OrderItem{}, fmt.Errorf("item %q: want name:quantity:price", s)
	}
	qtyAt := strings.LastIndex(s[:priceAt], ":")
	if qtyAt <= 0 {
		return models.OrderItem{}, fmt.Errorf("item %q: want name:quantity:price", s)
	}

	qty, err := strconv.Atoi(s[qtyAt+1 : priceAt])
	if err != nil || qty <= 0 {
		return models.OrderItem{}, fmt.Errorf("item %q: invalid quantity", s)
	}
	price, err := output.ParseMoney(s[priceAt+1:])
	if err != nil {
		return models.OrderItem{}, fmt.Errorf("item %q: %w", s, err)
	}
	return models.OrderItem{Name: s[:qtyAt], Quantity: qty, UnitPrice: price}, nil
}

var ordersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Send an order to the kitchen",
	Example: `  mesa orders create --table T4 --item "Margherita:2:11.50" --item "Lemonade:2:3.00"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("item")
		in := orders.Input{}
		for _, r := range raw {
			item, err := parseItem(r)
			if err != nil {
				return err
			}
			in.Items = append(in.Items, item)
		}
		in.TableID, _ = cmd.Flags().GetString("table")
		in.Notes, _ = cmd.Flags().GetString("notes")

		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.Orders().Create(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		id := res.Key
		if res.Entity != nil {
			id = res.Entity.ID
		}
		report(fmt.Sprintf("Order %s for table %s sent (%s)", short(id), in.TableID,
			output.Money(models.OrderTotal(in.Items))), res)
		return nil
	},
}

var ordersStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Move an order to preparing, ready, served or cancelled",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		list := s.Orders().List()
		ids := make([]string, 0, len(list))
		for _, o := range list {
			ids = append(ids, o.ID)
		}
		id, err := resolveID(args[0], ids)
		if err != nil {
			return err
		}

		status := models.OrderStatus(args[1])
		res, err := s.Orders().UpdateStatus(cmd.Context(), id, status)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		report(fmt.Sprintf("Order %s is %s", short(id), color.Status(string(status))), res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ordersCmd)
	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(ordersCreateCmd)
	ordersCmd.AddCommand(ordersStatusCmd)

	ordersListCmd.Flags().Bool("active", false, "only orders the kitchen has not finished")

	ordersCreateCmd.Flags().String("table", "", "table id")
	ordersCreateCmd.Flags().StringArray("item", nil, "item as name:quantity:price (repeatable)")
	ordersCreateCmd.Flags().String("notes", "", "notes for the kitchen")
	for _, name := range []string{"table", "item"} {
		if err := ordersCreateCmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("failed to mark %s as required: %v", name, err))
		}
	}
}
