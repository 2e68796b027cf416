package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/possync/internal/pos"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/spf13/cobra"
)

var (
	customerName  string
	customerPhone string
	customerType  string
)

var customerCmd = &cobra.Command{
	Use:   "customer",
	Short: "Manage customers in the local database",
}

var customerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a customer",
	Args:  cobra.NoArgs,
	RunE:  runCustomerAdd,
}

var customerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live customers",
	Args:  cobra.NoArgs,
	RunE:  runCustomerList,
}

var customerDeleteCmd = &cobra.Command{
	Use:   "delete <customer-id>",
	Short: "Delete a customer without orders",
	Args:  cobra.ExactArgs(1),
	RunE:  runCustomerDelete,
}

func init() {
	customerAddCmd.Flags().StringVar(&customerName, "name", "", "Customer name (required)")
	customerAddCmd.Flags().StringVar(&customerPhone, "phone", "", "Phone number")
	customerAddCmd.Flags().StringVar(&customerType, "type", "", "Price type id or name applied at sale time")

	customerCmd.AddCommand(customerAddCmd)
	customerCmd.AddCommand(customerListCmd)
	customerCmd.AddCommand(customerDeleteCmd)
}

func runCustomerAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		c := types.Customer{Name: customerName, Phone: customerPhone}
		if customerType != "" {
			c.TypeID = resolvePriceType(svc.Snapshot(), customerType)
		}
		created, err := svc.CreateCustomer(ctx, c)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), created)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created customer %q (%s)\n", created.Name, created.ID)
		return nil
	})
}

func runCustomerList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		snap := svc.Snapshot()
		if jsonOutput {
			customers := snap.Customers
			if customers == nil {
				customers = []types.Customer{}
			}
			return printJSON(cmd.OutOrStdout(), customers)
		}
		if len(snap.Customers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No customers found.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tNAME\tPHONE\tDEBT\tSYNCED")
		for _, c := range snap.Customers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%t\n", c.ID, c.Name, valueOrDash(c.Phone), c.Debt, c.Synced)
		}
		return w.Flush()
	})
}

func runCustomerDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		if err := svc.Delete(ctx, store.Customers, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted customer %s\n", args[0])
		return nil
	})
}
