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
	productName    string
	productBarcode string
	productGroup   string
	productUnit    string
	productStock   float64
	priceType      string
	priceValue     float64
)

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Manage products in the local database",
	Long:  "Create, list and delete products offline. Changes are pushed on the next sync.",
}

var productAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a product",
	Args:  cobra.NoArgs,
	RunE:  runProductAdd,
}

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live products",
	Args:  cobra.NoArgs,
	RunE:  runProductList,
}

var productDeleteCmd = &cobra.Command{
	Use:   "delete <product-id>",
	Short: "Delete a product and its prices",
	Args:  cobra.ExactArgs(1),
	RunE:  runProductDelete,
}

var productPriceCmd = &cobra.Command{
	Use:   "price <product-id>",
	Short: "Set a product's price for one price type",
	Args:  cobra.ExactArgs(1),
	RunE:  runProductPrice,
}

func init() {
	productAddCmd.Flags().StringVar(&productName, "name", "", "Product name (required)")
	productAddCmd.Flags().StringVar(&productBarcode, "barcode", "", "Barcode")
	productAddCmd.Flags().StringVar(&productGroup, "group", "", "Product group id")
	productAddCmd.Flags().StringVar(&productUnit, "unit", "", "Unit of measure")
	productAddCmd.Flags().Float64Var(&productStock, "stock", 0, "Initial stock")

	productPriceCmd.Flags().StringVar(&priceType, "type", "", "Price type id or name (required)")
	productPriceCmd.Flags().Float64Var(&priceValue, "price", 0, "Price")

	productCmd.AddCommand(productAddCmd)
	productCmd.AddCommand(productListCmd)
	productCmd.AddCommand(productDeleteCmd)
	productCmd.AddCommand(productPriceCmd)
}

// withService opens the local store, loads the projections and runs fn.
func withService(ctx context.Context, fn func(svc *pos.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := pos.NewService(st)
	if err := svc.Refresh(ctx); err != nil {
		return err
	}
	return fn(svc)
}

func runProductAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		p, err := svc.CreateProduct(ctx, types.Product{
			Name:    productName,
			Barcode: productBarcode,
			GroupID: productGroup,
			Unit:    productUnit,
			Stock:   productStock,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created product %q (%s)\n", p.Name, p.ID)
		return nil
	})
}

func runProductList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		snap := svc.Snapshot()
		if jsonOutput {
			products := snap.Products
			if products == nil {
				products = []types.Product{}
			}
			return printJSON(cmd.OutOrStdout(), products)
		}
		if len(snap.Products) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No products found.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tNAME\tBARCODE\tSTOCK\tSYNCED")
		for _, p := range snap.Products {
			fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%t\n", p.ID, p.Name, valueOrDash(p.Barcode), p.Stock, p.Synced)
		}
		return w.Flush()
	})
}

func runProductDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		if err := svc.Delete(ctx, store.Products, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted product %s\n", args[0])
		return nil
	})
}

func runProductPrice(cmd *cobra.Command, args []string) error {
	if priceType == "" {
		return fmt.Errorf("--type is required")
	}
	ctx := context.Background()
	return withService(ctx, func(svc *pos.Service) error {
		typeID := resolvePriceType(svc.Snapshot(), priceType)
		pp, err := svc.SetProductPrice(ctx, args[0], typeID, priceValue)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), pp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set price %g for product %s (price type %s)\n", pp.Price, pp.ProductID, pp.PriceTypeID)
		return nil
	})
}

// resolvePriceType maps a price type name to its id. Anything else is
// returned unchanged and treated as an id.
func resolvePriceType(snap pos.Snapshot, ref string) string {
	for _, pt := range snap.PriceTypes {
		if pt.ID == ref {
			return ref
		}
	}
	for _, pt := range snap.PriceTypes {
		if pt.Name == ref {
			return pt.ID
		}
	}
	return ref
}
