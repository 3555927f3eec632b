package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-price-must-flow/internal/cli"
	"github.com/Veraticus/the-price-must-flow/internal/storage"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Sync products from Shopify into the local catalog",
		Long: `Fetch every product, variant and inventory cost from the Shopify Admin API
and upsert them into the local catalog mirror that runs price from.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.shopify()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatInfo("Fetching products from "+cfg.Shopify.Shop+"..."))
			products, err := client.ListProducts(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch products: %w", err)
			}
			if err := a.store.UpsertProducts(ctx, products); err != nil {
				return fmt.Errorf("failed to store products: %w", err)
			}

			variants := 0
			for _, p := range products {
				variants += len(p.Variants)
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d products with %d variants", len(products), variants)))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := storage.NewSQLiteStorage(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = store.Close() }()

			if !statusOnly {
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate database: %w", err)
				}
			}
			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Database %s is at schema version %d", store.Path(), version)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "show the schema version without migrating")
	return cmd
}
