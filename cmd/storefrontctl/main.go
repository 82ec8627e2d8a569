package main

import (
	"fmt"
	"os"

	"storefront-service/config"
	"storefront-service/internal/store"

	"github.com/spf13/cobra"
)

var Version = "dev"

var databaseURL string

func main() {
	rootCmd := &cobra.Command{
		Use:           "storefrontctl",
		Short:         "Operator tooling for the storefront service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(grantRoleCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(purgeCodesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	url := databaseURL
	if url == "" {
		url = config.Load().Database.URL
	}
	s, err := store.NewStore(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return s, nil
}
