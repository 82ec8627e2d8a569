package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"storefront-service/internal/models"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema, including row-level security policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema applied")
			return nil
		},
	}
}

func grantRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant-role [email] [role]",
		Short: "Set a user's role; use this to create the first admin",
		Long: `Set a user's role directly in storage.

Admin actions over HTTP need an existing admin, so the first one is
granted here. Roles: customer, admin, security_personnel.

Examples:
  storefrontctl grant-role ops@example.com admin`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, role := strings.ToLower(strings.TrimSpace(args[0])), args[1]
			if !models.ValidRole(role) {
				return fmt.Errorf("invalid role %q", role)
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			user, err := s.GetUserByEmail(cmd.Context(), email)
			if err != nil {
				return err
			}
			if err := s.UpsertRole(cmd.Context(), user.ID, role); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", email, role)
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock [email]",
		Short: "Unlock an account and clear its failed login count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			user, err := s.GetUserByEmail(cmd.Context(), strings.ToLower(strings.TrimSpace(args[0])))
			if err != nil {
				return err
			}
			if err := s.SetAccountLocked(cmd.Context(), user.ID, false); err != nil {
				return err
			}
			fmt.Printf("%s unlocked\n", user.Email)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit [order-id]",
		Short: "Print the audit trail of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.GetAuditTrail(cmd.Context(), orderID)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tACTION\tSTATUS")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.ActionType, r.NewValue["status"])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func paymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payment [checkout-request-id]",
		Short: "Show the payment recorded for an STK push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			p, err := s.GetPaymentByCheckoutID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
}

func purgeCodesCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge-codes",
		Short: "Delete one-time codes that expired before the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.PurgeCodes(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d codes\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Only delete codes expired at least this long ago")
	return cmd
}
