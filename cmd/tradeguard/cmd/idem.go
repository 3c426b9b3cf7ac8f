package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var idemCmd = &cobra.Command{
	Use:   "idem",
	Short: "Idempotency store maintenance",
	Long: `Maintain the idempotency store.

Subcommands:
  cleanup  - Delete expired keys
  pending  - List keys reserved before an exchange call but never marked.
             Each one is an order whose outcome must be reconciled by hand.`,
}

var idemCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired idempotency keys",
	Args:  cobra.NoArgs,
	RunE:  runIdemCleanup,
}

var idemPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List reserved keys with no recorded outcome",
	Args:  cobra.NoArgs,
	RunE:  runIdemPending,
}

func init() {
	rootCmd.AddCommand(idemCmd)
	idemCmd.AddCommand(idemCleanupCmd)
	idemCmd.AddCommand(idemPendingCmd)
}

func runIdemCleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	n, err := a.Idem.CleanupExpired(cmd.Context(), a.Clock.Now())
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d expired keys\n", n)
	return nil
}

func runIdemPending(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	recs, err := a.Idem.Pending(cmd.Context())
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "no pending keys")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s reserved %s expires %s\n", r.Key,
			r.MarkedAt.Format("2006-01-02 15:04:05"), r.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
