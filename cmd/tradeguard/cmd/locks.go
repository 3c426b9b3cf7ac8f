package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect job locks",
}

var locksStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show the current holder of a lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksStatus,
}

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksStatusCmd)
}

func runLocksStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	rec, err := a.Locks.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rec == nil {
		fmt.Fprintf(out, "%s: free\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "%s: held by %s until %s\n", rec.Name, rec.HolderToken, rec.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
