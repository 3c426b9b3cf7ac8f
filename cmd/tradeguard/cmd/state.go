package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/store"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the risk ledger or toggle safe mode",
	Long: `Inspect and adjust the persisted risk ledger.

Subcommands:
  show       - Print the last seven days, weekly P&L and open positions
  safe-mode  - Turn today's safe mode on or off

Examples:
  tradeguard state show
  tradeguard state safe-mode on --reason "exchange maintenance"
  tradeguard state safe-mode off`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the ledger and open positions",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateSafeModeCmd = &cobra.Command{
	Use:       "safe-mode <on|off>",
	Short:     "Set or clear safe mode for today",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runStateSafeMode,
}

var safeModeReason string

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateSafeModeCmd)

	stateSafeModeCmd.Flags().StringVar(&safeModeReason, "reason", "manual", "reason recorded with safe mode")
}

// openLedger opens only the ledger tables, without building the rest of
// the app.
func openLedger(ctx context.Context) (*ledger.Store, clock.Clock, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Migrate(ctx, db, ledger.Schema); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	clk := clock.System{Loc: loc}
	return ledger.NewStore(db, clk, nil), clk, func() { _ = db.Close() }, nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ls, clk, done, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer done()

	st, err := ls.Load(ctx)
	if err != nil {
		return err
	}
	book, err := ls.Positions(ctx)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st, book, clk)
	return nil
}

func printState(out io.Writer, st *ledger.State, book *ledger.Book, clk clock.Clock) {
	now := clk.Now()
	snap := st.Snapshot(now)

	fmt.Fprintf(out, "* Ledger %s\n", clock.DateKey(now, clk.Location()))
	fmt.Fprintf(out, "  daily P&L:  %s%%\n", snap.DailyPnL.StringFixed(4))
	fmt.Fprintf(out, "  weekly P&L: %s%%\n", snap.WeeklyPnL.StringFixed(4))
	fmt.Fprintf(out, "  trades today: %d\n", snap.DailyTradeCount)
	if !snap.LastTradeTime.IsZero() {
		fmt.Fprintf(out, "  last trade: %s\n", snap.LastTradeTime.Format("2006-01-02 15:04:05 MST"))
	}
	if snap.SafeMode {
		fmt.Fprintf(out, "  SAFE MODE: %s\n", snap.SafeModeReason)
	}

	fmt.Fprintln(out, "\n| date | pnl % | trades | safe mode | failures |")
	fmt.Fprintln(out, "|------+-------+--------+-----------+----------|")
	for _, d := range st.Dates() {
		e, _ := st.Day(d)
		safe := ""
		if e.SafeMode {
			safe = e.SafeModeReason
		}
		fmt.Fprintf(out, "| %s | %s | %d | %s | %d |\n", e.Date, e.DailyPnL.StringFixed(4), e.DailyTradeCount, safe, e.ConsecutiveFailures)
	}

	fmt.Fprintf(out, "\n* Positions (%d)\n", book.Len())
	for _, p := range book.List() {
		trailing := ""
		if p.TrailingActive {
			trailing = " trailing"
		}
		fmt.Fprintf(out, "  %s qty %.8f entry %.8f stop %.8f target %.8f high %.8f partial %d%s opened %s\n",
			p.Asset, p.Quantity, p.EntryPrice, p.StopPrice, p.TargetPrice, p.HighWater,
			p.PartialLevel, trailing, p.EntryTime.Format("2006-01-02 15:04"))
	}
}

func runStateSafeMode(cmd *cobra.Command, args []string) error {
	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("safe-mode takes on or off, got %q", args[0])
	}

	ctx := cmd.Context()
	ls, clk, done, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer done()

	now := clk.Now()
	today := clock.DateKey(now, clk.Location())
	err = ls.Update(ctx, func(st *ledger.State) error {
		st.SetSafeMode(today, on, safeModeReason, now)
		return nil
	})
	if err != nil {
		return err
	}
	if on {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Safe mode on for %s (%s)\n", today, safeModeReason)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Safe mode off for %s\n", today)
	}
	return nil
}
