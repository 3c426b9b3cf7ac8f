package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/store"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the trade journal",
	Long: `Query closed trades recorded in the SQLite journal.

Subcommands:
  trade   - Details of one trade by ID
  day     - Trades closed on a day
  stats   - Win rate and payoff ratio used for position sizing
  export  - Write trades closed in a date range as CSV

Examples:
  tradeguard journal trade 01HZX3...
  tradeguard journal day 2024-06-10
  tradeguard journal export --from 2024-06-01 --to 2024-06-30 -o june.csv`,
}

var journalTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Get details of a specific trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrade,
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List trades closed on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDay,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent trades",
	Args:  cobra.NoArgs,
	RunE:  runJournalStats,
}

var journalExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export trades as CSV",
	Args:  cobra.NoArgs,
	RunE:  runJournalExport,
}

var (
	journalLookback int
	exportFrom      string
	exportTo        string
	exportOutput    string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradeCmd)
	journalCmd.AddCommand(journalDayCmd)
	journalCmd.AddCommand(journalStatsCmd)
	journalCmd.AddCommand(journalExportCmd)

	journalStatsCmd.Flags().IntVarP(&journalLookback, "lookback", "n", 50, "number of most recent trades")
	journalExportCmd.Flags().StringVar(&exportFrom, "from", "", "first day, YYYY-MM-DD (required)")
	journalExportCmd.Flags().StringVar(&exportTo, "to", "", "last day, YYYY-MM-DD (defaults to --from)")
	journalExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	_ = journalExportCmd.MarkFlagRequired("from")
}

func openJournal(ctx context.Context) (*journal.SQLite, *time.Location, func(), error) {
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
		return nil, nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.Migrate(ctx, db, journal.Schema); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return journal.NewSQLite(db), loc, func() { _ = db.Close() }, nil
}

func runJournalTrade(cmd *cobra.Command, args []string) error {
	j, _, done, err := openJournal(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	rec, err := j.GetTrade(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}
	printTrades(cmd.OutOrStdout(), []journal.TradeRecord{rec})
	return nil
}

func runJournalDay(cmd *cobra.Command, args []string) error {
	j, loc, done, err := openJournal(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	start, end, err := dayBounds(loc, args[0], args[0])
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	recs, err := j.ListTradesClosedBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	printTrades(cmd.OutOrStdout(), recs)
	return nil
}

func runJournalStats(cmd *cobra.Command, args []string) error {
	j, _, done, err := openJournal(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	recs, err := j.Recent(cmd.Context(), journalLookback)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	s := journal.Compute(recs)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "trades: %d (wins %d, losses %d)\n", s.Trades, s.Wins, s.Losses)
	fmt.Fprintf(out, "win rate: %.2f%%\n", s.WinRate*100)
	fmt.Fprintf(out, "avg win: %.4f  avg loss: %.4f  ratio: %.4f\n", s.AvgWin, s.AvgLoss, s.AvgWinLossRatio)
	return nil
}

func runJournalExport(cmd *cobra.Command, args []string) error {
	j, loc, done, err := openJournal(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	to := exportTo
	if to == "" {
		to = exportFrom
	}
	start, end, err := dayBounds(loc, exportFrom, to)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	recs, err := j.ListTradesClosedBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return journal.WriteCSV(w, recs)
}

// dayBounds returns [start of from, end of to) in loc.
func dayBounds(loc *time.Location, from, to string) (time.Time, time.Time, error) {
	start, err := clock.ParseDate(from, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err := clock.ParseDate(to, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if last.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%s is before %s", to, from)
	}
	return start, last.AddDate(0, 0, 1), nil
}

func printTrades(out io.Writer, recs []journal.TradeRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "no trades")
		return
	}
	fmt.Fprintln(out, "| id | asset | qty | entry | exit | pnl | pnl % | reason | closed |")
	fmt.Fprintln(out, "|----+-------+-----+-------+------+-----+-------+--------+--------|")
	for _, t := range recs {
		fmt.Fprintf(out, "| %s | %s | %.8f | %.8f | %.8f | %.2f | %.4f | %s | %s |\n",
			t.TradeID, t.Asset, t.Quantity, t.EntryPrice, t.ExitPrice, t.RealizedPL, t.PnLPct,
			t.Reason, t.CloseTime.Format("2006-01-02 15:04"))
	}
}
