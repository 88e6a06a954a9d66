package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwallach1/prometheus/internal/backtest"
)

func newBacktestCmd() *cobra.Command {
	var (
		params  backtest.Params
		sweep   bool
		dropMax float64
		sellMax float64
		step    float64
	)

	cmd := &cobra.Command{
		Use:   "backtest [CSV]",
		Short: "Replay daily price history against buy and sell thresholds",
		Long: `Replay a daily price history CSV (Date and Close columns): buy after every daily
drop of at least --drop percent and sell each lot at --sell percent gain.
With --sweep every pairing from --drop..--drop-max and --sell..--sell-max is replayed.
Example: prometheus backtest BTC-USD.csv --drop=5 --sell=12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			bars, err := backtest.ReadCSV(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if len(bars) > 0 {
				fmt.Fprintf(out, "%d days from %s to %s\n", len(bars), bars[0].Date.Format(time.DateOnly), bars[len(bars)-1].Date.Format(time.DateOnly))
			}

			if !sweep {
				fmt.Fprintln(out, backtest.Run(bars, params))
				return nil
			}
			res := backtest.Sweep(bars,
				backtest.Range{From: params.DropPercent, To: dropMax, Step: step},
				backtest.Range{From: params.SellPercent, To: sellMax, Step: step},
				params.BuyUSD, params.MinHold,
			)
			printSweep(out, res)
			return nil
		},
	}

	cmd.Flags().Float64Var(&params.DropPercent, "drop", 5, "Daily drop in percent that triggers a buy")
	cmd.Flags().Float64Var(&params.SellPercent, "sell", 12, "Gain in percent that triggers a sell")
	cmd.Flags().Float64Var(&params.BuyUSD, "buy-usd", 500, "USD spent per buy")
	cmd.Flags().DurationVar(&params.MinHold, "min-hold", 24*time.Hour, "Minimum holding time before a lot may sell")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Replay every drop/sell pairing")
	cmd.Flags().Float64Var(&dropMax, "drop-max", 25, "Upper bound of the drop sweep")
	cmd.Flags().Float64Var(&sellMax, "sell-max", 25, "Upper bound of the sell sweep")
	cmd.Flags().Float64Var(&step, "step", 1, "Sweep step in percentage points")

	return cmd
}

func printSweep(w io.Writer, res backtest.SweepResult) {
	for _, r := range res.Results {
		fmt.Fprintln(w, r)
	}
	fmt.Fprintln(w)
	if res.MostSells != nil {
		fmt.Fprintf(w, "Most sells: drop %.0f%% / sell %.0f%% with %d sells\n",
			res.MostSells.Params.DropPercent, res.MostSells.Params.SellPercent, len(res.MostSells.Trades))
	}
	if res.FastestLots != nil {
		fmt.Fprintf(w, "Lowest average lot time: drop %.0f%% / sell %.0f%% at %.2f days\n",
			res.FastestLots.Params.DropPercent, res.FastestLots.Params.SellPercent, res.FastestLots.AvgLotDays)
	}
}
