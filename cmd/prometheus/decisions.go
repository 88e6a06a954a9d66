package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwallach1/prometheus/internal/model"
)

func newDecisionsCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "decisions [SYMBOL]",
		Short: "List the most recent decisions of an asset",
		Long: `List the most recent decisions recorded for an asset in the configured environment.
Example: prometheus decisions BTC --limit=50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("limit must be at least 1, got %d", limit)
			}
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			decisions, err := a.repo.RecentDecisions(cmd.Context(), a.env, strings.ToUpper(args[0]), limit)
			if err != nil {
				return fmt.Errorf("failed to load decisions: %w", err)
			}
			return printDecisions(cmd.OutOrStdout(), decisions)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of decisions to show")
	return cmd
}

func printDecisions(w io.Writer, decisions []model.Decision) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tPRICE\t24H %\tOPEN\tDETAILS")
	for _, d := range decisions {
		rec := d.Header()
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%d\t%s\n",
			rec.CreatedAt.Local().Format(time.DateTime),
			rec.Kind,
			rec.Context.Price,
			rec.Context.PriceChange24h,
			rec.Context.OpenPositionCount,
			describe(d),
		)
	}
	return tw.Flush()
}

func describe(d model.Decision) string {
	switch v := d.(type) {
	case model.BuyDecision:
		return fmt.Sprintf("bought %.8f for $%.2f (realized=%t)", v.Amount, v.Value, v.Realized)
	case model.SellDecision:
		return fmt.Sprintf("sold %.8f for $%.2f, profit $%.2f over %d positions (realized=%t)", v.Amount, v.Value, v.Profit, len(v.PositionIDs), v.Realized)
	case model.BestMatchDecision:
		return fmt.Sprintf("best position %s at %.2f%%, hypothetical profit $%.2f", v.PositionID, v.PercentageDelta, v.HypotheticalProfit)
	case model.FailedTradeDecision:
		return fmt.Sprintf("%s of %.8f failed: %s", v.Side, v.Size, strings.Join(v.Errors, "; "))
	default:
		return ""
	}
}
