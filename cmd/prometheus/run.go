package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dwallach1/prometheus/internal/engine"
	"github.com/dwallach1/prometheus/internal/exchange"
	"github.com/dwallach1/prometheus/internal/ledger"
	"github.com/dwallach1/prometheus/internal/market"
	"github.com/dwallach1/prometheus/internal/model"
	"github.com/dwallach1/prometheus/internal/recovery"
	"github.com/dwallach1/prometheus/internal/runner"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case sig := <-sigChan:
					a.logger.Warn("Received signal, initiating graceful shutdown", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			return run(ctx, a)
		},
	}
}

func run(ctx context.Context, a *app) error {
	logger := a.logger
	if err := a.repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	client, err := exchange.NewClient(a.env, logger, a.cfg.Exchange)
	if err != nil {
		return err
	}

	cash := strings.ToUpper(a.cfg.Trading.CashCurrency)
	currencies := []string{cash}
	for _, ac := range a.cfg.Assets {
		currencies = append(currencies, ac.Symbol)
	}
	accounts, err := exchange.ResolveAccounts(ctx, client, currencies...)
	if err != nil {
		return fmt.Errorf("cannot resolve accounts: %w", err)
	}

	assets := make([]model.Asset, 0, len(a.cfg.Assets))
	productIDs := make([]string, 0, len(a.cfg.Assets))
	for _, ac := range a.cfg.Assets {
		asset := ac.Asset(accounts[strings.ToUpper(ac.Symbol)])
		assets = append(assets, asset)
		productIDs = append(productIDs, asset.ProductID())
	}

	g, ctx := errgroup.WithContext(ctx)

	provider := market.NewProvider(logger.With("component", "market"), client, accounts[cash])
	if a.cfg.Market.TickerEnabled {
		stream := exchange.NewTickerStream(logger, a.cfg.Exchange.WebsocketURL, productIDs)
		provider.WithTicker(stream, a.cfg.Market.TickerMaxAge)
		g.Go(func() error { return stream.Run(ctx) })
	}

	var confirmer engine.Confirmer = recovery.Immediate{}
	if a.cfg.Recovery.Enabled {
		detector, err := recovery.NewDetector(logger.With("component", "recovery"), client, recovery.GreenStreak{Min: a.cfg.Recovery.MinGreen}, a.cfg.Recovery)
		if err != nil {
			return err
		}
		confirmer = detector
	}

	positions := ledger.New(logger, a.repo, a.env)
	eng := engine.NewEngine(logger.With("component", "engine"), a.env, a.cfg.Trading, engine.Dependencies{
		Market:    provider,
		Positions: positions,
		Orders:    client,
		Recovery:  confirmer,
		Decisions: a.repo,
	})
	r := runner.NewRunner(logger.With("component", "runner"), eng, positions, assets, a.cfg.Trading.Interval, a.cfg.Trading.Stagger)

	logger.Info("Starting prometheus", "assets", len(assets), "interval", a.cfg.Trading.Interval, "recovery", a.cfg.Recovery.Enabled)
	g.Go(func() error { return r.Run(ctx) })

	err = g.Wait()
	logger.Info("Prometheus shutdown complete")
	return err
}
