package runner

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwallach1/prometheus/internal/engine"
	"github.com/dwallach1/prometheus/internal/ledger"
	"github.com/dwallach1/prometheus/internal/model"
)

// Evaluator runs one decision cycle for an asset.
type Evaluator interface {
	Evaluate(ctx context.Context, asset model.Asset) (engine.Cycle, error)
}

// Reconciler repairs half-written cycles of a symbol.
type Reconciler interface {
	Reconcile(ctx context.Context, symbol string) (ledger.Report, error)
}

// Runner drives one evaluation loop per asset.
type Runner struct {
	logger     *slog.Logger
	evaluator  Evaluator
	reconciler Reconciler
	assets     []model.Asset
	interval   time.Duration
	stagger    time.Duration
	now        func() time.Time
}

func NewRunner(logger *slog.Logger, evaluator Evaluator, reconciler Reconciler, assets []model.Asset, interval, stagger time.Duration) *Runner {
	return &Runner{
		logger:     logger,
		evaluator:  evaluator,
		reconciler: reconciler,
		assets:     assets,
		interval:   interval,
		stagger:    stagger,
		now:        time.Now,
	}
}

// Run starts the asset loops, each delayed by its stagger slot, and blocks
// until ctx is done and every loop has returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, asset := range r.assets {
		delay := time.Duration(i) * r.stagger
		g.Go(func() error {
			r.loop(ctx, asset, delay)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("All asset loops stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, asset model.Asset, delay time.Duration) {
	logger := r.logger.With("symbol", asset.Symbol)
	if !sleep(ctx, delay) {
		return
	}
	logger.Info("Starting evaluation loop", "interval", r.interval)

	for {
		if ctx.Err() != nil {
			logger.Info("Context cancelled, stopping evaluation loop")
			return
		}

		if _, err := r.reconciler.Reconcile(ctx, asset.Symbol); err != nil {
			logger.Error("Failed to reconcile ledger", "error", err)
		}

		last := r.now()
		cycle, err := r.evaluator.Evaluate(ctx, asset)
		if err != nil {
			logger.Error("Evaluation cycle failed", "cycle", cycle.ID, "error", err)
		} else {
			logger.Info("Evaluation cycle finished", "cycle", cycle.ID, "decisions", len(cycle.Decisions), "duration", r.now().Sub(last))
		}

		if !sleep(ctx, last.Add(r.interval).Sub(r.now())) {
			logger.Info("Context cancelled, stopping evaluation loop")
			return
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
