package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwallach1/prometheus/internal/config"
	"github.com/dwallach1/prometheus/internal/model"
)

var (
	ErrNoCandleData    = errors.New("no candle data")
	ErrConditionLapsed = errors.New("buy condition no longer holds")
	ErrWatchdogTimeout = errors.New("recovery watchdog elapsed")
	ErrCancelled       = errors.New("recovery cancelled")
)

const maxCandles = 300

// Status is the final state of a confirmation.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusAbandoned Status = "abandoned"
)

// Outcome reports how a confirmation ended. Reason is set when abandoned.
type Outcome struct {
	Status Status
	Reason error
	Polls  int
}

func (o Outcome) Confirmed() bool {
	return o.Status == StatusConfirmed
}

func abandoned(reason error, polls int) Outcome {
	return Outcome{Status: StatusAbandoned, Reason: reason, Polls: polls}
}

// Revalidate re-checks the buy condition against a fresh snapshot.
type Revalidate func(ctx context.Context) (bool, error)

// CandleSource is the part of the exchange client the detector polls.
type CandleSource interface {
	GetCandles(ctx context.Context, productID string, start, end time.Time, granularity string) ([]model.Candle, error)
}

// Detector waits for a dip to show signs of recovery before a buy goes ahead.
type Detector struct {
	logger       *slog.Logger
	candles      CandleSource
	strategy     Strategy
	granularity  string
	window       time.Duration
	pollInterval time.Duration
	watchdog     time.Duration
	now          func() time.Time
}

func NewDetector(logger *slog.Logger, candles CandleSource, strategy Strategy, cfg config.RecoveryConfig) (*Detector, error) {
	step, ok := config.Granularities[cfg.Granularity]
	if !ok {
		return nil, fmt.Errorf("unknown candle granularity %q", cfg.Granularity)
	}
	window := 24 * time.Hour
	if capped := maxCandles * step; capped < window {
		window = capped
	}
	return &Detector{
		logger:       logger,
		candles:      candles,
		strategy:     strategy,
		granularity:  cfg.Granularity,
		window:       window,
		pollInterval: cfg.PollInterval,
		watchdog:     cfg.Watchdog,
		now:          time.Now,
	}, nil
}

// Confirm polls candles right away and then every poll interval until the
// strategy signals a recovery, the watchdog fires or ctx is done. Only a
// failed revalidation is returned as an error.
func (d *Detector) Confirm(ctx context.Context, asset model.Asset, revalidate Revalidate) (Outcome, error) {
	logger := d.logger.With("symbol", asset.Symbol)
	watchdog := time.NewTimer(d.watchdog)
	defer watchdog.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		if ctx.Err() != nil {
			logger.Info("Recovery wait cancelled", "polls", polls)
			return abandoned(ErrCancelled, polls), nil
		}

		polls++
		end := d.now()
		candles, err := d.candles.GetCandles(ctx, asset.ProductID(), end.Add(-d.window), end, d.granularity)
		switch {
		case err != nil && ctx.Err() != nil:
			return abandoned(ErrCancelled, polls), nil
		case err != nil:
			logger.Warn("Failed to fetch candles, retrying", "error", err, "polls", polls)
		case len(candles) == 0:
			logger.Warn("No candle data returned, abandoning buy")
			return abandoned(ErrNoCandleData, polls), nil
		case d.strategy.ShouldBuy(candles):
			logger.Info("Recovery detected, revalidating", "greenStreak", Streak(candles), "polls", polls)
			ok, err := revalidate(ctx)
			if err != nil {
				return abandoned(err, polls), fmt.Errorf("revalidate %s: %w", asset.Symbol, err)
			}
			if !ok {
				logger.Info("Buy condition lapsed during recovery wait")
				return abandoned(ErrConditionLapsed, polls), nil
			}
			return Outcome{Status: StatusConfirmed, Polls: polls}, nil
		default:
			logger.Debug("Waiting for recovery", "greenStreak", Streak(candles), "candles", len(candles))
		}

		select {
		case <-ctx.Done():
			logger.Info("Recovery wait cancelled", "polls", polls)
			return abandoned(ErrCancelled, polls), nil
		case <-watchdog.C:
			logger.Warn("Recovery watchdog elapsed", "watchdog", d.watchdog, "polls", polls)
			return abandoned(ErrWatchdogTimeout, polls), nil
		case <-ticker.C:
		}
	}
}

// Immediate confirms without waiting. It stands in for the detector when
// recovery confirmation is disabled.
type Immediate struct{}

func (Immediate) Confirm(context.Context, model.Asset, Revalidate) (Outcome, error) {
	return Outcome{Status: StatusConfirmed}, nil
}
