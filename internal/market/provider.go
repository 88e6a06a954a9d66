package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwallach1/prometheus/internal/exchange"
	"github.com/dwallach1/prometheus/internal/model"
)

var ErrMarketDataUnavailable = errors.New("market data unavailable")

// Exchange is the part of the exchange client a snapshot needs.
type Exchange interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	GetProduct(ctx context.Context, productID string) (model.Product, error)
}

// Ticker supplies streamed prices fresher than the REST product endpoint.
type Ticker interface {
	Latest(productID string, maxAge time.Duration) (exchange.Tick, bool)
}

// Provider assembles market snapshots for the engine.
type Provider struct {
	logger        *slog.Logger
	exchange      Exchange
	cashAccountID string
	ticker        Ticker
	tickerMaxAge  time.Duration
	now           func() time.Time
}

func NewProvider(logger *slog.Logger, ex Exchange, cashAccountID string) *Provider {
	return &Provider{
		logger:        logger,
		exchange:      ex,
		cashAccountID: cashAccountID,
		now:           time.Now,
	}
}

// WithTicker attaches a streamed price source used while its ticks are younger than maxAge.
func (p *Provider) WithTicker(t Ticker, maxAge time.Duration) *Provider {
	p.ticker = t
	p.tickerMaxAge = maxAge
	return p
}

// Snapshot reads balances and the 24h product stats for asset.
func (p *Provider) Snapshot(ctx context.Context, asset model.Asset) (model.Snapshot, error) {
	productID := asset.ProductID()

	cash, err := p.exchange.GetAccount(ctx, p.cashAccountID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: cash account: %w", ErrMarketDataUnavailable, err)
	}
	holdings, err := p.exchange.GetAccount(ctx, asset.AccountID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %s account: %w", ErrMarketDataUnavailable, asset.Symbol, err)
	}
	product, err := p.exchange.GetProduct(ctx, productID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: product %s: %w", ErrMarketDataUnavailable, productID, err)
	}

	snap := model.Snapshot{
		Symbol:          asset.Symbol,
		ProductID:       productID,
		Price:           product.Price,
		PriceChange24h:  product.PriceChange24h,
		Volume24h:       product.Volume24h,
		VolumeChange24h: product.VolumeChange24h,
		AssetBalance:    holdings.Available,
		CashBalance:     cash.Available,
		TakenAt:         p.now(),
	}

	if p.ticker != nil {
		if tick, ok := p.ticker.Latest(productID, p.tickerMaxAge); ok {
			p.logger.Debug("Using streamed price", "productId", productID, "restPrice", snap.Price, "tickerPrice", tick.Price)
			snap.Price = tick.Price
			snap.PriceChange24h = tick.PriceChange24h
		}
	}

	if snap.Price <= 0 {
		return model.Snapshot{}, fmt.Errorf("%w: product %s has no price", ErrMarketDataUnavailable, productID)
	}
	return snap, nil
}
