package exchange

import (
	"context"
	"time"

	"github.com/dwallach1/prometheus/internal/model"
)

// Client defines the exchange capabilities the bot consumes.
type Client interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetAccount(ctx context.Context, id string) (model.Account, error)
	GetProduct(ctx context.Context, productID string) (model.Product, error)
	// GetCandles returns candles ordered from oldest to newest.
	GetCandles(ctx context.Context, productID string, start, end time.Time, granularity string) ([]model.Candle, error)
	PreviewOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
}
