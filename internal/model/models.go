package model

import (
	"fmt"
	"strings"
	"time"
)

// Environment selects whether orders reach an exchange.
type Environment string

const (
	EnvironmentDryRun     Environment = "dryrun"
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment converts a configuration value into an Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(strings.ToLower(strings.TrimSpace(s))); env {
	case EnvironmentDryRun, EnvironmentSandbox, EnvironmentProduction:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// SubmitsOrders reports whether orders are sent to the exchange after a successful preview.
func (e Environment) SubmitsOrders() bool {
	return e == EnvironmentSandbox || e == EnvironmentProduction
}

// Asset is the static trading configuration of a single symbol.
type Asset struct {
	Name          string
	Symbol        string
	AccountID     string
	AmountToBuy   float64 // USD spent per buy
	BuyThreshold  float64 // 24h % change that must be undercut to buy
	SellThreshold float64 // % gain over purchase price required to sell
	MaxOpenBuys   int
}

// ProductID returns the USD trading pair of the asset.
func (a Asset) ProductID() string {
	return a.Symbol + "-USD"
}

// Snapshot is the market state observed at the start of an evaluation cycle.
type Snapshot struct {
	Symbol          string
	ProductID       string
	Price           float64
	PriceChange24h  float64
	Volume24h       float64
	VolumeChange24h float64
	AssetBalance    float64
	CashBalance     float64
	TakenAt         time.Time
}

// HoldingsValue is the USD value of the asset balance at the snapshot price.
func (s Snapshot) HoldingsValue() float64 {
	return s.AssetBalance * s.Price
}

// PositionState is the lifecycle state of a Position.
type PositionState string

const (
	PositionOpen   PositionState = "open"
	PositionClosed PositionState = "closed"
)

// Position is a realized buy that stays open until a sell closes it.
type Position struct {
	ID            string        `db:"id"`
	BuyDecisionID string        `db:"buy_decision_id"`
	Environment   Environment   `db:"environment"`
	Symbol        string        `db:"symbol"`
	CreatedAt     time.Time     `db:"created_at"`
	Value         float64       `db:"value"`  // quote currency spent
	Amount        float64       `db:"amount"` // base currency acquired
	State         PositionState `db:"state"`
	ClosePrice    float64       `db:"close_price"`
	ClosedAt      *time.Time    `db:"closed_at"`
	ClosedBy      string        `db:"closed_by"`
	Profit        float64       `db:"profit"`
}

// PurchasePrice is the average price paid per unit of the asset.
func (p Position) PurchasePrice() float64 {
	if p.Amount == 0 {
		return 0
	}
	return p.Value / p.Amount
}

// PriceDelta is the percentage move from the purchase price to price.
func (p Position) PriceDelta(price float64) float64 {
	purchase := p.PurchasePrice()
	if purchase == 0 {
		return 0
	}
	return (price - purchase) / purchase * 100
}

// ProfitAt is the profit the position would realize if sold at price.
func (p Position) ProfitAt(price float64) float64 {
	return p.Amount*price - p.Value
}

// Account is an exchange wallet for one currency.
type Account struct {
	ID        string
	Currency  string
	Available float64
}

// Product is the exchange's 24h view of a trading pair.
type Product struct {
	ID              string
	Price           float64
	PriceChange24h  float64
	Volume24h       float64
	VolumeChange24h float64
	BaseIncrement   string
	QuoteIncrement  string
}

// Candle is one OHLCV bar.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Green reports whether the candle closed above its open.
func (c Candle) Green() bool {
	return c.Close > c.Open
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRequest describes a market order. Buys are sized in quote currency,
// sells in base currency.
type OrderRequest struct {
	Side          Side
	ProductID     string
	QuoteSize     float64
	BaseSize      float64
	ClientOrderID string
}

// OrderResult is the exchange's answer to a preview or a submission.
type OrderResult struct {
	PreviewID  string   `json:"preview_id,omitempty"`
	OrderID    string   `json:"order_id,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Total      float64  `json:"total"`
	QuoteSize  float64  `json:"quote_size"`
	BaseSize   float64  `json:"base_size"`
	Commission float64  `json:"commission"`
}

// OK reports whether the exchange returned no errors.
func (r OrderResult) OK() bool {
	return len(r.Errors) == 0
}
