package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dwallach1/prometheus/internal/model"
)

const brokeragePath = "/api/v3/brokerage"

// Coinbase is an Advanced Trade REST client.
type Coinbase struct {
	logger  *slog.Logger
	http    *resty.Client
	signer  *Signer
	limiter *rate.Limiter
	host    string

	mu         sync.RWMutex
	increments map[string]increments
}

type increments struct {
	base  decimal.Decimal
	quote decimal.Decimal
}

var defaultIncrements = increments{
	base:  decimal.New(1, -8),
	quote: decimal.New(1, -2),
}

// APIError captures a non 2xx answer from Coinbase.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("coinbase API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("coinbase API error %d: %s", e.StatusCode, e.Body)
}

func parseAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode, Body: string(body)}
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}

// NewCoinbase creates a client for baseURL. A nil signer sends unauthenticated
// requests, which only the sandbox accepts.
func NewCoinbase(logger *slog.Logger, baseURL string, signer *Signer, timeout time.Duration, limit rate.Limit, burst int) (*Coinbase, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if burst < 1 {
		burst = 1
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	return &Coinbase{
		logger:     logger,
		http:       client,
		signer:     signer,
		limiter:    rate.NewLimiter(limit, burst),
		host:       u.Host,
		increments: make(map[string]increments),
	}, nil
}

func (c *Coinbase) call(ctx context.Context, method, path string, query url.Values, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	fullPath := brokeragePath + path
	req := c.http.R().SetContext(ctx).SetResult(result).ForceContentType("application/json")
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if c.signer != nil {
		token, err := c.signer.Token(method + " " + c.host + fullPath)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.SetAuthToken(token)
	}

	resp, err := req.Execute(method, fullPath)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, fullPath, err)
	}
	if resp.IsError() {
		return parseAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

type apiAccount struct {
	UUID             string `json:"uuid"`
	Currency         string `json:"currency"`
	AvailableBalance struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"available_balance"`
}

func (a apiAccount) toModel() (model.Account, error) {
	available, err := parseNumber(a.AvailableBalance.Value)
	if err != nil {
		return model.Account{}, fmt.Errorf("account %s balance: %w", a.UUID, err)
	}
	return model.Account{ID: a.UUID, Currency: a.Currency, Available: available}, nil
}

// ListAccounts follows the cursor until every account has been read.
func (c *Coinbase) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	cursor := ""
	for {
		query := url.Values{"limit": {"250"}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var page struct {
			Accounts []apiAccount `json:"accounts"`
			HasNext  bool         `json:"has_next"`
			Cursor   string       `json:"cursor"`
		}
		if err := c.call(ctx, http.MethodGet, "/accounts", query, nil, &page); err != nil {
			return nil, err
		}
		for _, a := range page.Accounts {
			account, err := a.toModel()
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, account)
		}
		if !page.HasNext || page.Cursor == "" {
			return accounts, nil
		}
		cursor = page.Cursor
	}
}

func (c *Coinbase) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var resp struct {
		Account apiAccount `json:"account"`
	}
	if err := c.call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return model.Account{}, err
	}
	return resp.Account.toModel()
}

func (c *Coinbase) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	var resp struct {
		ProductID                string `json:"product_id"`
		Price                    string `json:"price"`
		PricePercentageChange24h string `json:"price_percentage_change_24h"`
		Volume24h                string `json:"volume_24h"`
		VolumePercentageChange24 string `json:"volume_percentage_change_24h"`
		BaseIncrement            string `json:"base_increment"`
		QuoteIncrement           string `json:"quote_increment"`
	}
	if err := c.call(ctx, http.MethodGet, "/products/"+url.PathEscape(productID), nil, nil, &resp); err != nil {
		return model.Product{}, err
	}
	if resp.Price == "" {
		return model.Product{}, fmt.Errorf("product %s: empty price", productID)
	}

	var (
		p   = model.Product{ID: resp.ProductID, BaseIncrement: resp.BaseIncrement, QuoteIncrement: resp.QuoteIncrement}
		err error
	)
	if p.Price, err = parseNumber(resp.Price); err != nil {
		return model.Product{}, fmt.Errorf("product %s price: %w", productID, err)
	}
	if p.PriceChange24h, err = parseNumber(resp.PricePercentageChange24h); err != nil {
		return model.Product{}, fmt.Errorf("product %s price change: %w", productID, err)
	}
	if p.Volume24h, err = parseNumber(resp.Volume24h); err != nil {
		return model.Product{}, fmt.Errorf("product %s volume: %w", productID, err)
	}
	if p.VolumeChange24h, err = parseNumber(resp.VolumePercentageChange24); err != nil {
		return model.Product{}, fmt.Errorf("product %s volume change: %w", productID, err)
	}

	c.rememberIncrements(productID, resp.BaseIncrement, resp.QuoteIncrement)
	return p, nil
}

func (c *Coinbase) GetCandles(ctx context.Context, productID string, start, end time.Time, granularity string) ([]model.Candle, error) {
	query := url.Values{
		"start":       {strconv.FormatInt(start.Unix(), 10)},
		"end":         {strconv.FormatInt(end.Unix(), 10)},
		"granularity": {granularity},
	}
	var resp struct {
		Candles []struct {
			Start  string `json:"start"`
			Low    string `json:"low"`
			High   string `json:"high"`
			Open   string `json:"open"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	if err := c.call(ctx, http.MethodGet, "/products/"+url.PathEscape(productID)+"/candles", query, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		unix, err := strconv.ParseInt(raw.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("candle start %q: %w", raw.Start, err)
		}
		var values [5]float64
		for i, s := range []string{raw.Open, raw.High, raw.Low, raw.Close, raw.Volume} {
			if values[i], err = parseNumber(s); err != nil {
				return nil, fmt.Errorf("candle %s: %w", raw.Start, err)
			}
		}
		candles = append(candles, model.Candle{
			Start:  time.Unix(unix, 0).UTC(),
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: values[4],
		})
	}

	// Coinbase answers newest first.
	sort.Slice(candles, func(i, j int) bool { return candles[i].Start.Before(candles[j].Start) })
	return candles, nil
}

type orderConfiguration struct {
	MarketIOC struct {
		QuoteSize string `json:"quote_size,omitempty"`
		BaseSize  string `json:"base_size,omitempty"`
	} `json:"market_market_ioc"`
}

func (c *Coinbase) orderConfiguration(req model.OrderRequest) (orderConfiguration, error) {
	var cfg orderConfiguration
	inc := c.incrementsFor(req.ProductID)
	switch req.Side {
	case model.SideBuy:
		if req.QuoteSize <= 0 {
			return cfg, errors.New("buy orders need a positive quote size")
		}
		cfg.MarketIOC.QuoteSize = formatSize(req.QuoteSize, inc.quote)
	case model.SideSell:
		if req.BaseSize <= 0 {
			return cfg, errors.New("sell orders need a positive base size")
		}
		cfg.MarketIOC.BaseSize = formatSize(req.BaseSize, inc.base)
	default:
		return cfg, fmt.Errorf("unknown order side %q", req.Side)
	}
	return cfg, nil
}

// PreviewOrder prices an order without placing it. Validation problems come
// back in the result's Errors, transport failures as the error.
func (c *Coinbase) PreviewOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	cfg, err := c.orderConfiguration(req)
	if err != nil {
		return model.OrderResult{}, err
	}
	body := map[string]any{
		"product_id":          req.ProductID,
		"side":                string(req.Side),
		"order_configuration": cfg,
	}
	var resp struct {
		PreviewID       string   `json:"preview_id"`
		OrderTotal      string   `json:"order_total"`
		CommissionTotal string   `json:"commission_total"`
		QuoteSize       string   `json:"quote_size"`
		BaseSize        string   `json:"base_size"`
		Errs            []string `json:"errs"`
	}
	if err := c.call(ctx, http.MethodPost, "/orders/preview", nil, body, &resp); err != nil {
		return model.OrderResult{}, err
	}

	result := model.OrderResult{PreviewID: resp.PreviewID, Errors: resp.Errs}
	for _, f := range []struct {
		dst *float64
		src string
	}{
		{&result.Total, resp.OrderTotal},
		{&result.Commission, resp.CommissionTotal},
		{&result.QuoteSize, resp.QuoteSize},
		{&result.BaseSize, resp.BaseSize},
	} {
		if *f.dst, err = parseNumber(f.src); err != nil {
			return model.OrderResult{}, fmt.Errorf("preview %s: %w", req.ProductID, err)
		}
	}
	return result, nil
}

// SubmitOrder places a market order. It is never retried.
func (c *Coinbase) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	cfg, err := c.orderConfiguration(req)
	if err != nil {
		return model.OrderResult{}, err
	}
	body := map[string]any{
		"client_order_id":     req.ClientOrderID,
		"product_id":          req.ProductID,
		"side":                string(req.Side),
		"order_configuration": cfg,
	}
	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error                 string `json:"error"`
			Message               string `json:"message"`
			ErrorDetails          string `json:"error_details"`
			PreviewFailureReason  string `json:"preview_failure_reason"`
			NewOrderFailureReason string `json:"new_order_failure_reason"`
		} `json:"error_response"`
	}
	if err := c.call(ctx, http.MethodPost, "/orders", nil, body, &resp); err != nil {
		return model.OrderResult{}, err
	}

	result := model.OrderResult{OrderID: resp.SuccessResponse.OrderID}
	if !resp.Success {
		e := resp.ErrorResponse
		for _, msg := range []string{e.Error, e.Message, e.ErrorDetails, e.PreviewFailureReason, e.NewOrderFailureReason} {
			if msg != "" {
				result.Errors = append(result.Errors, msg)
			}
		}
		if len(result.Errors) == 0 {
			result.Errors = []string{"order rejected without reason"}
		}
	}
	return result, nil
}

func (c *Coinbase) rememberIncrements(productID, base, quote string) {
	inc := defaultIncrements
	if d, err := decimal.NewFromString(base); err == nil && d.IsPositive() {
		inc.base = d
	}
	if d, err := decimal.NewFromString(quote); err == nil && d.IsPositive() {
		inc.quote = d
	}
	c.mu.Lock()
	c.increments[productID] = inc
	c.mu.Unlock()
}

func (c *Coinbase) incrementsFor(productID string) increments {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if inc, ok := c.increments[productID]; ok {
		return inc
	}
	return defaultIncrements
}

// formatSize rounds v down to a multiple of increment.
func formatSize(v float64, increment decimal.Decimal) string {
	d := decimal.NewFromFloat(v)
	return d.Div(increment).Floor().Mul(increment).String()
}

// parseNumber reads Coinbase's decimal strings; empty means zero.
func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// compile-time check
var _ Client = (*Coinbase)(nil)
