package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxBackoff = 16 * time.Second

// Tick is the last ticker update received for a product.
type Tick struct {
	ProductID      string
	Price          float64
	PriceChange24h float64
	Volume24h      float64
	ReceivedAt     time.Time
}

// TickerStream keeps the latest ticker of each subscribed product, fed by the
// Advanced Trade websocket.
type TickerStream struct {
	logger     *slog.Logger
	url        string
	productIDs []string
	dialer     *websocket.Dialer
	now        func() time.Time

	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickerStream(logger *slog.Logger, url string, productIDs []string) *TickerStream {
	return &TickerStream{
		logger:     logger.With("component", "ticker"),
		url:        url,
		productIDs: productIDs,
		dialer:     websocket.DefaultDialer,
		now:        time.Now,
		ticks:      make(map[string]Tick),
	}
}

// Latest returns the cached tick if it is younger than maxAge.
func (s *TickerStream) Latest(productID string, maxAge time.Duration) (Tick, bool) {
	s.mu.RLock()
	t, ok := s.ticks[productID]
	s.mu.RUnlock()
	if !ok || s.now().Sub(t.ReceivedAt) > maxAge {
		return Tick{}, false
	}
	return t, true
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (s *TickerStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Info("TickerStream: connecting to WebSocket", "url", s.url, "backoff", backoff)
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err == nil {
			backoff = time.Second
			err = s.consume(ctx, conn)
		}
		if ctx.Err() != nil {
			s.logger.Info("TickerStream: context cancelled, shutting down")
			return nil
		}
		s.logger.Error("TickerStream: WebSocket stream interrupted", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (s *TickerStream) consume(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	// ReadMessage does not observe ctx, closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for _, channel := range []string{"ticker", "heartbeats"} {
		sub := map[string]any{
			"type":        "subscribe",
			"product_ids": s.productIDs,
			"channel":     channel,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}
	s.logger.Info("TickerStream: subscription sent successfully", "products", s.productIDs)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(message); err != nil {
			s.logger.Warn("TickerStream: failed to parse message", "error", err)
		}
	}
}

type tickerMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID            string `json:"product_id"`
			Price                string `json:"price"`
			Volume24h            string `json:"volume_24_h"`
			PricePercentChange24 string `json:"price_percent_chg_24_h"`
		} `json:"tickers"`
	} `json:"events"`
}

func (s *TickerStream) handleMessage(message []byte) error {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	if msg.Channel != "ticker" {
		return nil
	}

	received := s.now()
	for _, event := range msg.Events {
		for _, raw := range event.Tickers {
			price, err := parseNumber(raw.Price)
			if err != nil {
				return err
			}
			change, err := parseNumber(raw.PricePercentChange24)
			if err != nil {
				return err
			}
			volume, err := parseNumber(raw.Volume24h)
			if err != nil {
				return err
			}
			if price <= 0 {
				continue
			}
			s.mu.Lock()
			s.ticks[raw.ProductID] = Tick{
				ProductID:      raw.ProductID,
				Price:          price,
				PriceChange24h: change,
				Volume24h:      volume,
				ReceivedAt:     received,
			}
			s.mu.Unlock()
			s.logger.Debug("TickerStream: ticker update", "productId", raw.ProductID, "price", price)
		}
	}
	return nil
}
