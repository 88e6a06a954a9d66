package exchange

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/dwallach1/prometheus/internal/config"
	"github.com/dwallach1/prometheus/internal/model"
)

// NewClient creates the Coinbase client for the given environment. The
// sandbox is served from its own host and accepts unsigned requests.
func NewClient(env model.Environment, logger *slog.Logger, cfg config.ExchangeConfig) (*Coinbase, error) {
	baseURL := cfg.BaseURL
	if env == model.EnvironmentSandbox {
		baseURL = cfg.SandboxURL
	}

	var signer *Signer
	switch {
	case cfg.APIKey != "" && cfg.APISecret != "":
		s, err := NewSigner(cfg.APIKey, cfg.APISecret)
		if err != nil {
			return nil, err
		}
		signer = s
	case env != model.EnvironmentSandbox:
		return nil, errors.New("exchange.api_key and exchange.api_secret are required outside the sandbox")
	}

	client, err := NewCoinbase(
		logger.With("exchange", "coinbase"),
		baseURL,
		signer,
		cfg.Timeout,
		rate.Limit(cfg.RateLimitPerSec),
		cfg.RateBurst,
	)
	if err != nil {
		return nil, fmt.Errorf("create coinbase client: %w", err)
	}
	return client, nil
}
