package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dwallach1/prometheus/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Logging  LoggingConfig
	Database DatabaseConfig
	Exchange ExchangeConfig
	Trading  TradingConfig
	Recovery RecoveryConfig
	Market   MarketConfig
	Assets   []AssetConfig
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string
	Format string
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Driver            string
	URL               string
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// ExchangeConfig defines the Coinbase Advanced Trade connection.
type ExchangeConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	SandboxURL      string        `mapstructure:"sandbox_url"`
	WebsocketURL    string        `mapstructure:"websocket_url"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// TradingConfig defines the decision engine and scheduler settings.
type TradingConfig struct {
	Environment           string
	CashCurrency          string        `mapstructure:"cash_currency"`
	Interval              time.Duration `mapstructure:"interval"`
	Stagger               time.Duration `mapstructure:"stagger"`
	BuyBuffer             time.Duration `mapstructure:"buy_buffer"`
	OrderSafetyCap        float64       `mapstructure:"order_safety_cap"`
	NearMissMargin        float64       `mapstructure:"near_miss_margin"`
	BuyingPowerMultiplier float64       `mapstructure:"buying_power_multiplier"`
}

// RecoveryConfig defines the dip recovery confirmation.
type RecoveryConfig struct {
	Enabled      bool
	Granularity  string
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Watchdog     time.Duration `mapstructure:"watchdog"`
	MinGreen     int           `mapstructure:"min_green"`
}

// MarketConfig defines the optional websocket price feed.
type MarketConfig struct {
	TickerEnabled bool          `mapstructure:"ticker_enabled"`
	TickerMaxAge  time.Duration `mapstructure:"ticker_max_age"`
}

// AssetConfig defines the trading settings of one symbol.
type AssetConfig struct {
	Name                               string
	Symbol                             string
	AmountToBuyUSD                     float64 `mapstructure:"amount_to_buy_usd"`
	BuyPricePercentageChangeThreshold  float64 `mapstructure:"buy_price_percentage_change_threshold"`
	SellPricePercentageChangeThreshold float64 `mapstructure:"sell_price_percentage_change_threshold"`
	MaxOpenBuys                        int     `mapstructure:"max_open_buys"`
}

// Asset converts the configuration into the engine's view. The account id is
// resolved against the exchange at startup.
func (a AssetConfig) Asset(accountID string) model.Asset {
	return model.Asset{
		Name:          a.Name,
		Symbol:        strings.ToUpper(a.Symbol),
		AccountID:     accountID,
		AmountToBuy:   a.AmountToBuyUSD,
		BuyThreshold:  a.BuyPricePercentageChangeThreshold,
		SellThreshold: a.SellPricePercentageChangeThreshold,
		MaxOpenBuys:   a.MaxOpenBuys,
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.BindEnv("exchange.api_key", "EXCHANGE_API_KEY", "COINBASE_API_KEY"); err != nil {
		return
	}
	if err = v.BindEnv("exchange.api_secret", "EXCHANGE_API_SECRET", "COINBASE_API_SECRET"); err != nil {
		return
	}
	if err = v.BindEnv("database.url", "DATABASE_URL"); err != nil {
		return
	}

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.health_check_period", 30*time.Second)

	v.SetDefault("exchange.base_url", "https://api.coinbase.com")
	v.SetDefault("exchange.sandbox_url", "https://api-sandbox.coinbase.com")
	v.SetDefault("exchange.websocket_url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.rate_limit_per_sec", 10)
	v.SetDefault("exchange.rate_burst", 5)

	v.SetDefault("trading.environment", string(model.EnvironmentDryRun))
	v.SetDefault("trading.cash_currency", "USDC")
	v.SetDefault("trading.interval", 30*time.Minute)
	v.SetDefault("trading.stagger", 10*time.Second)
	v.SetDefault("trading.buy_buffer", 12*time.Hour)
	v.SetDefault("trading.order_safety_cap", 1000.0)
	v.SetDefault("trading.near_miss_margin", 2.0)
	v.SetDefault("trading.buying_power_multiplier", 1.5)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.granularity", "FIVE_MINUTE")
	v.SetDefault("recovery.poll_interval", 5*time.Minute)
	v.SetDefault("recovery.watchdog", 6*time.Hour)
	v.SetDefault("recovery.min_green", 3)

	v.SetDefault("market.ticker_enabled", false)
	v.SetDefault("market.ticker_max_age", time.Minute)
}

// Environment returns the parsed trading environment.
func (c Config) Environment() (model.Environment, error) {
	return model.ParseEnvironment(c.Trading.Environment)
}

// Validate checks the invariants the engine relies on.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Environment(); err != nil {
		errs = append(errs, err)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Trading.Interval <= 0 {
		errs = append(errs, errors.New("trading.interval must be positive"))
	}
	if c.Trading.OrderSafetyCap <= 0 {
		errs = append(errs, errors.New("trading.order_safety_cap must be positive"))
	}
	if c.Recovery.Enabled {
		if c.Recovery.MinGreen < 1 {
			errs = append(errs, errors.New("recovery.min_green must be at least 1"))
		}
		if c.Recovery.PollInterval <= 0 || c.Recovery.Watchdog <= 0 {
			errs = append(errs, errors.New("recovery.poll_interval and recovery.watchdog must be positive"))
		}
		if _, ok := Granularities[c.Recovery.Granularity]; !ok {
			errs = append(errs, fmt.Errorf("unknown recovery.granularity %q", c.Recovery.Granularity))
		}
	}
	if len(c.Assets) == 0 {
		errs = append(errs, errors.New("at least one asset is required"))
	}

	seen := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		symbol := strings.ToUpper(a.Symbol)
		switch {
		case symbol == "":
			errs = append(errs, fmt.Errorf("assets[%d]: symbol is required", i))
		case seen[symbol]:
			errs = append(errs, fmt.Errorf("assets[%d]: duplicate symbol %s", i, symbol))
		}
		seen[symbol] = true
		if a.AmountToBuyUSD <= 0 {
			errs = append(errs, fmt.Errorf("assets[%d] %s: amount_to_buy_usd must be positive", i, symbol))
		}
		if a.AmountToBuyUSD > c.Trading.OrderSafetyCap {
			errs = append(errs, fmt.Errorf("assets[%d] %s: amount_to_buy_usd exceeds trading.order_safety_cap", i, symbol))
		}
		if a.MaxOpenBuys < 0 {
			errs = append(errs, fmt.Errorf("assets[%d] %s: max_open_buys must not be negative", i, symbol))
		}
		if a.SellPricePercentageChangeThreshold <= 0 {
			errs = append(errs, fmt.Errorf("assets[%d] %s: sell_price_percentage_change_threshold must be positive", i, symbol))
		}
	}
	return errors.Join(errs...)
}

// Granularities maps candle granularity names to their duration.
var Granularities = map[string]time.Duration{
	"ONE_MINUTE":     time.Minute,
	"FIVE_MINUTE":    5 * time.Minute,
	"FIFTEEN_MINUTE": 15 * time.Minute,
	"THIRTY_MINUTE":  30 * time.Minute,
	"ONE_HOUR":       time.Hour,
	"TWO_HOUR":       2 * time.Hour,
	"SIX_HOUR":       6 * time.Hour,
	"ONE_DAY":        24 * time.Hour,
}
