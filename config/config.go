/*
config.go - Layered server configuration

PURPOSE:
  Collects every knob the server needs into one Config struct.

LAYERS (later wins):
  1. Defaults below
  2. Optional config file (any format viper reads: toml, yaml, json)
  3. .env file in the working directory, if present
  4. Environment variables prefixed MARKET_, with "." replaced by "_"
     e.g. MARKET_STORE_DRIVER=postgres, MARKET_MARKET_FEE_RATE=0.02

SEE ALSO:
  - cmd/server/main.go: applies command-line overrides and wires components
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
)

const envPrefix = "MARKET"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	Market     MarketConfig     `mapstructure:"market"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Redelivery RedeliveryConfig `mapstructure:"redelivery"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url"`
}

type MarketConfig struct {
	Currency        string `mapstructure:"currency"`
	FeeRate         string `mapstructure:"fee_rate"`
	PlatformAccount string `mapstructure:"platform_account"`
	TreasuryAccount string `mapstructure:"treasury_account"`
	Inventory       string `mapstructure:"inventory"`
}

type DeliveryConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	SalesTopic     string   `mapstructure:"sales_topic"`
	AffiliateTopic string   `mapstructure:"affiliate_topic"`
}

type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	QuoteTTL       time.Duration `mapstructure:"quote_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens. Empty falls back to the
	// X-User-ID header set by the trusted chat front-end.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RedeliveryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinAge      time.Duration `mapstructure:"min_age"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "market.db")
	v.SetDefault("store.postgres_url", "")

	d := market.DefaultConfig()
	v.SetDefault("market.currency", string(d.Currency))
	v.SetDefault("market.fee_rate", d.FeeRate.String())
	v.SetDefault("market.platform_account", string(d.PlatformAccount))
	v.SetDefault("market.treasury_account", string(d.TreasuryAccount))
	v.SetDefault("market.inventory", string(d.Inventory))

	v.SetDefault("delivery.webhook_url", "")
	v.SetDefault("delivery.timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.sales_topic", "market.sales")
	v.SetDefault("kafka.affiliate_topic", "market.affiliate-sales")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.quote_ttl", time.Minute)
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("redelivery.interval", time.Minute)
	v.SetDefault("redelivery.min_age", 30*time.Second)
	v.SetDefault("redelivery.max_attempts", 5)

	v.SetDefault("log.level", "info")
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port %d", ErrInvalid, c.HTTP.Port)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: store.sqlite_path is required for the sqlite driver", ErrInvalid)
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("%w: store.postgres_url is required for the postgres driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalid, c.Store.Driver)
	}

	if _, err := c.MarketConfig(); err != nil {
		return err
	}

	if c.Redelivery.MaxAttempts < 1 {
		return fmt.Errorf("%w: redelivery.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Redelivery.Interval <= 0 {
		return fmt.Errorf("%w: redelivery.interval must be positive", ErrInvalid)
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// MarketConfig converts the market section into the engine's Config.
func (c *Config) MarketConfig() (market.Config, error) {
	rate, err := decimal.NewFromString(c.Market.FeeRate)
	if err != nil {
		return market.Config{}, fmt.Errorf("%w: market.fee_rate %q", ErrInvalid, c.Market.FeeRate)
	}
	if !rate.IsPositive() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return market.Config{}, fmt.Errorf("%w: market.fee_rate must be in (0, 1), got %s", ErrInvalid, rate)
	}

	inventory, err := market.ParseInventoryPolicy(c.Market.Inventory)
	if err != nil {
		return market.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Market.Currency == "" || c.Market.PlatformAccount == "" || c.Market.TreasuryAccount == "" {
		return market.Config{}, fmt.Errorf("%w: market currency and accounts are required", ErrInvalid)
	}
	if c.Market.PlatformAccount == c.Market.TreasuryAccount {
		return market.Config{}, fmt.Errorf("%w: platform and treasury accounts must differ", ErrInvalid)
	}

	return market.Config{
		Currency:        ledger.Currency(c.Market.Currency),
		FeeRate:         rate,
		PlatformAccount: ledger.AccountID(c.Market.PlatformAccount),
		TreasuryAccount: ledger.AccountID(c.Market.TreasuryAccount),
		Inventory:       inventory,
	}, nil
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return level, nil
}
