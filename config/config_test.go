package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/market-engine/market"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "market.db", cfg.Store.SQLitePath)
	assert.Equal(t, 5*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 5, cfg.Redelivery.MaxAttempts)

	mc, err := cfg.MarketConfig()
	require.NoError(t, err)
	assert.Equal(t, market.DefaultConfig().FeeRate.String(), mc.FeeRate.String())
	assert.Equal(t, market.InventoryReusable, mc.Inventory)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	// GIVEN: A config file choosing postgres and a 2% fee
	// WHEN: The environment overrides the fee and inventory policy
	// THEN: File values apply where the environment is silent

	path := filepath.Join(t.TempDir(), "market.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[store]
driver = "postgres"
postgres_url = "postgres://localhost/market"

[market]
fee_rate = "0.02"

[redelivery]
interval = "10s"
`), 0o600))

	t.Setenv("MARKET_MARKET_FEE_RATE", "0.035")
	t.Setenv("MARKET_MARKET_INVENTORY", "single_unit")
	t.Setenv("MARKET_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Redelivery.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)

	mc, err := cfg.MarketConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.035", mc.FeeRate.String())
	assert.Equal(t, market.InventorySingleUnit, mc.Inventory)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fee", func(c *Config) { c.Market.FeeRate = "0" }},
		{"fee of one", func(c *Config) { c.Market.FeeRate = "1" }},
		{"fee not a number", func(c *Config) { c.Market.FeeRate = "one percent" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres"; c.Store.PostgresURL = "" }},
		{"unknown inventory", func(c *Config) { c.Market.Inventory = "limited" }},
		{"same platform and treasury", func(c *Config) { c.Market.TreasuryAccount = c.Market.PlatformAccount }},
		{"no redelivery attempts", func(c *Config) { c.Redelivery.MaxAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
