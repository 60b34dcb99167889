// Package config loads the engine's runtime settings: the HTTP server and
// storage endpoints, the per-currency cash groups, oracle rates, pool
// tokens, markets to seed and position limits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/oracle"
)

const (
	defaultPort     = "8080"
	defaultCacheTTL = 30 * time.Second
)

// Config captures the runtime settings of the engine.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	CashGroups    []cashgroup.Config   `yaml:"cash_groups"`
	AssetRates    []model.AssetRate    `yaml:"asset_rates"`
	ExchangeRates []model.ExchangeRate `yaml:"exchange_rates"`
	PoolTokens    []model.PoolToken    `yaml:"pool_tokens"`
	Markets       []MarketConfig       `yaml:"markets"`
	Limits        LimitsConfig         `yaml:"limits"`
}

// ServerConfig describes the listener and the storage backends. An empty
// DatabaseURL selects the in-memory store.
type ServerConfig struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// MarketConfig is a market seeded at startup when it does not exist yet.
// The maturity is the grid maturity of MarketIndex at startup time.
type MarketConfig struct {
	CurrencyID  uint16          `yaml:"currency_id"`
	MarketIndex int             `yaml:"market_index"`
	Cash        decimal.Decimal `yaml:"cash"`
	FCash       decimal.Decimal `yaml:"fcash"`
	ImpliedRate decimal.Decimal `yaml:"implied_rate"`
}

// LimitsConfig holds the fCash position limits. Zero disables a limit.
type LimitsConfig struct {
	MaxPerMaturity decimal.Decimal `yaml:"max_per_maturity"`
	MaxPerCurrency decimal.Decimal `yaml:"max_per_currency"`
}

// LoadEnvFile loads variables from a .env file into the environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// FromEnv loads the configuration named by CONFIG_PATH, or the built-in
// development configuration when it is unset.
func FromEnv() (Config, error) {
	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		return Load(path)
	}
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the YAML configuration from disk, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	if err := cfg.applyEnv(); err != nil {
		return err
	}
	cfg.normalize()
	return cfg.validate()
}

// applyEnv overrides server settings from PORT, DATABASE_URL, REDIS_URL
// and CACHE_TTL.
func (cfg *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Server.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Server.RedisURL = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		cfg.Server.CacheTTL = ttl
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Server.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Server.Port), ":")
	if cfg.Server.Port == "" {
		cfg.Server.Port = defaultPort
	}
	cfg.Server.DatabaseURL = strings.TrimSpace(cfg.Server.DatabaseURL)
	cfg.Server.RedisURL = strings.TrimSpace(cfg.Server.RedisURL)
	if cfg.Server.CacheTTL <= 0 {
		cfg.Server.CacheTTL = defaultCacheTTL
	}
	for i := range cfg.CashGroups {
		cfg.CashGroups[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.CashGroups[i].Symbol))
	}
}

func (cfg *Config) validate() error {
	groups := make(map[uint16]cashgroup.Config, len(cfg.CashGroups))
	symbols := make(map[string]bool, len(cfg.CashGroups))
	for _, g := range cfg.CashGroups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("cash_groups: %w", err)
		}
		if _, dup := groups[g.CurrencyID]; dup {
			return fmt.Errorf("cash_groups: duplicate currency %d", g.CurrencyID)
		}
		if g.Symbol == "" || symbols[g.Symbol] {
			return fmt.Errorf("cash_groups: currency %d needs a unique symbol", g.CurrencyID)
		}
		groups[g.CurrencyID] = g
		symbols[g.Symbol] = true
	}

	// Oracle construction validates every rate.
	if _, err := oracle.NewStatic(cfg.ExchangeRates, cfg.AssetRates); err != nil {
		return fmt.Errorf("rates: %w", err)
	}
	for id := range groups {
		if !hasExchangeRate(cfg.ExchangeRates, id) {
			return fmt.Errorf("exchange_rates: missing currency %d", id)
		}
		if !hasAssetRate(cfg.AssetRates, id) {
			return fmt.Errorf("asset_rates: missing currency %d", id)
		}
	}

	for _, pt := range cfg.PoolTokens {
		if _, ok := groups[pt.CurrencyID]; !ok {
			return fmt.Errorf("pool_tokens: unknown currency %d", pt.CurrencyID)
		}
		if pt.PVHaircutPercent <= 0 || pt.LiquidationHaircutPercent <= pt.PVHaircutPercent || pt.LiquidationHaircutPercent > 100 {
			return fmt.Errorf("pool_tokens: currency %d needs 0 < pv haircut < liquidation haircut <= 100", pt.CurrencyID)
		}
		if pt.TotalSupply.IsNegative() || pt.CashBalance.IsNegative() {
			return fmt.Errorf("pool_tokens: currency %d has negative supply or cash", pt.CurrencyID)
		}
	}

	for _, m := range cfg.Markets {
		g, ok := groups[m.CurrencyID]
		if !ok {
			return fmt.Errorf("markets: unknown currency %d", m.CurrencyID)
		}
		if m.MarketIndex < 1 || m.MarketIndex > g.MaxMarketIndex {
			return fmt.Errorf("markets: currency %d market index %d outside [1, %d]", m.CurrencyID, m.MarketIndex, g.MaxMarketIndex)
		}
		if !m.Cash.IsPositive() || !m.FCash.IsPositive() || !m.ImpliedRate.IsPositive() {
			return fmt.Errorf("markets: currency %d index %d needs positive cash, fcash and implied rate", m.CurrencyID, m.MarketIndex)
		}
	}

	if cfg.Limits.MaxPerMaturity.IsNegative() || cfg.Limits.MaxPerCurrency.IsNegative() {
		return fmt.Errorf("limits: must not be negative")
	}
	return nil
}

// CashGroup returns the cash group config of a currency.
func (cfg Config) CashGroup(currencyID uint16) (cashgroup.Config, bool) {
	for _, g := range cfg.CashGroups {
		if g.CurrencyID == currencyID {
			return g, true
		}
	}
	return cashgroup.Config{}, false
}

func hasExchangeRate(rates []model.ExchangeRate, id uint16) bool {
	for _, er := range rates {
		if er.CurrencyID == id {
			return true
		}
	}
	return false
}

func hasAssetRate(rates []model.AssetRate, id uint16) bool {
	for _, ar := range rates {
		if ar.CurrencyID == id {
			return true
		}
	}
	return false
}

// Default is a development configuration with an ETH and a USDC cash
// group, two active markets each and a USDC pool token.
func Default() Config {
	group := func(id uint16, symbol string) cashgroup.Config {
		return cashgroup.Config{
			CurrencyID:                 id,
			Symbol:                     symbol,
			MaxMarketIndex:             2,
			RateOracleTimeWindow:       20 * 60,
			TotalFeeBPS:                30,
			ReserveFeeSharePercent:     50,
			DebtBufferBPS:              150,
			FCashHaircutBPS:            150,
			LiquidationFCashHaircutBPS: 50,
			LiquidationDebtBufferBPS:   50,
			LiquidityTokenHaircuts:     []int64{99, 98},
			RateScalars:                []int64{30, 25},
		}
	}
	one := decimal.NewFromInt(1)
	return Config{
		Server: ServerConfig{Port: defaultPort, CacheTTL: defaultCacheTTL},
		CashGroups: []cashgroup.Config{
			group(1, "ETH"),
			group(2, "USDC"),
		},
		AssetRates: []model.AssetRate{
			{CurrencyID: 1, Rate: one, SupplyRate: decimal.RequireFromString("0.01")},
			{CurrencyID: 2, Rate: decimal.RequireFromString("0.02"), SupplyRate: decimal.RequireFromString("0.02")},
		},
		ExchangeRates: []model.ExchangeRate{
			{CurrencyID: 1, Rate: one, Buffer: decimal.RequireFromString("1.3"), Haircut: decimal.RequireFromString("0.7"), LiquidationDiscount: decimal.RequireFromString("1.08")},
			{CurrencyID: 2, Rate: decimal.RequireFromString("0.0005"), Buffer: decimal.RequireFromString("1.1"), Haircut: decimal.RequireFromString("0.9"), LiquidationDiscount: decimal.RequireFromString("1.05")},
		},
		PoolTokens: []model.PoolToken{
			{CurrencyID: 2, TotalSupply: decimal.Zero, CashBalance: decimal.Zero, PVHaircutPercent: 90, LiquidationHaircutPercent: 95},
		},
		Markets: []MarketConfig{
			{CurrencyID: 1, MarketIndex: 1, Cash: decimal.NewFromInt(10_000), FCash: decimal.NewFromInt(10_000), ImpliedRate: decimal.RequireFromString("0.03")},
			{CurrencyID: 1, MarketIndex: 2, Cash: decimal.NewFromInt(10_000), FCash: decimal.NewFromInt(10_000), ImpliedRate: decimal.RequireFromString("0.035")},
			{CurrencyID: 2, MarketIndex: 1, Cash: decimal.NewFromInt(50_000_000), FCash: decimal.NewFromInt(1_000_000), ImpliedRate: decimal.RequireFromString("0.05")},
			{CurrencyID: 2, MarketIndex: 2, Cash: decimal.NewFromInt(50_000_000), FCash: decimal.NewFromInt(1_000_000), ImpliedRate: decimal.RequireFromString("0.055")},
		},
		Limits: LimitsConfig{
			MaxPerMaturity: decimal.NewFromInt(1_000_000),
			MaxPerCurrency: decimal.NewFromInt(5_000_000),
		},
	}
}
