// Package config loads the paper engine configuration from YAML and the
// environment (prefix PAPER_, dots become underscores).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/entry"
	"github.com/atmx/paper-engine/internal/exit"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/signal"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Entry     EntryConfig     `mapstructure:"entry"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Symbols   []string        `mapstructure:"symbols"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type DBConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// Decimal settings are strings so that no value passes through float64.
type EngineConfig struct {
	MaintenanceMargin string        `mapstructure:"maintenance_margin"`
	StaleTolerance    time.Duration `mapstructure:"stale_tolerance"`
	HoldDuration      time.Duration `mapstructure:"hold_duration"`
	MaxLeverage       int           `mapstructure:"max_leverage"`
	InitialBalance    string        `mapstructure:"initial_balance"`
	Parallelism       int           `mapstructure:"parallelism"`
}

type EntryConfig struct {
	Ratios    []string      `mapstructure:"ratios"`
	Tolerance string        `mapstructure:"tolerance"`
	Window    time.Duration `mapstructure:"window"` // signal time → entry deadline
}

type RiskConfig struct {
	StopLossPct   string `mapstructure:"stop_loss_pct"`
	TakeProfitPct string `mapstructure:"take_profit_pct"`
}

type ExitConfig struct {
	BaselineDuration time.Duration `mapstructure:"baseline_duration"`
	SearchWindow     time.Duration `mapstructure:"search_window"`
	FinalWindow      time.Duration `mapstructure:"final_window"`
	ProfitTarget     string        `mapstructure:"profit_target"`
	TrendLookback    int           `mapstructure:"trend_lookback"`
	TrendThreshold   string        `mapstructure:"trend_threshold"`
}

type LimitsConfig struct {
	MaxPerSymbol  string              `mapstructure:"max_per_symbol"`
	MaxCorrelated string              `mapstructure:"max_correlated"`
	Groups        map[string][]string `mapstructure:"groups"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Tick    string `mapstructure:"tick"`
	Signals string `mapstructure:"signals"`
	Funding string `mapstructure:"funding"`
}

type SignalConfig struct {
	Weights  map[string]float64 `mapstructure:"weights"`
	Leverage int                `mapstructure:"leverage"`
	Notional string             `mapstructure:"notional"`
}

type FeedConfig struct {
	Seed        int64             `mapstructure:"seed"`
	Volatility  string            `mapstructure:"volatility"` // per-tick stddev as a fraction
	FundingRate string            `mapstructure:"funding_rate"`
	StartPrices map[string]string `mapstructure:"start_prices"`
}

// Load reads path (unless envOnly) and overlays the environment.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("db.url", "")
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("engine.maintenance_margin", "0.05")
	v.SetDefault("engine.stale_tolerance", "15s")
	v.SetDefault("engine.hold_duration", "2h")
	v.SetDefault("engine.max_leverage", 15)
	v.SetDefault("engine.initial_balance", "10000")
	v.SetDefault("engine.parallelism", 8)

	v.SetDefault("entry.ratios", []string{"0.3", "0.3", "0.4"})
	v.SetDefault("entry.tolerance", "0.002")
	v.SetDefault("entry.window", "10m")

	v.SetDefault("risk.stop_loss_pct", "0.05")
	v.SetDefault("risk.take_profit_pct", "0.10")

	v.SetDefault("exit.baseline_duration", "20m")
	v.SetDefault("exit.search_window", "40m")
	v.SetDefault("exit.final_window", "10m")
	v.SetDefault("exit.profit_target", "0.02")
	v.SetDefault("exit.trend_lookback", 5)
	v.SetDefault("exit.trend_threshold", "0.005")

	v.SetDefault("limits.max_per_symbol", "0")
	v.SetDefault("limits.max_correlated", "0")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", "@every 5s")
	v.SetDefault("scheduler.signals", "@every 1m")
	v.SetDefault("scheduler.funding", "0 0 0,8,16 * * *")

	v.SetDefault("signal.weights", map[string]float64{
		"technical": 0.30,
		"momentum":  0.25,
		"volume":    0.15,
		"sentiment": 0.15,
		"onchain":   0.15,
	})
	v.SetDefault("signal.leverage", 5)
	v.SetDefault("signal.notional", "1000")

	v.SetDefault("feed.seed", 1)
	v.SetDefault("feed.volatility", "0.001")
	v.SetDefault("feed.funding_rate", "0.0001")
	v.SetDefault("feed.start_prices", map[string]string{
		"btcusdt": "65000",
		"ethusdt": "3200",
	})

	v.SetDefault("symbols", []string{"BTCUSDT", "ETHUSDT"})

	if !envOnly && path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EngineConfig converts the loaded values into a validated engine config.
func (c Config) EngineConfig() (engine.Config, error) {
	var p parser

	out := engine.Config{
		Position: position.Config{
			Maintenance:    p.decimal("engine.maintenance_margin", c.Engine.MaintenanceMargin),
			StaleTolerance: c.Engine.StaleTolerance,
			StopLossPct:    p.decimal("risk.stop_loss_pct", c.Risk.StopLossPct),
			TakeProfitPct:  p.decimal("risk.take_profit_pct", c.Risk.TakeProfitPct),
		},
		Entry: entry.Config{
			Tolerance: p.decimal("entry.tolerance", c.Entry.Tolerance),
		},
		Exit: exit.Config{
			BaselineDuration: c.Exit.BaselineDuration,
			SearchWindow:     c.Exit.SearchWindow,
			FinalWindow:      c.Exit.FinalWindow,
			ProfitTarget:     p.decimal("exit.profit_target", c.Exit.ProfitTarget),
			TrendLookback:    c.Exit.TrendLookback,
			TrendThreshold:   p.decimal("exit.trend_threshold", c.Exit.TrendThreshold),
		},
		HoldDuration:   c.Engine.HoldDuration,
		MaxLeverage:    c.Engine.MaxLeverage,
		InitialBalance: p.decimal("engine.initial_balance", c.Engine.InitialBalance),
		MaxPerSymbol:   p.decimal("limits.max_per_symbol", c.Limits.MaxPerSymbol),
		MaxCorrelated:  p.decimal("limits.max_correlated", c.Limits.MaxCorrelated),
		CorrelationMap: upperGroups(c.Limits.Groups),
		Parallelism:    c.Engine.Parallelism,
	}
	for i, r := range c.Entry.Ratios {
		out.Entry.Ratios = append(out.Entry.Ratios, p.decimal(fmt.Sprintf("entry.ratios[%d]", i), r))
	}
	if p.err != nil {
		return engine.Config{}, p.err
	}
	if err := out.Validate(); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// Weights returns the validated signal weights.
func (c Config) Weights() (signal.Weights, error) {
	var w signal.Weights
	for name, v := range c.Signal.Weights {
		dim, err := model.ParseDimension(strings.ToLower(name))
		if err != nil {
			return w, fmt.Errorf("signal.weights: %w", err)
		}
		w[dim] = v
	}
	if err := w.Validate(); err != nil {
		return w, err
	}
	return w, nil
}

// Notional returns the target notional for scheduler-created positions.
func (c Config) Notional() (decimal.Decimal, error) {
	var p parser
	n := p.decimal("signal.notional", c.Signal.Notional)
	return n, p.err
}

// StartPrices returns the paper feed's initial prices keyed by upper-case
// ticker.
func (c Config) StartPrices() (map[string]decimal.Decimal, error) {
	var p parser
	out := make(map[string]decimal.Decimal, len(c.Feed.StartPrices))
	for sym, v := range c.Feed.StartPrices {
		out[strings.ToUpper(sym)] = p.decimal("feed.start_prices."+sym, v)
	}
	return out, p.err
}

// parser collects the first decimal parse error.
type parser struct {
	err error
}

func (p *parser) decimal(key, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("config %s: %w", key, err)
	}
	return d
}

// upperGroups normalizes base assets, which viper does not case-fold.
func upperGroups(groups map[string][]string) map[string][]string {
	out := make(map[string][]string, len(groups))
	for name, bases := range groups {
		for _, b := range bases {
			out[name] = append(out[name], strings.ToUpper(b))
		}
	}
	return out
}
