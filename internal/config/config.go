package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"meanrev/internal/md"
	"meanrev/internal/session"
)

type Config struct {
	Market    md.Market `yaml:"-"`
	APIKey    string    `yaml:"-"`
	APISecret string    `yaml:"-"`

	PaperBaseURL string `yaml:"paper_base_url"`
	DataBaseURL  string `yaml:"data_base_url"`
	Feed         string `yaml:"feed"`
	// Symbols, when set, replaces the screener watchlist.
	Symbols       []string `yaml:"symbols"`
	ScreenerTop   int      `yaml:"screener_top"`
	IncludeLosers *bool    `yaml:"include_losers"`
	HistoryRPM    int      `yaml:"history_requests_per_minute"`

	SMAPeriod     int     `yaml:"sma_period"`
	RSIPeriod     int     `yaml:"rsi_period"`
	BuyMargin     float64 `yaml:"buy_margin"`
	SellMargin    float64 `yaml:"sell_margin"`
	Oversold      float64 `yaml:"oversold"`
	VWAPSlack     float64 `yaml:"vwap_slack"`
	RequireProfit bool    `yaml:"require_profit"`
	MinPrice      float64 `yaml:"min_price"`
	MaxPrice      float64 `yaml:"max_price"`
	LookbackMins  int     `yaml:"lookback_minutes"`

	CapitalFraction float64 `yaml:"capital_fraction"`
	MaxNotional     float64 `yaml:"max_notional"`
	StopPct         float64 `yaml:"stop_pct"`
	TargetPct       float64 `yaml:"target_pct"`
	StopMinOffset   float64 `yaml:"stop_min_offset"`
	TargetMinOffset float64 `yaml:"target_min_offset"`

	Timezone        string        `yaml:"timezone"`
	SessionOpen     string        `yaml:"session_open"`
	SessionClose    string        `yaml:"session_close"`
	Cutoff          string        `yaml:"cutoff"`
	CutoffTolerance time.Duration `yaml:"cutoff_tolerance"`
	ForceFlatten    *bool         `yaml:"force_flatten"`

	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	AccountRefresh      time.Duration `yaml:"account_refresh"`
	QueueDepth          int           `yaml:"queue_depth"`
	LiquidationAttempts int           `yaml:"liquidation_attempts"`
	LiquidationBackoff  time.Duration `yaml:"liquidation_backoff"`

	MetricsAddr   string `yaml:"metrics_addr"`
	LogLevel      string `yaml:"log_level"`
	DecisionsPath string `yaml:"decisions_path"`
}

func Default() Config {
	return Config{
		Market:              md.MarketStock,
		PaperBaseURL:        "https://paper-api.alpaca.markets",
		DataBaseURL:         "https://data.alpaca.markets",
		Feed:                "iex",
		ScreenerTop:         50,
		HistoryRPM:          200,
		SMAPeriod:           20,
		RSIPeriod:           14,
		BuyMargin:           0.05,
		SellMargin:          0.02,
		Oversold:            30,
		VWAPSlack:           0.95,
		RequireProfit:       true,
		MinPrice:            1,
		MaxPrice:            5,
		LookbackMins:        30,
		CapitalFraction:     0.10,
		StopPct:             0.05,
		TargetPct:           0.02,
		StopMinOffset:       0.02,
		TargetMinOffset:     0.01,
		Timezone:            "America/New_York",
		SessionOpen:         "09:30",
		SessionClose:        "16:00",
		Cutoff:              "15:59",
		CutoffTolerance:     30 * time.Second,
		ReconcileInterval:   time.Minute,
		AccountRefresh:      time.Minute,
		QueueDepth:          16,
		LiquidationAttempts: 5,
		LiquidationBackoff:  2 * time.Second,
		LogLevel:            "info",
		DecisionsPath:       "decisions.ndjson",
	}
}

// Load builds the configuration from defaults, a .env file, an optional
// YAML file, flags and the environment, in increasing precedence. The one
// positional argument picks the market.
func Load(args []string) (Config, error) {
	cfg := Default()

	// First pass only finds the config and env file paths.
	var configPath, envPath string
	scratch := cfg
	pre := newFlagSet(&scratch, &configPath, &envPath)
	if err := pre.Parse(args); err != nil {
		return cfg, err
	}

	if err := loadDotEnvIfPresent(envPath); err != nil {
		return cfg, err
	}
	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	// Second pass applies only the flags given explicitly, on top of the file.
	fs := newFlagSet(&cfg, &configPath, &envPath)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		market, err := md.ParseMarket(fs.Arg(0))
		if err != nil {
			return cfg, err
		}
		cfg.Market = market
	default:
		return cfg, fmt.Errorf("expected at most one market argument, got %q", fs.Args())
	}

	cfg.APIKey = firstEnv("APCA_API_KEY_ID", "ALPACA_API_KEY")
	cfg.APISecret = firstEnv("APCA_API_SECRET_KEY", "ALPACA_SECRET_KEY")

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, configPath, envPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet("bot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(configPath, "config", "", "path to a YAML config file")
	fs.StringVar(envPath, "env-file", ".env", "dotenv file loaded when present")
	fs.StringVar(&cfg.PaperBaseURL, "paper-base-url", cfg.PaperBaseURL, "trading API base URL")
	fs.StringVar(&cfg.DataBaseURL, "data-base-url", cfg.DataBaseURL, "market data API base URL")
	fs.StringVar(&cfg.Feed, "feed", cfg.Feed, "stock data feed: iex or sip")
	fs.Func("symbols", "comma separated watchlist, skips the screener", func(v string) error {
		cfg.Symbols = splitSymbols(v)
		return nil
	})
	fs.IntVar(&cfg.ScreenerTop, "screener-top", cfg.ScreenerTop, "movers requested from the screener")
	fs.BoolFunc("include-losers", "also watch the top losers", func(v string) error {
		b, err := strconv.ParseBool(v)
		cfg.IncludeLosers = &b
		return err
	})
	fs.IntVar(&cfg.HistoryRPM, "history-rpm", cfg.HistoryRPM, "historical bar requests per minute")

	fs.IntVar(&cfg.SMAPeriod, "sma-period", cfg.SMAPeriod, "SMA length in bars")
	fs.IntVar(&cfg.RSIPeriod, "rsi-period", cfg.RSIPeriod, "RSI length in bars")
	fs.Float64Var(&cfg.BuyMargin, "buy-margin", cfg.BuyMargin, "fraction below the SMA that triggers a buy")
	fs.Float64Var(&cfg.SellMargin, "sell-margin", cfg.SellMargin, "fraction above the SMA that triggers a sell")
	fs.Float64Var(&cfg.Oversold, "oversold", cfg.Oversold, "RSI level treated as oversold")
	fs.Float64Var(&cfg.VWAPSlack, "vwap-slack", cfg.VWAPSlack, "sell when close <= vwap * slack")
	fs.BoolVar(&cfg.RequireProfit, "require-profit", cfg.RequireProfit, "never sell at or below entry")
	fs.Float64Var(&cfg.MinPrice, "min-price", cfg.MinPrice, "lowest price considered for entry")
	fs.Float64Var(&cfg.MaxPrice, "max-price", cfg.MaxPrice, "highest price considered for entry, 0 disables")
	fs.IntVar(&cfg.LookbackMins, "lookback-minutes", cfg.LookbackMins, "price window horizon")

	fs.Float64Var(&cfg.CapitalFraction, "capital-fraction", cfg.CapitalFraction, "buying power committed per entry")
	fs.Float64Var(&cfg.MaxNotional, "max-notional", cfg.MaxNotional, "max notional per order, 0 disables")
	fs.Float64Var(&cfg.StopPct, "stop-pct", cfg.StopPct, "stop-loss distance as a fraction of entry")
	fs.Float64Var(&cfg.TargetPct, "target-pct", cfg.TargetPct, "take-profit distance as a fraction of entry")
	fs.Float64Var(&cfg.StopMinOffset, "stop-min-offset", cfg.StopMinOffset, "minimum absolute stop distance")
	fs.Float64Var(&cfg.TargetMinOffset, "target-min-offset", cfg.TargetMinOffset, "minimum absolute target distance")

	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "exchange timezone")
	fs.StringVar(&cfg.SessionOpen, "session-open", cfg.SessionOpen, "session open, HH:MM")
	fs.StringVar(&cfg.SessionClose, "session-close", cfg.SessionClose, "session close, HH:MM")
	fs.StringVar(&cfg.Cutoff, "cutoff", cfg.Cutoff, "forced liquidation time, HH:MM")
	fs.DurationVar(&cfg.CutoffTolerance, "cutoff-tolerance", cfg.CutoffTolerance, "window around the cutoff")
	fs.BoolFunc("force-flatten", "liquidate at the cutoff", func(v string) error {
		b, err := strconv.ParseBool(v)
		cfg.ForceFlatten = &b
		return err
	})

	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "ledger reconciliation interval")
	fs.DurationVar(&cfg.AccountRefresh, "account-refresh", cfg.AccountRefresh, "account snapshot lifetime")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "bars buffered per symbol")
	fs.IntVar(&cfg.LiquidationAttempts, "liquidation-attempts", cfg.LiquidationAttempts, "close-all attempts at the cutoff")
	fs.DurationVar(&cfg.LiquidationBackoff, "liquidation-backoff", cfg.LiquidationBackoff, "first delay between liquidation attempts")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "prometheus listen address, empty disables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level")
	fs.StringVar(&cfg.DecisionsPath, "decisions-path", cfg.DecisionsPath, "path to decisions log")
	return fs
}

// FlattenAtCutoff defaults to true for stocks. Crypto trades around the
// clock, so it only flattens when asked to.
func (c Config) FlattenAtCutoff() bool {
	if c.ForceFlatten != nil {
		return *c.ForceFlatten
	}
	return c.Market == md.MarketStock
}

// WatchLosers defaults to true for crypto only.
func (c Config) WatchLosers() bool {
	if c.IncludeLosers != nil {
		return *c.IncludeLosers
	}
	return c.Market == md.MarketCrypto
}

// AlwaysOpen reports whether the market has no session hours.
func (c Config) AlwaysOpen() bool {
	return c.Market == md.MarketCrypto
}

func (c Config) Lookback() time.Duration {
	return time.Duration(c.LookbackMins) * time.Minute
}

// SessionTimes parses open, close and cutoff.
func (c Config) SessionTimes() (open, closing, cutoff session.TimeOfDay, err error) {
	if open, err = session.ParseTimeOfDay(c.SessionOpen); err != nil {
		return
	}
	if closing, err = session.ParseTimeOfDay(c.SessionClose); err != nil {
		return
	}
	cutoff, err = session.ParseTimeOfDay(c.Cutoff)
	return
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// loadDotEnv sets variables from path without overriding the environment.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}

func loadDotEnvIfPresent(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := loadDotEnv(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func splitSymbols(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validate(cfg Config) error {
	if cfg.Market != md.MarketStock && cfg.Market != md.MarketCrypto {
		return fmt.Errorf("invalid market: %s", cfg.Market)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if cfg.SMAPeriod <= 1 {
		return fmt.Errorf("sma-period must be > 1")
	}
	if cfg.RSIPeriod <= 1 {
		return fmt.Errorf("rsi-period must be > 1")
	}
	if cfg.LookbackMins <= 0 {
		return fmt.Errorf("lookback-minutes must be > 0")
	}
	if cfg.CapitalFraction <= 0 || cfg.CapitalFraction > 1 {
		return fmt.Errorf("capital-fraction must be in (0, 1]")
	}
	if cfg.BuyMargin < 0 || cfg.SellMargin < 0 {
		return fmt.Errorf("buy-margin and sell-margin must be >= 0")
	}
	if cfg.MinPrice < 0 || (cfg.MaxPrice > 0 && cfg.MinPrice > cfg.MaxPrice) {
		return fmt.Errorf("min-price must be between 0 and max-price")
	}
	if cfg.StopPct <= 0 || cfg.StopPct >= 1 || cfg.TargetPct <= 0 || cfg.TargetPct >= 1 {
		return fmt.Errorf("stop-pct and target-pct must be in (0, 1)")
	}
	if cfg.StopMinOffset < 0 || cfg.TargetMinOffset < 0 {
		return fmt.Errorf("min offsets must be >= 0")
	}
	if cfg.MaxNotional < 0 {
		return fmt.Errorf("max-notional must be >= 0")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if _, _, _, err := cfg.SessionTimes(); err != nil {
		return err
	}
	if cfg.ReconcileInterval <= 0 || cfg.AccountRefresh <= 0 {
		return fmt.Errorf("reconcile-interval and account-refresh must be > 0")
	}
	if cfg.CutoffTolerance <= 0 {
		return fmt.Errorf("cutoff-tolerance must be > 0")
	}
	if cfg.QueueDepth <= 0 {
		return fmt.Errorf("queue-depth must be > 0")
	}
	if cfg.LiquidationAttempts <= 0 || cfg.LiquidationBackoff < 0 {
		return fmt.Errorf("liquidation-attempts must be > 0 and liquidation-backoff >= 0")
	}
	if len(cfg.Symbols) == 0 && cfg.ScreenerTop <= 0 {
		return fmt.Errorf("screener-top must be > 0 when no symbols are given")
	}
	return nil
}
