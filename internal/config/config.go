package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Symbol    string          `yaml:"symbol"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Stream    StreamConfig    `yaml:"stream"`
	Store     StoreConfig     `yaml:"store"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Safety    SafetyConfig    `yaml:"safety"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

type ExchangeConfig struct {
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	RestBaseURL         string `yaml:"rest_base_url"`
	WSBaseURL           string `yaml:"ws_base_url"`
	RecvWindowMs        int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	RateLimitPerSec     int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst      int    `yaml:"rate_limit_burst"`
	MaxRetryAttempts    int    `yaml:"max_retry_attempts"`
	SessionValiditySec  int64  `yaml:"session_validity_sec"`
	SessionCloseOnExit  bool   `yaml:"session_close_on_exit"`
	MaxSubscriptions    int    `yaml:"max_subscriptions"`
	QuietWindowSec      int64  `yaml:"quiet_window_sec"`
	PingIntervalSec     int64  `yaml:"ping_interval_sec"`
	ReconnectMaxWaitSec int64  `yaml:"reconnect_max_wait_sec"`
}

type StreamConfig struct {
	PublicChannels  []string `yaml:"public_channels"`
	PrivateChannels []string `yaml:"private_channels"`
	DepthEnabled    bool     `yaml:"depth_enabled"`
	GapResetLimit   int      `yaml:"gap_reset_limit"`
}

type StoreConfig struct {
	Dir           string `yaml:"dir"`
	CacheTTLSec   int64  `yaml:"cache_ttl_sec"`
	LeaseTTLSec   int64  `yaml:"lease_ttl_sec"`
	GCIntervalMin int64  `yaml:"gc_interval_min"`
}

type RebalanceConfig struct {
	TargetRatio  Decimal `yaml:"target_ratio"`
	ThresholdPct Decimal `yaml:"threshold_pct"`
	MinNotional  Decimal `yaml:"min_notional"`
	IntervalSec  int64   `yaml:"interval_sec"`
}

type StrategyConfig struct {
	ShortWindow  int     `yaml:"short_window"`
	LongWindow   int     `yaml:"long_window"`
	MinMarginPct Decimal `yaml:"min_margin_pct"`
	OrderQty     Decimal `yaml:"order_qty"`
	IntervalSec  int64   `yaml:"interval_sec"`
}

type SafetyConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxOrderFailures int   `yaml:"max_order_failures"`
	CooldownSec      int64 `yaml:"cooldown_sec"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	TriggerSecret string `yaml:"trigger_secret"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// Load reads the YAML config and overlays credentials from the environment
// (optionally seeded from a .env file next to the config). Environment values
// win so secrets can stay out of the YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	_ = godotenv.Load()
	cfg.overlayEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayEnv() {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("TRIGGER_SECRET"); v != "" {
		c.Server.TriggerSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Alerts.Telegram.BotToken = v
	}
}

func (c *Config) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Store.Dir = strings.TrimSpace(c.Store.Dir)
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Alerts.Telegram.BotToken = strings.TrimSpace(c.Alerts.Telegram.BotToken)
	c.Alerts.Telegram.ChatID = strings.TrimSpace(c.Alerts.Telegram.ChatID)
	c.Alerts.Telegram.APIBaseURL = strings.TrimSpace(c.Alerts.Telegram.APIBaseURL)
	for i, ch := range c.Stream.PublicChannels {
		c.Stream.PublicChannels[i] = strings.TrimSpace(ch)
	}
	for i, ch := range c.Stream.PrivateChannels {
		c.Stream.PrivateChannels[i] = strings.TrimSpace(ch)
	}
}

func (c *Config) applyDefaults() {
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.mexc.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://wbs-api.mexc.com/ws"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 10
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = c.Exchange.RateLimitPerSec
	}
	if c.Exchange.MaxRetryAttempts == 0 {
		c.Exchange.MaxRetryAttempts = 4
	}
	if c.Exchange.SessionValiditySec == 0 {
		c.Exchange.SessionValiditySec = 3600
	}
	if c.Exchange.MaxSubscriptions == 0 {
		c.Exchange.MaxSubscriptions = 30
	}
	if c.Exchange.QuietWindowSec == 0 {
		c.Exchange.QuietWindowSec = 60
	}
	if c.Exchange.PingIntervalSec == 0 {
		c.Exchange.PingIntervalSec = 20
	}
	if c.Exchange.ReconnectMaxWaitSec == 0 {
		c.Exchange.ReconnectMaxWaitSec = 30
	}
	if c.Stream.GapResetLimit == 0 {
		c.Stream.GapResetLimit = 5
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "state"
	}
	if c.Store.CacheTTLSec == 0 {
		c.Store.CacheTTLSec = 10
	}
	if c.Store.LeaseTTLSec == 0 {
		c.Store.LeaseTTLSec = 60
	}
	if c.Store.GCIntervalMin == 0 {
		c.Store.GCIntervalMin = 10
	}
	if c.Rebalance.TargetRatio.Cmp(decimal.Zero) == 0 {
		c.Rebalance.TargetRatio = NewDecimal(decimal.RequireFromString("0.5"))
	}
	if c.Rebalance.ThresholdPct.Cmp(decimal.Zero) == 0 {
		c.Rebalance.ThresholdPct = NewDecimal(decimal.RequireFromString("0.01"))
	}
	if c.Rebalance.MinNotional.Cmp(decimal.Zero) == 0 {
		c.Rebalance.MinNotional = NewDecimal(decimal.NewFromInt(5))
	}
	if c.Strategy.ShortWindow == 0 {
		c.Strategy.ShortWindow = 7
	}
	if c.Strategy.LongWindow == 0 {
		c.Strategy.LongWindow = 25
	}
	if c.Safety.MaxOrderFailures == 0 {
		c.Safety.MaxOrderFailures = 5
	}
	if c.Safety.CooldownSec == 0 {
		c.Safety.CooldownSec = 300
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 7
	}
	if c.Alerts.Telegram.APIBaseURL == "" {
		c.Alerts.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Alerts.Telegram.TimeoutSec == 0 {
		c.Alerts.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RateLimitPerSec < 1 {
		return fmt.Errorf("exchange rate_limit_per_sec must be >= 1")
	}
	if c.Exchange.MaxRetryAttempts < 1 || c.Exchange.MaxRetryAttempts > 10 {
		return fmt.Errorf("exchange max_retry_attempts must be between 1 and 10")
	}
	if c.Exchange.SessionValiditySec < 60 {
		return fmt.Errorf("exchange session_validity_sec must be >= 60")
	}
	if c.Exchange.MaxSubscriptions < 1 || c.Exchange.MaxSubscriptions > 30 {
		return fmt.Errorf("exchange max_subscriptions must be between 1 and 30")
	}
	if c.Exchange.QuietWindowSec < c.Exchange.PingIntervalSec {
		return fmt.Errorf("exchange quiet_window_sec must be >= ping_interval_sec")
	}
	if c.Store.CacheTTLSec < 1 {
		return fmt.Errorf("store cache_ttl_sec must be >= 1")
	}
	if c.Store.LeaseTTLSec < 1 {
		return fmt.Errorf("store lease_ttl_sec must be >= 1")
	}
	if c.Rebalance.TargetRatio.Cmp(decimal.Zero) <= 0 || c.Rebalance.TargetRatio.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("rebalance target_ratio must be in (0, 1)")
	}
	if c.Rebalance.ThresholdPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rebalance threshold_pct must be >= 0")
	}
	if c.Rebalance.MinNotional.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rebalance min_notional must be >= 0")
	}
	if c.Strategy.ShortWindow < 2 {
		return fmt.Errorf("strategy short_window must be >= 2")
	}
	if c.Strategy.LongWindow <= c.Strategy.ShortWindow {
		return fmt.Errorf("strategy long_window must be > short_window")
	}
	if c.Strategy.MinMarginPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("strategy min_margin_pct must be >= 0")
	}
	if c.Safety.Enabled {
		if c.Safety.MaxOrderFailures < 1 {
			return fmt.Errorf("safety max_order_failures must be >= 1")
		}
		if c.Safety.CooldownSec < 1 {
			return fmt.Errorf("safety cooldown_sec must be >= 1")
		}
	}
	if c.Server.TriggerSecret == "" {
		return fmt.Errorf("server trigger_secret is required")
	}
	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.BotToken == "" {
			return fmt.Errorf("alerts.telegram.bot_token is required when telegram enabled")
		}
		if c.Alerts.Telegram.ChatID == "" {
			return fmt.Errorf("alerts.telegram.chat_id is required when telegram enabled")
		}
		if err := validateURL(c.Alerts.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("alerts.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
