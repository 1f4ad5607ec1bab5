// Package config defines the escrow engine configuration. Values come from
// built-in defaults, an optional TOML file, a .env file and finally
// ESCROW_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"
	_ "time/tzdata" // monitoring timezones must resolve on minimal images

	"github.com/shopspring/decimal"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Trading    TradingConfig    `toml:"trading"`
	Dispute    DisputeConfig    `toml:"dispute"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Payments   PaymentsConfig   `toml:"payments"`
	LogLevel   string           `toml:"log_level"`
}

type ServerConfig struct {
	Port            string   `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the document store. An empty URL runs the
// in-memory store.
type DatabaseConfig struct {
	URL     string `toml:"url"`
	Migrate bool   `toml:"migrate"`
}

// RedisConfig enables the rate-limit primary backend and the profile cache.
type RedisConfig struct {
	URL             string   `toml:"url"`
	ProfileCacheTTL duration `toml:"profile_cache_ttl"`
}

type TradingConfig struct {
	RiskGate          int `toml:"risk_gate"`
	FailurePenalty    int `toml:"failure_penalty"`
	AssessConcurrency int `toml:"assess_concurrency"`
}

type DisputeConfig struct {
	HighValueThreshold decimal.Decimal `toml:"high_value_threshold"`
}

type MonitoringConfig struct {
	Timezone         string `toml:"timezone"`
	SeedDefaultRules bool   `toml:"seed_default_rules"`
}

// OperationLimit is the per-window ceiling of one guarded operation.
type OperationLimit struct {
	MaxCount  int             `toml:"max_count"`
	MaxAmount decimal.Decimal `toml:"max_amount"`
}

type RateLimitConfig struct {
	Window     duration                  `toml:"window"`
	HardFlagAt int                       `toml:"hard_flag_at"`
	RecordTTL  duration                  `toml:"record_ttl"`
	Operations map[string]OperationLimit `toml:"operations"`
	// TrustedProxies lists the addresses or CIDRs whose forwarding headers
	// identify the client. Empty means clients are keyed on the peer address.
	TrustedProxies []string `toml:"trusted_proxies"`
}

type PaymentsConfig struct {
	WebhookSecret string `toml:"webhook_secret"`
}

// duration decodes TOML strings such as "90s" or "1h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the production defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{Migrate: true},
		Redis:    RedisConfig{ProfileCacheTTL: duration{30 * time.Second}},
		Trading: TradingConfig{
			RiskGate:          80,
			FailurePenalty:    80,
			AssessConcurrency: 8,
		},
		Dispute: DisputeConfig{HighValueThreshold: decimal.NewFromInt(10000)},
		Monitoring: MonitoringConfig{
			Timezone:         "Africa/Lagos",
			SeedDefaultRules: true,
		},
		RateLimit: RateLimitConfig{
			Window:     duration{time.Hour},
			HardFlagAt: 5,
			RecordTTL:  duration{7 * 24 * time.Hour},
			Operations: map[string]OperationLimit{
				"create":  {MaxCount: 10, MaxAmount: decimal.NewFromInt(1_000_000)},
				"match":   {MaxCount: 20},
				"confirm": {MaxCount: 20},
				"cancel":  {MaxCount: 20},
				"dispute": {MaxCount: 5},
			},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, info when unknown.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Location returns the monitoring timezone, UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Monitoring.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TrustedProxies parses the trusted proxy list. Bare addresses become
// single-host prefixes; invalid entries are skipped (Validate reports them).
func (c *Config) TrustedProxies() []netip.Prefix {
	var out []netip.Prefix
	for _, s := range c.RateLimit.TrustedProxies {
		if p, err := parsePrefix(s); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Validate reports every obviously invalid value at once.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port == "" {
		errs = append(errs, "server: port must not be empty")
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if c.Trading.RiskGate < 0 || c.Trading.RiskGate > 100 {
		errs = append(errs, fmt.Sprintf("trading: risk_gate must be within 0..100, got %d", c.Trading.RiskGate))
	}
	if c.Trading.FailurePenalty < 0 || c.Trading.FailurePenalty > 100 {
		errs = append(errs, fmt.Sprintf("trading: failure_penalty must be within 0..100, got %d", c.Trading.FailurePenalty))
	}
	if c.Trading.AssessConcurrency <= 0 {
		errs = append(errs, "trading: assess_concurrency must be positive")
	}

	if !c.Dispute.HighValueThreshold.IsPositive() {
		errs = append(errs, "dispute: high_value_threshold must be positive")
	}

	if _, err := time.LoadLocation(c.Monitoring.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("monitoring: unknown timezone %q", c.Monitoring.Timezone))
	}

	rl := c.RateLimit
	if rl.Window.Duration <= 0 {
		errs = append(errs, "ratelimit: window must be positive")
	}
	if rl.RecordTTL.Duration < rl.Window.Duration {
		errs = append(errs, "ratelimit: record_ttl must not be shorter than window")
	}
	if len(rl.Operations) == 0 {
		errs = append(errs, "ratelimit: at least one operation limit is required")
	}
	for op, l := range rl.Operations {
		if l.MaxCount <= 0 {
			errs = append(errs, fmt.Sprintf("ratelimit: %s max_count must be positive", op))
		}
		if l.MaxAmount.IsNegative() {
			errs = append(errs, fmt.Sprintf("ratelimit: %s max_amount must not be negative", op))
		}
	}

	for _, tp := range rl.TrustedProxies {
		if _, err := parsePrefix(tp); err != nil {
			errs = append(errs, fmt.Sprintf("ratelimit: invalid trusted proxy %q", tp))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
