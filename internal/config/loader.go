package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present and applies environment overrides. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets deployments set secrets and endpoints without a
// config file. The unprefixed PORT, DATABASE_URL and REDIS_URL are honoured
// for platform compatibility; ESCROW_* wins when both are set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Port, "ESCROW_PORT")
	setDuration(&cfg.Server.RequestTimeout, "ESCROW_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ESCROW_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "ESCROW_DATABASE_URL")
	setBool(&cfg.Database.Migrate, "ESCROW_DATABASE_MIGRATE")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "ESCROW_REDIS_URL")
	setDuration(&cfg.Redis.ProfileCacheTTL, "ESCROW_REDIS_PROFILE_CACHE_TTL")

	setInt(&cfg.Trading.RiskGate, "ESCROW_TRADING_RISK_GATE")
	setInt(&cfg.Trading.FailurePenalty, "ESCROW_TRADING_FAILURE_PENALTY")
	setInt(&cfg.Trading.AssessConcurrency, "ESCROW_TRADING_ASSESS_CONCURRENCY")

	setDecimal(&cfg.Dispute.HighValueThreshold, "ESCROW_DISPUTE_HIGH_VALUE_THRESHOLD")

	setStr(&cfg.Monitoring.Timezone, "ESCROW_MONITORING_TIMEZONE")
	setBool(&cfg.Monitoring.SeedDefaultRules, "ESCROW_MONITORING_SEED_DEFAULT_RULES")

	setDuration(&cfg.RateLimit.Window, "ESCROW_RATELIMIT_WINDOW")
	setInt(&cfg.RateLimit.HardFlagAt, "ESCROW_RATELIMIT_HARD_FLAG_AT")
	setDuration(&cfg.RateLimit.RecordTTL, "ESCROW_RATELIMIT_RECORD_TTL")
	setList(&cfg.RateLimit.TrustedProxies, "ESCROW_RATELIMIT_TRUSTED_PROXIES")

	setStr(&cfg.Payments.WebhookSecret, "PAYSTACK_SECRET_KEY")
	setStr(&cfg.Payments.WebhookSecret, "ESCROW_PAYMENTS_WEBHOOK_SECRET")

	setStr(&cfg.LogLevel, "ESCROW_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
