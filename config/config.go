// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/mypts/points-ledger/ledger"
)

type Config struct {
	Service  string `env:"MYPTS_SERVICE" envDefault:"mypts-ledger"`
	Env      string `env:"MYPTS_ENV" envDefault:"dev"`
	LogLevel string `env:"MYPTS_LOG_LEVEL" envDefault:"info"`

	Addr   string `env:"MYPTS_ADDR" envDefault:":8080"`
	DBPath string `env:"MYPTS_DB_PATH" envDefault:"./mypts.db"`

	// Reward rules file (.toml or .json). Loaded into the store at startup.
	RulesPath string `env:"MYPTS_RULES_PATH"`

	WebhookSecret    string        `env:"MYPTS_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `env:"MYPTS_WEBHOOK_TOLERANCE" envDefault:"5m"`
	WebhookRPS       float64       `env:"MYPTS_WEBHOOK_RPS" envDefault:"50"`
	WebhookBurst     int           `env:"MYPTS_WEBHOOK_BURST" envDefault:"100"`

	SweepInterval  time.Duration `env:"MYPTS_SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize int           `env:"MYPTS_SWEEP_BATCH" envDefault:"100"`
	PendingTTL     time.Duration `env:"MYPTS_PENDING_TTL" envDefault:"24h"`

	RetryAttempts int           `env:"MYPTS_RETRY_ATTEMPTS" envDefault:"5"`
	RetryInitial  time.Duration `env:"MYPTS_RETRY_INITIAL" envDefault:"10ms"`
	RetryMax      time.Duration `env:"MYPTS_RETRY_MAX" envDefault:"250ms"`

	// "mint" (default) or "reject"
	ShortfallPolicy string `env:"MYPTS_SHORTFALL_POLICY" envDefault:"mint"`

	Bootstrap BootstrapSupply `envPrefix:"MYPTS_BOOTSTRAP_"`
}

// BootstrapSupply seeds the supply row on first start.
type BootstrapSupply struct {
	Total         int64  `env:"TOTAL" envDefault:"1000000000"`
	Holding       int64  `env:"HOLDING" envDefault:"1000000000"`
	Reserve       int64  `env:"RESERVE" envDefault:"0"`
	MaxSupply     int64  `env:"MAX_SUPPLY" envDefault:"0"` // 0 means uncapped
	ValuePerPoint string `env:"VALUE_PER_POINT" envDefault:"0.024"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := c.Shortfall(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("MYPTS_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("MYPTS_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if _, err := c.InitialSupply(); err != nil {
		return err
	}
	return nil
}

func (c Config) Shortfall() (ledger.ShortfallPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(c.ShortfallPolicy)) {
	case "", "mint":
		return ledger.ShortfallMint, nil
	case "reject":
		return ledger.ShortfallReject, nil
	}
	return 0, fmt.Errorf("MYPTS_SHORTFALL_POLICY: unknown policy %q", c.ShortfallPolicy)
}

func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("MYPTS_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func (c Config) Retry() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts:     c.RetryAttempts,
		InitialInterval: c.RetryInitial,
		MaxInterval:     c.RetryMax,
	}
}

// InitialSupply converts the bootstrap figures into a supply row.
// Whatever is neither holding nor reserve starts in circulation.
func (c Config) InitialSupply() (ledger.SupplyState, error) {
	b := c.Bootstrap
	value, err := decimal.NewFromString(b.ValuePerPoint)
	if err != nil {
		return ledger.SupplyState{}, fmt.Errorf("MYPTS_BOOTSTRAP_VALUE_PER_POINT: %w", err)
	}
	s := ledger.SupplyState{
		TotalSupply:       b.Total,
		HoldingSupply:     b.Holding,
		ReserveSupply:     b.Reserve,
		CirculatingSupply: b.Total - b.Holding - b.Reserve,
		ValuePerPoint:     value,
	}
	if b.MaxSupply > 0 {
		ceiling := b.MaxSupply
		s.MaxSupply = &ceiling
	}
	if detail := s.CheckInvariant(); detail != "" {
		return ledger.SupplyState{}, fmt.Errorf("bootstrap supply: %s", detail)
	}
	return s, nil
}
