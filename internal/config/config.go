package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. X402_DATABASE_DSN
const EnvPrefix = "X402"

// Config is the full runtime configuration of x402d
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	Reaper      ReaperConfig      `mapstructure:"reaper"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Chains      []ChainConfig     `mapstructure:"chains"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Tracing         bool          `mapstructure:"tracing"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// FacilitatorConfig lists settlement backends in the order they are tried
type FacilitatorConfig struct {
	Backends []string      `mapstructure:"backends"`
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CDP      CDPConfig     `mapstructure:"cdp"`
}

type CDPConfig struct {
	KeyID     string `mapstructure:"key_id"`
	KeySecret string `mapstructure:"key_secret"`
	URL       string `mapstructure:"url"`
}

type SettlementConfig struct {
	Mode                       string        `mapstructure:"mode"`
	PollInterval               time.Duration `mapstructure:"poll_interval"`
	BatchSize                  int           `mapstructure:"batch_size"`
	LockTimeout                time.Duration `mapstructure:"lock_timeout"`
	MaxAttempts                int           `mapstructure:"max_attempts"`
	BackoffBase                time.Duration `mapstructure:"backoff_base"`
	BackoffMax                 time.Duration `mapstructure:"backoff_max"`
	CallTimeout                time.Duration `mapstructure:"call_timeout"`
	RequireOnchainConfirmation bool          `mapstructure:"require_onchain_confirmation"`
}

type ReservationConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ReaperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type WebhookConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

// ChainConfig points an on-chain verifier at an RPC node. Kept as a list
// because viper lowercases map keys and Solana network ids are case sensitive.
type ChainConfig struct {
	Network string `mapstructure:"network"`
	RPCURL  string `mapstructure:"rpc_url"`
}

const (
	BackendHTTP = "http"
	BackendCDP  = "cdp"

	ModeAsync = "async"
	ModeSync  = "sync"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.tracing", true)

	v.SetDefault("log.level", "info")

	v.SetDefault("facilitator.backends", []string{BackendHTTP})
	v.SetDefault("facilitator.url", "https://x402.org/facilitator")
	v.SetDefault("facilitator.token", "")
	v.SetDefault("facilitator.timeout", 30*time.Second)
	v.SetDefault("facilitator.cdp.key_id", "")
	v.SetDefault("facilitator.cdp.key_secret", "")
	v.SetDefault("facilitator.cdp.url", "")

	v.SetDefault("settlement.mode", ModeAsync)
	v.SetDefault("settlement.poll_interval", 2*time.Second)
	v.SetDefault("settlement.batch_size", 10)
	v.SetDefault("settlement.lock_timeout", 2*time.Minute)
	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.backoff_base", 2*time.Second)
	v.SetDefault("settlement.backoff_max", 5*time.Minute)
	v.SetDefault("settlement.call_timeout", 30*time.Second)
	v.SetDefault("settlement.require_onchain_confirmation", false)

	v.SetDefault("reservation.ttl", 15*time.Minute)

	v.SetDefault("reaper.interval", 30*time.Second)
	v.SetDefault("reaper.batch_size", 100)

	v.SetDefault("webhook.poll_interval", 2*time.Second)
	v.SetDefault("webhook.batch_size", 20)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 8)
	v.SetDefault("webhook.backoff_base", 5*time.Second)
	v.SetDefault("webhook.backoff_max", time.Hour)
	v.SetDefault("webhook.lock_timeout", 2*time.Minute)
}

// Load reads configuration from defaults, an optional YAML file and
// X402_* environment variables, in increasing precedence. A .env file in the
// working directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Comma separated lists from the environment arrive as one element
	if len(cfg.Facilitator.Backends) == 1 && strings.Contains(cfg.Facilitator.Backends[0], ",") {
		cfg.Facilitator.Backends = strings.Split(cfg.Facilitator.Backends[0], ",")
	}
	for i, b := range cfg.Facilitator.Backends {
		cfg.Facilitator.Backends[i] = strings.ToLower(strings.TrimSpace(b))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command depends on
func (c *Config) Validate() error {
	var errs []error

	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if len(c.Facilitator.Backends) == 0 {
		errs = append(errs, errors.New("facilitator.backends must not be empty"))
	}
	for _, b := range c.Facilitator.Backends {
		switch b {
		case BackendHTTP:
		case BackendCDP:
			if c.Facilitator.CDP.KeyID == "" || c.Facilitator.CDP.KeySecret == "" {
				errs = append(errs, errors.New("facilitator.cdp.key_id and key_secret are required for the cdp backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown facilitator backend %q", b))
		}
	}
	if c.Settlement.Mode != ModeAsync && c.Settlement.Mode != ModeSync {
		errs = append(errs, fmt.Errorf("settlement.mode must be %q or %q", ModeAsync, ModeSync))
	}

	positive := map[string]time.Duration{
		"settlement.poll_interval": c.Settlement.PollInterval,
		"settlement.lock_timeout":  c.Settlement.LockTimeout,
		"reservation.ttl":          c.Reservation.TTL,
		"reaper.interval":          c.Reaper.Interval,
		"webhook.poll_interval":    c.Webhook.PollInterval,
		"webhook.timeout":          c.Webhook.Timeout,
		"webhook.lock_timeout":     c.Webhook.LockTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("settlement.max_attempts must be at least 1"))
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, errors.New("webhook.max_attempts must be at least 1"))
	}
	for _, ch := range c.Chains {
		if ch.Network == "" || ch.RPCURL == "" {
			errs = append(errs, errors.New("chains entries need network and rpc_url"))
		}
	}

	return errors.Join(errs...)
}
