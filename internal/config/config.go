// Package config loads warden's settings from defaults, an optional YAML
// file and WARDEN_ environment variables, in increasing precedence. Command
// flags are bound on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. WARDEN_STORE_PATH for
// store.path.
const EnvPrefix = "WARDEN"

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "warden.yaml"

// Policy provider modes.
const (
	ModeEmbedded = "embedded"
	ModeRemote   = "remote"
)

// Config is the complete configuration.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Approval    ApprovalConfig    `mapstructure:"approval"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Authority   AuthorityConfig   `mapstructure:"authority"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// PolicyConfig selects the policy provider.
type PolicyConfig struct {
	// Mode is "embedded" (local store) or "remote" (authority service).
	Mode   string             `mapstructure:"mode"`
	Remote RemotePolicyConfig `mapstructure:"remote"`
}

// RemotePolicyConfig configures the remote provider. Secret is the shared
// HMAC key for bearer tokens; the authority service verifies with the same
// key.
type RemotePolicyConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// ApprovalConfig sets the default approval lifetime.
type ApprovalConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// SweepConfig controls the expiry sweeper.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Batch    int           `mapstructure:"batch"`
}

// IdempotencyConfig controls duplicate request handling.
type IdempotencyConfig struct {
	FastWindow  time.Duration `mapstructure:"fast_window"`
	Retention   time.Duration `mapstructure:"retention"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max"`
	Lease       time.Duration `mapstructure:"lease"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
}

// DispatchConfig bounds connector calls.
type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig enables span export when Output is set ("stdout" or a file).
type TracingConfig struct {
	Output string `mapstructure:"output"`
}

// AuthorityConfig configures `warden authority serve`.
type AuthorityConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store:  StoreConfig{Path: "warden.db"},
		Policy: PolicyConfig{
			Mode:   ModeEmbedded,
			Remote: RemotePolicyConfig{Timeout: 5 * time.Second, Retries: 2},
		},
		Approval: ApprovalConfig{TTL: 48 * time.Hour},
		Sweep:    SweepConfig{Interval: 5 * time.Minute, Batch: 100},
		Idempotency: IdempotencyConfig{
			FastWindow:  5 * time.Second,
			Retention:   24 * time.Hour,
			WaitTimeout: 10 * time.Second,
			PollInitial: 100 * time.Millisecond,
			PollMax:     time.Second,
			Lease:       2 * time.Minute,
			Heartbeat:   30 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     2 * time.Second,
			CallTimeout:    30 * time.Second,
		},
		Authority: AuthorityConfig{Addr: ":8181"},
	}
}

// SetDefaults registers every key with its default. Registration also makes
// each key visible to environment lookup.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("policy.mode", d.Policy.Mode)
	v.SetDefault("policy.remote.url", d.Policy.Remote.URL)
	v.SetDefault("policy.remote.secret", d.Policy.Remote.Secret)
	v.SetDefault("policy.remote.timeout", d.Policy.Remote.Timeout)
	v.SetDefault("policy.remote.retries", d.Policy.Remote.Retries)

	v.SetDefault("approval.ttl", d.Approval.TTL)
	v.SetDefault("sweep.interval", d.Sweep.Interval)
	v.SetDefault("sweep.batch", d.Sweep.Batch)

	v.SetDefault("idempotency.fast_window", d.Idempotency.FastWindow)
	v.SetDefault("idempotency.retention", d.Idempotency.Retention)
	v.SetDefault("idempotency.wait_timeout", d.Idempotency.WaitTimeout)
	v.SetDefault("idempotency.poll_initial", d.Idempotency.PollInitial)
	v.SetDefault("idempotency.poll_max", d.Idempotency.PollMax)
	v.SetDefault("idempotency.lease", d.Idempotency.Lease)
	v.SetDefault("idempotency.heartbeat", d.Idempotency.Heartbeat)

	v.SetDefault("dispatch.max_attempts", d.Dispatch.MaxAttempts)
	v.SetDefault("dispatch.backoff_initial", d.Dispatch.BackoffInitial)
	v.SetDefault("dispatch.backoff_max", d.Dispatch.BackoffMax)
	v.SetDefault("dispatch.call_timeout", d.Dispatch.CallTimeout)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("tracing.output", d.Tracing.Output)
	v.SetDefault("authority.addr", d.Authority.Addr)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	// WARDEN_POLICY_REMOTE_URL for policy.remote.url
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads path into v. With an empty path DefaultFile is tried in
// the working directory and its absence is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}
