// Package config loads service settings from defaults, an optional YAML
// file, and CREDITGATE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CREDITGATE"

type Config struct {
	HTTP      HTTP
	Database  Database
	Auth      Auth
	Redis     Redis
	Scoring   Scoring
	Executor  Executor
	Notify    Notify
	Funding   Funding
	Risk      Risk
	Telemetry Telemetry
	Log       Log
}

type HTTP struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Database struct {
	// URL empty means in-memory storage.
	URL string
}

type Auth struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type Redis struct {
	// URL empty disables the Redis cache and sink.
	URL       string
	KeyPrefix string
}

type Scoring struct {
	// URL empty selects the static scoring source.
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type Executor struct {
	// URL empty selects the in-process simulated executor.
	URL         string
	CallbackURL string
}

type Notify struct {
	WebhookURL   string
	RelayEvery   time.Duration
	BatchSize    int
	MaxAttempts  int
	RedisChannel string
}

type Funding struct {
	SweepEvery       time.Duration
	SweepConcurrency int
}

type Risk struct {
	// PolicyFile is an optional YAML file overriding policy parameters.
	PolicyFile string
}

type Telemetry struct {
	Enabled bool
	// Stdout writes spans and metrics to stdout; used when no endpoint is set.
	Stdout         bool
	OTLPEndpoint   string
	ExportInterval time.Duration
}

type Log struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "creditgate:")
	v.SetDefault("scoring.url", "")
	v.SetDefault("scoring.timeout", 2*time.Second)
	v.SetDefault("scoring.cache_ttl", 5*time.Minute)
	v.SetDefault("executor.url", "")
	v.SetDefault("executor.callback_url", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.relay_every", time.Second)
	v.SetDefault("notify.batch_size", 10)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.redis_channel", "creditgate.")
	v.SetDefault("funding.sweep_every", 5*time.Minute)
	v.SetDefault("funding.sweep_concurrency", 4)
	v.SetDefault("risk.policy_file", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.export_interval", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance with defaults and env binding applied, ready
// for flag binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTP: HTTP{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: Database{URL: v.GetString("database.url")},
		Auth: Auth{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Redis: Redis{
			URL:       v.GetString("redis.url"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Scoring: Scoring{
			URL:      v.GetString("scoring.url"),
			Timeout:  v.GetDuration("scoring.timeout"),
			CacheTTL: v.GetDuration("scoring.cache_ttl"),
		},
		Executor: Executor{
			URL:         v.GetString("executor.url"),
			CallbackURL: v.GetString("executor.callback_url"),
		},
		Notify: Notify{
			WebhookURL:   v.GetString("notify.webhook_url"),
			RelayEvery:   v.GetDuration("notify.relay_every"),
			BatchSize:    v.GetInt("notify.batch_size"),
			MaxAttempts:  v.GetInt("notify.max_attempts"),
			RedisChannel: v.GetString("notify.redis_channel"),
		},
		Funding: Funding{
			SweepEvery:       v.GetDuration("funding.sweep_every"),
			SweepConcurrency: v.GetInt("funding.sweep_concurrency"),
		},
		Risk: Risk{PolicyFile: v.GetString("risk.policy_file")},
		Telemetry: Telemetry{
			Enabled:        v.GetBool("telemetry.enabled"),
			Stdout:         v.GetBool("telemetry.stdout"),
			OTLPEndpoint:   v.GetString("telemetry.otlp_endpoint"),
			ExportInterval: v.GetDuration("telemetry.export_interval"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	// DATABASE_URL is the conventional name; the prefixed form wins when both are set.
	if cfg.Database.URL == "" {
		if err := v.BindEnv("database_url_fallback", "DATABASE_URL"); err == nil {
			cfg.Database.URL = v.GetString("database_url_fallback")
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the settings every command depends on.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Notify.BatchSize <= 0 {
		errs = append(errs, errors.New("notify.batch_size must be positive"))
	}
	if c.Notify.MaxAttempts <= 0 {
		errs = append(errs, errors.New("notify.max_attempts must be positive"))
	}
	if c.Funding.SweepConcurrency <= 0 {
		errs = append(errs, errors.New("funding.sweep_concurrency must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
