// Package config loads worker settings from the environment, with an
// optional YAML file underneath.
//
// Precedence, lowest first: envDefault tags, the file named by WORKER_CONFIG,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at the optional YAML file.
const FileEnv = "WORKER_CONFIG"

// Config is the complete worker process configuration.
type Config struct {
	Backend string `env:"BACKEND" envDefault:"redis" yaml:"backend" validate:"oneof=redis nats"`

	RedisURL      string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379" yaml:"redis_url" validate:"required_if=Backend redis"`
	RedisPassword string `env:"REDIS_PASSWORD" yaml:"redis_password"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222" yaml:"nats_url" validate:"required_if=Backend nats"`

	Domain     string `env:"WORKER_DOMAIN" envDefault:"jobs" yaml:"domain" validate:"required"`
	Topic      string `env:"WORKER_TOPIC" envDefault:"default" yaml:"topic" validate:"required"`
	WorkerName string `env:"WORKER_NAME" envDefault:"worker" yaml:"worker_name" validate:"required"`

	BatchSize         int           `env:"BATCH_SIZE" envDefault:"10" yaml:"batch_size" validate:"gt=0"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT" envDefault:"5s" yaml:"fetch_timeout" validate:"gte=0"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"10" yaml:"max_concurrent_jobs" validate:"gt=0"`
	// MaxDeliver covers the longest retry schedule (rate limited: 5 retries)
	// plus the first delivery.
	MaxDeliver        int           `env:"MAX_DELIVER" envDefault:"6" yaml:"max_deliver" validate:"gte=0"`
	AckWait           time.Duration `env:"ACK_WAIT" envDefault:"30s" yaml:"ack_wait" validate:"gt=0"`
	ClaimInterval     time.Duration `env:"CLAIM_INTERVAL" envDefault:"30s" yaml:"claim_interval" validate:"gt=0"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s" yaml:"drain_timeout" validate:"gt=0"`

	EnableRateLimiter bool    `env:"ENABLE_RATE_LIMITER" yaml:"enable_rate_limiter"`
	RateLimitRPS      float64 `env:"RATE_LIMIT_RPS" envDefault:"10" yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst    int     `env:"RATE_LIMIT_BURST" envDefault:"1" yaml:"rate_limit_burst" validate:"gte=0"`

	HealthPort int   `env:"HEALTH_PORT" envDefault:"8081" yaml:"health_port" validate:"gt=0,lt=65536"`
	MaxLength  int64 `env:"MAX_LENGTH" envDefault:"100000" yaml:"max_length" validate:"gt=0"`

	// HeartbeatInterval paces presence announcements; 0 disables them.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s" yaml:"heartbeat_interval" validate:"gte=0"`

	// DBPoolSize is the processor's database pool; 0 skips the concurrency check.
	DBPoolSize     int `env:"DB_POOL_SIZE" yaml:"db_pool_size" validate:"gte=0"`
	DBPoolReserved int `env:"DB_POOL_RESERVED" envDefault:"2" yaml:"db_pool_reserved" validate:"gte=0"`

	// UsageDBPath enables the SQLite job ledger when set.
	UsageDBPath string `env:"USAGE_DB_PATH" yaml:"usage_db_path"`
	// UsageRetention is how long ledger rows are kept; 0 keeps them forever.
	UsageRetention time.Duration `env:"USAGE_RETENTION" envDefault:"168h" yaml:"usage_retention" validate:"gte=0"`

	AppEnv   string `env:"APP_ENV" envDefault:"development" yaml:"app_env" validate:"oneof=development staging production test"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Errors name the environment variable an operator would set.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("env"), ","); name != "" {
			return name
		}
		return f.Name
	})
	v.RegisterStructValidation(poolCapacity, Config{})
	return v
}

// poolCapacity rejects configurations where concurrent jobs could exhaust
// the database pool.
func poolCapacity(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.DBPoolSize <= 0 {
		return
	}
	if c.MaxConcurrentJobs > c.DBPoolSize-c.DBPoolReserved {
		sl.ReportError(c.MaxConcurrentJobs, "MAX_CONCURRENT_JOBS", "MaxConcurrentJobs", "poolcap", "")
	}
}

// Load builds the configuration for service. A non-empty service enables the
// <SERVICE>_WORKER_HEALTH_PORT override, so several workers can share a host.
func Load(service string) (*Config, error) {
	return load(service, envMap())
}

func load(service string, environ map[string]string) (*Config, error) {
	var cfg Config

	// Defaults only. An empty environment makes every field fall back to
	// its envDefault tag.
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if path := environ[FileEnv]; path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	// Real environment, with defaults disabled so file values survive.
	if err := env.ParseWithOptions(&cfg, env.Options{
		Environment:         environ,
		DefaultValueTagName: "envNoDefault",
	}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if service != "" {
		key := HealthPortEnv(service)
		if raw := environ[key]; raw != "" {
			port, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
			}
			cfg.HealthPort = port
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HealthPortEnv returns the per-service health port variable, e.g.
// EMAIL_SENDER_WORKER_HEALTH_PORT for "email-sender".
func HealthPortEnv(service string) string {
	s := strings.ToUpper(service)
	s = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s)
	return s + "_WORKER_HEALTH_PORT"
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints and the pool capacity rule.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(c, fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(c *Config, fe validator.FieldError) string {
	switch fe.Tag() {
	case "poolcap":
		return fmt.Sprintf("MAX_CONCURRENT_JOBS (%d) must not exceed DB_POOL_SIZE (%d) minus DB_POOL_RESERVED (%d)",
			c.MaxConcurrentJobs, c.DBPoolSize, c.DBPoolReserved)
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
	}
}

// Stream returns the logical stream label used in metrics and status output.
func (c *Config) Stream() string {
	return c.Domain + ":" + c.Topic
}

// RateLimit returns the admission rate, or 0 when the limiter is disabled.
func (c *Config) RateLimit() float64 {
	if !c.EnableRateLimiter {
		return 0
	}
	return c.RateLimitRPS
}

// IsProduction reports whether logs should be structured JSON.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "staging"
}

func envMap() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}
