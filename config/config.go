// Package config loads the proxy configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/pool"
)

// Config is the complete proxy configuration.
type Config struct {
	Backend           string        `env:"BACKEND" validate:"required,url"`
	BackendKind       string        `env:"BACKEND_KIND" validate:"omitempty,oneof=http invoke lambda"`
	Port              int           `env:"PORT" validate:"min=1,max=65535"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" validate:"gt=0"`
	PoolMaxSize       int           `env:"POOL_MAX_SIZE" validate:"min=1"`
	PoolWaitTimeout   time.Duration `env:"POOL_WAIT_TIMEOUT" validate:"gte=0"`
	PoolIdleTimeout   time.Duration `env:"POOL_IDLE_TIMEOUT" validate:"gte=0"`
	PoolFreshness     time.Duration `env:"POOL_FRESHNESS" validate:"gte=0"`
	PoolSweepInterval time.Duration `env:"POOL_SWEEP_INTERVAL" validate:"gte=0"`
	PassthroughPath   string        `env:"PASSTHROUGH_PATH" validate:"startswith=/"`
	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES" validate:"min=1"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" validate:"gte=0"`
	LogLevel          string        `env:"LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat         string        `env:"LOG_FORMAT" validate:"oneof=json text"`
	SQLLogLevel       string        `env:"SQL_LOG_LEVEL" validate:"oneof=trace debug info warn error none"`
	LockTable         string        `env:"LOCK_TABLE"`
	LockDSN           string        `env:"LOCK_DSN" validate:"excluded_with=LockTable"`
	LockTTL           time.Duration `env:"LOCK_TTL" validate:"gt=0"`
	LockRetryWait     time.Duration `env:"LOCK_RETRY_WAIT" validate:"gte=0"`
	Region            string        `env:"AWS_REGION"`
	RuntimeAPI        string        `env:"AWS_LAMBDA_RUNTIME_API" validate:"omitempty,hostname_port"`
}

var (
	validatorInstance *validator.Validate
	validatorOnce     sync.Once
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInstance = validator.New()

		// report fields by their environment variable
		validatorInstance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			return fld.Tag.Get("env")
		})
	})

	return validatorInstance
}

func env(key string, defaultValue string) string {
	if os.Getenv(key) != "" {
		return os.Getenv(key)
	}

	return defaultValue
}

// parser reads typed values, remembering every malformed one.
type parser struct {
	errs []string
}

func (p *parser) duration(key, defaultValue string) time.Duration {
	d, err := time.ParseDuration(env(key, defaultValue))
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
	}

	return d
}

func (p *parser) integer(key, defaultValue string) int64 {
	n, err := strconv.ParseInt(env(key, defaultValue), 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
	}

	return n
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}

	return errors.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
}

// Load reads the configuration from the environment. Variables from envFile
// are loaded first without overriding the environment; an empty envFile loads
// ./.env when present. The result is not validated.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "failed loading %s", envFile)
		}
	} else {
		_ = godotenv.Load()
	}

	p := &parser{}

	cfg := &Config{
		Backend:           env("BACKEND", ""),
		BackendKind:       env("BACKEND_KIND", ""),
		Port:              int(p.integer("PORT", "8000")),
		RequestTimeout:    p.duration("REQUEST_TIMEOUT", "30s"),
		PoolMaxSize:       int(p.integer("POOL_MAX_SIZE", "16")),
		PoolWaitTimeout:   p.duration("POOL_WAIT_TIMEOUT", "5s"),
		PoolIdleTimeout:   p.duration("POOL_IDLE_TIMEOUT", "60s"),
		PoolFreshness:     p.duration("POOL_FRESHNESS", "2s"),
		PoolSweepInterval: p.duration("POOL_SWEEP_INTERVAL", "15s"),
		PassthroughPath:   env("PASSTHROUGH_PATH", "/"),
		MaxBodyBytes:      p.integer("MAX_BODY_BYTES", "6291456"),
		ShutdownGrace:     p.duration("SHUTDOWN_GRACE", "5s"),
		LogLevel:          strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(env("LOG_FORMAT", "json")),
		SQLLogLevel:       strings.ToLower(env("SQL_LOG_LEVEL", "warn")),
		LockTable:         env("LOCK_TABLE", ""),
		LockDSN:           env("LOCK_DSN", ""),
		LockTTL:           p.duration("LOCK_TTL", "300s"),
		LockRetryWait:     p.duration("LOCK_RETRY_WAIT", "500ms"),
		Region:            env("AWS_REGION", ""),
		RuntimeAPI:        env("AWS_LAMBDA_RUNTIME_API", ""),
	}

	if err := p.err(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every field, reporting all failures at once.
func (cfg *Config) Validate() error {
	err := getValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "failed validating configuration")
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}

	return errors.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// BackendURL returns the parsed backend url.
func (cfg *Config) BackendURL() (*url.URL, error) {
	u, err := url.Parse(cfg.Backend)
	if err != nil {
		return nil, errors.Wrap(err, "invalid BACKEND")
	}

	return u, nil
}

// Addr is the listener address.
func (cfg *Config) Addr() string {
	return ":" + strconv.Itoa(cfg.Port)
}

// PoolOptions returns the connection pool settings.
func (cfg *Config) PoolOptions() pool.Options {
	return pool.Options{
		MaxSize:       cfg.PoolMaxSize,
		WaitTimeout:   cfg.PoolWaitTimeout,
		IdleTimeout:   cfg.PoolIdleTimeout,
		Freshness:     cfg.PoolFreshness,
		SweepInterval: cfg.PoolSweepInterval,
	}
}

// LockEnabled reports whether duplicate passthrough events are filtered.
func (cfg *Config) LockEnabled() bool {
	return cfg.LockTable != "" || cfg.LockDSN != ""
}
