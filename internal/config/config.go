// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/codrlabs/codr/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Shared secret presented by clients in X-API-Key.
	APIKey string `env:"API_KEY"`
	// Symmetric secret signing stream tokens.
	JWTKey string `env:"JWT_KEY"`
	// Allowed CORS origins, comma separated.
	Origins string `env:"ORIGINS" envDefault:"*"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	// Control plane (machines API).
	ControlPlaneToken   string `env:"CONTROL_PLANE_TOKEN"`
	ControlPlaneBaseURL string `env:"CONTROL_PLANE_BASE_URL" envDefault:"https://api.machines.dev"`
	// LanguageApps maps a language to its worker app, e.g.
	// "python=codr-python-runner,rust=codr-rust-runner".
	LanguageApps map[string]string `env:"LANGUAGE_APPS" envSeparator:"," envKeyValSeparator:"="`

	// Admission limits.
	IPRateLimitPerMin  int `env:"IP_RATE_LIMIT_PER_MIN" envDefault:"15"`
	KeyRateLimitPerMin int `env:"KEY_RATE_LIMIT_PER_MIN" envDefault:"100"`

	// Stream service limits.
	StreamMaxConnsPerIP    int           `env:"STREAM_MAX_CONNS_PER_IP" envDefault:"10"`
	StreamHandshakesPerMin int           `env:"STREAM_HANDSHAKES_PER_MIN" envDefault:"60"`
	StreamIdleTimeout      time.Duration `env:"STREAM_IDLE_TIMEOUT" envDefault:"300s"`
	StreamMaxLifetime      time.Duration `env:"STREAM_MAX_LIFETIME" envDefault:"3600s"`
	StreamBanDuration      time.Duration `env:"STREAM_BAN_DURATION" envDefault:"300s"`

	// Worker loop.
	WorkerLanguage    string        `env:"WORKER_LANGUAGE"`
	WorkerPopTimeout  time.Duration `env:"WORKER_POP_TIMEOUT" envDefault:"30s"`
	WorkerMaxIdle     time.Duration `env:"WORKER_MAX_IDLE" envDefault:"120s"`
	SandboxTimeout    time.Duration `env:"SANDBOX_TIMEOUT" envDefault:"10s"`
	MetricsPort       int           `env:"METRICS_PORT" envDefault:"9090"`

	// Autoscaler.
	ScaleTickInterval time.Duration `env:"SCALE_TICK_INTERVAL" envDefault:"10s"`
	ScaleDebounce     time.Duration `env:"SCALE_DEBOUNCE" envDefault:"30s"`
	ScaleHealthPing   time.Duration `env:"SCALE_HEALTH_PING" envDefault:"300s"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// RedisAddr renders host:port for the broker client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ValidateAPI checks the secrets every API-facing process requires.
func (c Config) ValidateAPI() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY must be set")
	}
	if c.JWTKey == "" {
		return fmt.Errorf("JWT_KEY must be set")
	}
	return nil
}

// ValidateWorker checks worker-specific configuration.
func (c Config) ValidateWorker() error {
	if c.WorkerLanguage == "" {
		return fmt.Errorf("WORKER_LANGUAGE must be set")
	}
	if !domain.ValidLanguage(c.WorkerLanguage) {
		return fmt.Errorf("WORKER_LANGUAGE %q is not supported", c.WorkerLanguage)
	}
	return nil
}

// ValidateAutoscaler checks control-plane configuration.
func (c Config) ValidateAutoscaler() error {
	if c.ControlPlaneToken == "" {
		return fmt.Errorf("CONTROL_PLANE_TOKEN must be set")
	}
	if len(c.LanguageApps) == 0 {
		return fmt.Errorf("LANGUAGE_APPS must map at least one language to an app")
	}
	for lang := range c.LanguageApps {
		if !domain.ValidLanguage(lang) {
			return fmt.Errorf("LANGUAGE_APPS names unsupported language %q", lang)
		}
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
