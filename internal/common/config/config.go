// Package config provides configuration management for Ops-Core.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backend identifiers accepted by OPSCORE_STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration sections for Ops-Core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr   string `mapstructure:"listenAddr"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds the shared-secret bearer token for authenticated endpoints.
type AuthConfig struct {
	APIKey string `mapstructure:"apiKey"`
}

// StorageConfig selects and parameterizes the state-store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // memory or redis
	RedisHost string `mapstructure:"redisHost"`
	RedisPort int    `mapstructure:"redisPort"`
	RedisDB   int    `mapstructure:"redisDb"`
}

// RoutingConfig holds the outbound agent-routing service settings.
type RoutingConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	AuthToken      string `mapstructure:"authToken"` // optional bearer for outbound calls
}

// WorkflowConfig holds queue and dispatcher tuning plus definition seeding.
type WorkflowConfig struct {
	SeedDir         string `mapstructure:"seedDir"`
	DispatchWorkers int    `mapstructure:"dispatchWorkers"`
	QueueMaxSize    int    `mapstructure:"queueMaxSize"`
}

// NATSConfig holds event bus configuration. Empty URL means in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the routing request timeout as a time.Duration.
func (r *RoutingConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RedisAddr returns the host:port address for the Redis backend.
func (s *StorageConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("OPSCORE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listenAddr", "0.0.0.0:8000")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)

	// Auth defaults - empty key is rejected by validation
	v.SetDefault("auth.apiKey", "")

	// Storage defaults
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redisHost", "localhost")
	v.SetDefault("storage.redisPort", 6379)
	v.SetDefault("storage.redisDb", 0)

	// Routing defaults
	v.SetDefault("routing.baseUrl", "http://localhost:8001")
	v.SetDefault("routing.timeoutSeconds", 30)
	v.SetDefault("routing.authToken", "")

	// Workflow defaults
	v.SetDefault("workflow.seedDir", "")
	v.SetDefault("workflow.dispatchWorkers", 2)
	v.SetDefault("workflow.queueMaxSize", 1000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPSCORE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/opscore/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("auth.apiKey", "OPSCORE_API_KEY")
	_ = v.BindEnv("storage.backend", "OPSCORE_STORAGE_BACKEND")
	_ = v.BindEnv("storage.redisHost", "OPSCORE_REDIS_HOST")
	_ = v.BindEnv("storage.redisPort", "OPSCORE_REDIS_PORT")
	_ = v.BindEnv("storage.redisDb", "OPSCORE_REDIS_DB")
	_ = v.BindEnv("routing.baseUrl", "OPSCORE_ROUTING_BASE_URL")
	_ = v.BindEnv("routing.timeoutSeconds", "OPSCORE_ROUTING_TIMEOUT_SECONDS")
	_ = v.BindEnv("routing.authToken", "OPSCORE_ROUTING_AUTH_TOKEN")
	_ = v.BindEnv("server.listenAddr", "OPSCORE_HTTP_LISTEN_ADDR")
	_ = v.BindEnv("workflow.seedDir", "OPSCORE_SEED_WORKFLOWS")
	_ = v.BindEnv("workflow.dispatchWorkers", "OPSCORE_DISPATCH_WORKERS")
	_ = v.BindEnv("workflow.queueMaxSize", "OPSCORE_QUEUE_MAX_SIZE")
	_ = v.BindEnv("nats.url", "OPSCORE_NATS_URL")
	_ = v.BindEnv("logging.level", "OPSCORE_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "OPSCORE_LOG_FORMAT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/opscore/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, "server.listenAddr is required")
	}

	if cfg.Auth.APIKey == "" {
		errs = append(errs, "auth.apiKey is required (set OPSCORE_API_KEY)")
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
		// nothing else required
	case BackendRedis:
		if cfg.Storage.RedisHost == "" {
			errs = append(errs, "storage.redisHost is required when storage.backend is redis")
		}
		if cfg.Storage.RedisPort <= 0 || cfg.Storage.RedisPort > 65535 {
			errs = append(errs, "storage.redisPort must be between 1 and 65535")
		}
		if cfg.Storage.RedisDB < 0 {
			errs = append(errs, "storage.redisDb must not be negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of: %s, %s", BackendMemory, BackendRedis))
	}

	if cfg.Routing.BaseURL == "" {
		errs = append(errs, "routing.baseUrl is required")
	}
	if cfg.Routing.TimeoutSeconds <= 0 {
		errs = append(errs, "routing.timeoutSeconds must be positive")
	}

	if cfg.Workflow.DispatchWorkers <= 0 {
		errs = append(errs, "workflow.dispatchWorkers must be positive")
	}
	if cfg.Workflow.QueueMaxSize <= 0 {
		errs = append(errs, "workflow.queueMaxSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
