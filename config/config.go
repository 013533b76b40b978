package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Sandbox      SandboxConfig       `mapstructure:"sandbox"`
	Languages    map[string]Language `mapstructure:"languages"`
	Pool         PoolConfig          `mapstructure:"pool"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig     `mapstructure:"ratelimit"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Database     DatabaseConfig      `mapstructure:"database"`
	ObjectStore  ObjectStoreConfig   `mapstructure:"objectstore"`
	Stream       StreamConfig        `mapstructure:"stream"`
	Flags        map[string]bool     `mapstructure:"flags"`
}

// ServerConfig holds the HTTP API and MCP transport configuration
type ServerConfig struct {
	HTTPAddr     string `mapstructure:"http_addr"`
	MCPTransport string `mapstructure:"mcp_transport"` // "off", "stdio" or "http"
	MCPHTTPPort  int    `mapstructure:"mcp_http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox instance configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	Image              string `mapstructure:"image"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	NetworkEnabled     bool   `mapstructure:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	WorkdirRoot        string `mapstructure:"workdir_root"`
	MaxOutputSizeKB    int    `mapstructure:"max_output_size_kb"`
	MaxArtifactSizeMB  int    `mapstructure:"max_artifact_size_mb"`
}

// Language holds per-language run configuration inside a sandbox instance
type Language struct {
	BuildCmd        string            `mapstructure:"build_cmd"`
	RunCmd          string            `mapstructure:"run_cmd"`
	Environment     map[string]string `mapstructure:"environment"`
	ExcludePatterns []string          `mapstructure:"exclude_patterns"`
}

// PoolConfig holds warm-pool sizing and lifecycle configuration
type PoolConfig struct {
	MaxSize             int `mapstructure:"max_size"`
	MaxUses             int `mapstructure:"max_uses"`
	ProvisionTimeoutSec int `mapstructure:"provision_timeout_sec"`
	ResetTimeoutSec     int `mapstructure:"reset_timeout_sec"`
}

// OrchestratorConfig holds execution scheduling configuration
type OrchestratorConfig struct {
	Workers          int `mapstructure:"workers"`
	QueueDepth       int `mapstructure:"queue_depth"`
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	MaxTimeoutMs     int `mapstructure:"max_timeout_ms"`
	MaxRetries       int `mapstructure:"max_retries"`
	CancelGraceSec   int `mapstructure:"cancel_grace_sec"`
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	Store       string `mapstructure:"store"` // "memory" or "redis"
	PresetsFile string `mapstructure:"presets_file"`
	TrustProxy  bool   `mapstructure:"trust_proxy"`
}

// RedisConfig holds the redis connection shared by the cache probe, the
// redis rate-limit store and the event stream. An empty addr means redis
// is not configured.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds the primary database configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// ObjectStoreConfig holds the S3-compatible log archive configuration.
// An empty bucket means the object store is not configured.
type ObjectStoreConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// StreamConfig holds the lifecycle event stream configuration. The stream
// rides on the redis connection and is active only when redis is configured.
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	Group   string `mapstructure:"group"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("RUNBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.http_addr", ":8080")
	viper.SetDefault("server.mcp_transport", "off")
	viper.SetDefault("server.mcp_http_port", 8081)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.image", "ghcr.io/isdmx/runbox-runtime:latest")
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.network_enabled", false)
	viper.SetDefault("sandbox.enable_local_backend", false)
	viper.SetDefault("sandbox.workdir_root", "")
	viper.SetDefault("sandbox.max_output_size_kb", 256)
	viper.SetDefault("sandbox.max_artifact_size_mb", 20)

	viper.SetDefault("languages.python.run_cmd", "python main.py")
	viper.SetDefault("languages.python.exclude_patterns", []string{"__pycache__", "*.pyc"})
	viper.SetDefault("languages.nodejs.run_cmd", "node index.js")
	viper.SetDefault("languages.nodejs.exclude_patterns", []string{"node_modules"})
	viper.SetDefault("languages.go.build_cmd", "go build -o app main.go")
	viper.SetDefault("languages.go.run_cmd", "./app")
	viper.SetDefault("languages.go.exclude_patterns", []string{"app"})
	viper.SetDefault("languages.cpp.build_cmd", "g++ -std=c++17 -O2 -o app main.cpp")
	viper.SetDefault("languages.cpp.run_cmd", "./app")
	viper.SetDefault("languages.cpp.exclude_patterns", []string{"app"})

	viper.SetDefault("pool.max_size", 4)
	viper.SetDefault("pool.max_uses", 50)
	viper.SetDefault("pool.provision_timeout_sec", 60)
	viper.SetDefault("pool.reset_timeout_sec", 10)

	viper.SetDefault("orchestrator.workers", 4)
	viper.SetDefault("orchestrator.queue_depth", 256)
	viper.SetDefault("orchestrator.default_timeout_ms", 30000)
	viper.SetDefault("orchestrator.max_timeout_ms", 300000)
	viper.SetDefault("orchestrator.max_retries", 3)
	viper.SetDefault("orchestrator.cancel_grace_sec", 5)

	viper.SetDefault("ratelimit.store", "memory")
	viper.SetDefault("ratelimit.presets_file", "")
	viper.SetDefault("ratelimit.trust_proxy", false)

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/runbox.db")

	viper.SetDefault("objectstore.bucket", "")
	viper.SetDefault("objectstore.region", "us-east-1")
	viper.SetDefault("objectstore.endpoint", "")
	viper.SetDefault("objectstore.prefix", "executions/")

	viper.SetDefault("stream.enabled", true)
	viper.SetDefault("stream.prefix", "runbox")
	viper.SetDefault("stream.group", "marketplace")
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	switch c.Server.MCPTransport {
	case "off", "stdio", "http":
	default:
		return fmt.Errorf("invalid server.mcp_transport: %s, must be 'off', 'stdio' or 'http'", c.Server.MCPTransport)
	}

	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr must not be empty")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputSizeKB <= 0 {
		return fmt.Errorf("sandbox.max_output_size_kb must be positive, got: %d", c.Sandbox.MaxOutputSizeKB)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got: %d", c.Pool.MaxSize)
	}
	if c.Pool.MaxUses <= 0 {
		return fmt.Errorf("pool.max_uses must be positive, got: %d", c.Pool.MaxUses)
	}

	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got: %d", c.Orchestrator.Workers)
	}
	if c.Orchestrator.QueueDepth <= 0 {
		return fmt.Errorf("orchestrator.queue_depth must be positive, got: %d", c.Orchestrator.QueueDepth)
	}
	if c.Orchestrator.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("orchestrator.default_timeout_ms must be positive, got: %d", c.Orchestrator.DefaultTimeoutMs)
	}
	if c.Orchestrator.MaxTimeoutMs < c.Orchestrator.DefaultTimeoutMs {
		return fmt.Errorf("orchestrator.max_timeout_ms must be >= default_timeout_ms")
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must not be negative, got: %d", c.Orchestrator.MaxRetries)
	}

	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "redis" {
		return fmt.Errorf("invalid ratelimit.store: %s, must be 'memory' or 'redis'", c.RateLimit.Store)
	}
	if c.RateLimit.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("ratelimit.store is 'redis' but redis.addr is not configured")
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database.driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}

	return nil
}

// DefaultTimeout returns the per-attempt execution budget as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Orchestrator.DefaultTimeoutMs) * time.Millisecond
}

// MaxTimeout returns the largest per-attempt budget a caller may request
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Orchestrator.MaxTimeoutMs) * time.Millisecond
}

// ProvisionTimeout returns the budget for provisioning one warm instance
func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.Pool.ProvisionTimeoutSec) * time.Second
}

// ResetTimeout returns the budget for resetting an instance between uses
func (c *Config) ResetTimeout() time.Duration {
	return time.Duration(c.Pool.ResetTimeoutSec) * time.Second
}

// CancelGrace returns how long a cancelled run may keep its instance before
// the instance is discarded instead of recycled
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Orchestrator.CancelGraceSec) * time.Second
}

// RedisConfigured reports whether a redis connection is configured
func (c *Config) RedisConfigured() bool {
	return c.Redis.Addr != ""
}

// ObjectStoreConfigured reports whether the S3 log archive is configured
func (c *Config) ObjectStoreConfigured() bool {
	return c.ObjectStore.Bucket != ""
}

// StreamConfigured reports whether the lifecycle event stream is active
func (c *Config) StreamConfigured() bool {
	return c.Stream.Enabled && c.RedisConfigured()
}
