// Package config provides configuration management for the issue execution engine.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
}

// ServerConfig holds HTTP/SSE server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	ServiceName  string `mapstructure:"serviceName"`
}

// DatabaseConfig holds the embedded store's connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// NATSURL selects the NATS-backed bus when non-empty; otherwise the
	// in-process memory bus is used.
	NATSURL       string `mapstructure:"natsUrl"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// HeartbeatInterval controls the SSE/WebSocket keep-alive cadence.
	HeartbeatInterval int `mapstructure:"heartbeatIntervalSeconds"`
}

// DockerConfig holds Docker client configuration for the container spawn strategy.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// AuthConfig holds authentication configuration for the external HTTP surface.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	OutputPath   string `mapstructure:"outputPath"`
	LogExecutorIO bool  `mapstructure:"logExecutorIO"`
}

// WorktreeConfig holds Git worktree configuration for issues that opt into isolated checkouts.
type WorktreeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BasePath string `mapstructure:"basePath"`
}

// AgentConfig holds execution-wide agent supervision settings.
type AgentConfig struct {
	// MaxConcurrentExecutions bounds the number of simultaneously running
	// subprocesses across all issues; 0 means unbounded.
	MaxConcurrentExecutions int `mapstructure:"maxConcurrentExecutions"`

	// EnvAllowlist names the host environment variables propagated into
	// spawned agent subprocesses (in addition to a minimal fixed set);
	// everything else is stripped to prevent secret leakage.
	EnvAllowlist []string `mapstructure:"envAllowlist"`

	// RPCRequestTimeout bounds a single JSON-RPC request/response round trip.
	RPCRequestTimeoutSeconds int `mapstructure:"rpcRequestTimeoutSeconds"`
	// ProbeTimeoutSeconds bounds a single engine availability/models probe.
	ProbeTimeoutSeconds int `mapstructure:"probeTimeoutSeconds"`
	// KillTimeoutSeconds bounds the grace period between soft and hard cancel.
	KillTimeoutSeconds int `mapstructure:"killTimeoutSeconds"`
	// LockAcquireTimeoutSeconds bounds how long a caller waits for the per-issue lock.
	LockAcquireTimeoutSeconds int `mapstructure:"lockAcquireTimeoutSeconds"`
	// LockExecutionTimeoutSeconds bounds how long an operation may hold the per-issue lock.
	LockExecutionTimeoutSeconds int `mapstructure:"lockExecutionTimeoutSeconds"`
	// MaxQueueDepth bounds the per-issue lock's waiting queue.
	MaxQueueDepth int `mapstructure:"maxQueueDepth"`
	// AutoCleanupDelaySeconds bounds how long a terminal ManagedProcess lingers before GC.
	AutoCleanupDelaySeconds int `mapstructure:"autoCleanupDelaySeconds"`
	// GCIntervalSeconds is the cadence of the Process Manager's background sweep.
	GCIntervalSeconds int `mapstructure:"gcIntervalSeconds"`
	// ReconcileIntervalSeconds is the cadence of the periodic Reconciler sweep.
	ReconcileIntervalSeconds int `mapstructure:"reconcileIntervalSeconds"`
	// MaxAutoRetries bounds the Lifecycle Controller's in-memory auto-retry count.
	MaxAutoRetries int `mapstructure:"maxAutoRetries"`
	// RingBufferCapacity bounds the in-memory log ring buffer per execution.
	RingBufferCapacity int `mapstructure:"ringBufferCapacity"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

func (a *AgentConfig) RPCRequestTimeout() time.Duration {
	return time.Duration(a.RPCRequestTimeoutSeconds) * time.Second
}

func (a *AgentConfig) ProbeTimeout() time.Duration {
	return time.Duration(a.ProbeTimeoutSeconds) * time.Second
}

func (a *AgentConfig) KillTimeout() time.Duration {
	return time.Duration(a.KillTimeoutSeconds) * time.Second
}

func (a *AgentConfig) LockAcquireTimeout() time.Duration {
	return time.Duration(a.LockAcquireTimeoutSeconds) * time.Second
}

func (a *AgentConfig) LockExecutionTimeout() time.Duration {
	return time.Duration(a.LockExecutionTimeoutSeconds) * time.Second
}

func (a *AgentConfig) AutoCleanupDelay() time.Duration {
	return time.Duration(a.AutoCleanupDelaySeconds) * time.Second
}

func (a *AgentConfig) GCInterval() time.Duration {
	return time.Duration(a.GCIntervalSeconds) * time.Second
}

func (a *AgentConfig) ReconcileInterval() time.Duration {
	return time.Duration(a.ReconcileIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ISSUEFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.serviceName", "issueforge")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./issueforge.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "issueforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "issueforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clusterId", "issueforge-cluster")
	v.SetDefault("events.clientId", "issueforge-client")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("events.heartbeatIntervalSeconds", 15)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")

	v.SetDefault("agent.maxConcurrentExecutions", 0)
	v.SetDefault("agent.envAllowlist", []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENAI_BASE_URL",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "AZURE_OPENAI_API_KEY",
		"PATH", "HOME", "LANG", "LC_ALL", "TERM",
	})
	v.SetDefault("agent.rpcRequestTimeoutSeconds", 30)
	v.SetDefault("agent.probeTimeoutSeconds", 15)
	v.SetDefault("agent.killTimeoutSeconds", 5)
	v.SetDefault("agent.lockAcquireTimeoutSeconds", 30)
	v.SetDefault("agent.lockExecutionTimeoutSeconds", 120)
	v.SetDefault("agent.maxQueueDepth", 10)
	v.SetDefault("agent.autoCleanupDelaySeconds", 300)
	v.SetDefault("agent.gcIntervalSeconds", 600)
	v.SetDefault("agent.reconcileIntervalSeconds", 60)
	v.SetDefault("agent.maxAutoRetries", 1)
	v.SetDefault("agent.ringBufferCapacity", 10000)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.logExecutorIO", false)

	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.basePath", "~/.issueforge/worktrees")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ISSUEFORGE_ with snake_case naming, plus
// a set of bare, spec-mandated names bound explicitly below.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ISSUEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Spec-mandated bare environment variable names (§6), bound explicitly
	// because they don't follow the ISSUEFORGE_ prefix convention.
	_ = v.BindEnv("database.path", "DB_PATH")
	_ = v.BindEnv("server.host", "API_HOST")
	_ = v.BindEnv("server.port", "API_PORT")
	_ = v.BindEnv("agent.maxConcurrentExecutions", "MAX_CONCURRENT_EXECUTIONS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.logExecutorIO", "LOG_EXECUTOR_IO")
	_ = v.BindEnv("server.serviceName", "SERVICE_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/issueforge/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Agent.MaxQueueDepth <= 0 {
		errs = append(errs, "agent.maxQueueDepth must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}

// DumpYAML renders the effective, fully-resolved configuration back into the
// same format Load reads it from, redacting secrets, so operators can diff
// "what's actually running" against config.yaml without guessing at
// environment-variable overrides.
func (c *Config) DumpYAML() ([]byte, error) {
	redacted := *c
	redacted.Auth.JWTSecret = "***"
	redacted.Database.Password = "***"
	return yaml.Marshal(&redacted)
}
