package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the data series engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration (health endpoints only)
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3444"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL). Serves registry access, migrations and reads.
	Database DatabaseConfig `yaml:"database"`

	// BulkDatabase is a separate pool for data point ingestion so bulk writes cannot starve
	// migrations and interactive reads.
	BulkDatabase BulkDatabaseConfig `yaml:"bulk_database"`

	// Redis is optional. When configured, spawned tasks wake idle workers immediately
	// instead of waiting for the next poll.
	Redis RedisConfig `yaml:"redis"`

	TaskQueue   TaskQueueConfig   `yaml:"task_queue"`
	Consumers   ConsumersConfig   `yaml:"consumers"`
	Permissions PermissionsConfig `yaml:"permissions"`

	// HealthCheckInterval controls how often stale tasks and unhealthy consumers are reported.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL" env-default:"5m"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"dataseries"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"dataseries"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// BulkDatabaseConfig configures the bulk-write pool. Credentials are shared with Database.
type BulkDatabaseConfig struct {
	// Host overrides Database.Host, e.g. to route ingestion to a dedicated pgbouncer.
	Host           string `yaml:"host" env:"BULK_PGHOST" env-default:""`
	MaxConnections int32  `yaml:"max_connections" env:"BULK_PGMAX_CONNECTIONS" env-default:"10"`
}

// RedisConfig holds Redis connection settings. An empty host disables Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// TaskQueueConfig configures the metamodel migration workers.
type TaskQueueConfig struct {
	Workers      int           `yaml:"workers" env:"TASK_QUEUE_WORKERS" env-default:"4"`
	PollInterval time.Duration `yaml:"poll_interval" env:"TASK_QUEUE_POLL_INTERVAL" env-default:"2s"`
	// Synchronous runs spawned tasks inline right after the spawning transaction commits.
	// Intended for tests.
	Synchronous bool `yaml:"synchronous" env:"TASK_QUEUE_SYNCHRONOUS" env-default:"false"`
	// StaleAfter is the age after which a pending task is reported as stuck.
	StaleAfter     time.Duration `yaml:"stale_after" env:"TASK_QUEUE_STALE_AFTER" env-default:"24h"`
	// InitialBackoff and MaxBackoff bound the retry delay after lock contention.
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"TASK_QUEUE_INITIAL_BACKOFF" env-default:"100ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"TASK_QUEUE_MAX_BACKOFF" env-default:"5s"`
	// FailureBackoff and MaxFailureBackoff bound how long a failed task waits before it is
	// claimable again.
	FailureBackoff    time.Duration `yaml:"failure_backoff" env:"TASK_QUEUE_FAILURE_BACKOFF" env-default:"2s"`
	MaxFailureBackoff time.Duration `yaml:"max_failure_backoff" env:"TASK_QUEUE_MAX_FAILURE_BACKOFF" env-default:"5m"`
}

// ConsumersConfig configures webhook event delivery.
type ConsumersConfig struct {
	DispatchInterval   time.Duration `yaml:"dispatch_interval" env:"CONSUMERS_DISPATCH_INTERVAL" env-default:"10s"`
	EventRetentionDays int           `yaml:"event_retention_days" env:"CONSUMERS_EVENT_RETENTION_DAYS" env-default:"30"`
	// MaxEventsPerRun caps the events one delivery task handles. 0 means no cap.
	MaxEventsPerRun int `yaml:"max_events_per_run" env:"CONSUMERS_MAX_EVENTS_PER_RUN" env-default:"100"`
	// ProxyURL routes webhook deliveries through an egress proxy. Empty sends directly.
	ProxyURL string `yaml:"proxy_url" env:"CONSUMERS_PROXY_URL" env-default:""`
}

// PermissionsConfig configures analytics role management.
type PermissionsConfig struct {
	// SystemRolesStr is a comma-separated list of roles that may never be granted to or revoked.
	SystemRolesStr string `yaml:"system_roles" env:"SYSTEM_POSTGRES_ROLES" env-default:"postgres"`

	// SystemRoles is the parsed list, always including Database.User (not from config file).
	SystemRoles []string `yaml:"-"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	// Load config from YAML file with environment variable overrides
	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Permissions.SystemRoles = parseRoles(c.Permissions.SystemRolesStr, c.Database.User)

	// Local Postgres and Redis are reached through the host gateway from inside a container.
	c.Database.Host = ResolveHostForDocker(c.Database.Host)
	if c.BulkDatabase.Host != "" {
		c.BulkDatabase.Host = ResolveHostForDocker(c.BulkDatabase.Host)
	}
	if c.Redis.Host != "" {
		c.Redis.Host = ResolveHostForDocker(c.Redis.Host)
	}
	return nil
}

func (c *Config) validate() error {
	if c.TaskQueue.Workers < 1 {
		return fmt.Errorf("task_queue.workers must be at least 1, got %d", c.TaskQueue.Workers)
	}
	if c.TaskQueue.PollInterval <= 0 {
		return fmt.Errorf("task_queue.poll_interval must be positive")
	}
	if c.TaskQueue.FailureBackoff <= 0 || c.TaskQueue.MaxFailureBackoff < c.TaskQueue.FailureBackoff {
		return fmt.Errorf("task_queue.max_failure_backoff must be at least task_queue.failure_backoff")
	}
	if c.Consumers.EventRetentionDays < 1 {
		return fmt.Errorf("consumers.event_retention_days must be at least 1, got %d", c.Consumers.EventRetentionDays)
	}
	return nil
}

// parseRoles splits a comma-separated role list and appends the engine's own user.
func parseRoles(value, ownUser string) []string {
	seen := make(map[string]bool)
	var roles []string
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" || seen[role] {
			return
		}
		seen[role] = true
		roles = append(roles, role)
	}

	for _, role := range strings.Split(value, ",") {
		add(role)
	}
	add(ownUser)
	return roles
}

// IsSystemRole reports whether role is reserved for the database itself.
func (c *PermissionsConfig) IsSystemRole(role string) bool {
	for _, r := range c.SystemRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// BulkConnectionString returns the connection string of the bulk-write pool.
func (c *Config) BulkConnectionString() string {
	db := c.Database
	if c.BulkDatabase.Host != "" {
		db.Host = c.BulkDatabase.Host
	}
	return db.ConnectionString()
}
