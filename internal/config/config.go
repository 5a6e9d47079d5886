// Package config provides Viper-based configuration loading for the session server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPAddr is the bind address for the HTTP API and WebSocket streams.
	HTTPAddr string `mapstructure:"http_addr"`
	// GRPCHealthAddr is the bind address for the gRPC health service. Empty disables it.
	GRPCHealthAddr string `mapstructure:"grpc_health_addr"`
	// ShutdownTimeout bounds graceful shutdown, including the final room persistence pass.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// PersistenceConfig selects and tunes the room snapshot store.
type PersistenceConfig struct {
	// Driver is one of "memory", "postgres", "sqlite", "redis".
	Driver string `mapstructure:"driver"`
	// SaveTimeout bounds a single snapshot save or load.
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
	// RetryAttempts is the number of retries for a failed save before it is reported.
	RetryAttempts int `mapstructure:"retry_attempts"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// SQLiteConfig holds the sqlite snapshot store settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds the redis snapshot store settings.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// AuthConfig holds bearer-token verification settings for the identity resolver.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// NATSConfig controls the optional cross-node batch relay.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// SessionConfig holds room lifecycle and connection liveness settings.
type SessionConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectWindow      time.Duration `mapstructure:"reconnect_window"`
	DMGracePeriod        time.Duration `mapstructure:"dm_grace_period"`
	InactivityTimeout    time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	// RecoveryPolicy is one of "first_wins", "dm_decides", "rollback".
	RecoveryPolicy string `mapstructure:"recovery_policy"`
	// EncountersDir holds YAML encounter templates used to seed new rooms. Empty disables templates.
	EncountersDir string `mapstructure:"encounters_dir"`
}

// BroadcastConfig holds subscription and batching settings.
type BroadcastConfig struct {
	BatchDelay              time.Duration `mapstructure:"batch_delay"`
	MaxBatchSize            int           `mapstructure:"max_batch_size"`
	MaxQueueSize            int           `mapstructure:"max_queue_size"`
	PriorityThreshold       int           `mapstructure:"priority_threshold"`
	MaxSubscriptionsPerUser int           `mapstructure:"max_subscriptions_per_user"`
	SubscriptionTimeout     time.Duration `mapstructure:"subscription_timeout"`
	OutboxSize              int           `mapstructure:"outbox_size"`
}

// MemoryConfig holds the housekeeping policy settings.
type MemoryConfig struct {
	// Strategy is one of "conservative", "balanced", "aggressive".
	Strategy            string        `mapstructure:"strategy"`
	SampleInterval      time.Duration `mapstructure:"sample_interval"`
	WarningBytes        uint64        `mapstructure:"warning_bytes"`
	CriticalBytes       uint64        `mapstructure:"critical_bytes"`
	MaxHistorySize      int           `mapstructure:"max_history_size"`
	MaxChatSize         int           `mapstructure:"max_chat_size"`
	CompressAfterRounds int           `mapstructure:"compress_after_rounds"`
	LeakWindow          int           `mapstructure:"leak_window"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Database    DatabaseConfig    `mapstructure:"database"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Session     SessionConfig     `mapstructure:"session"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Memory      MemoryConfig      `mapstructure:"memory"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	err := multierr.Combine(
		validateServer(c.Server),
		validateLogging(c.Logging),
		validatePersistence(c),
		validateSession(c.Session),
		validateBroadcast(c.Broadcast),
		validateMemory(c.Memory),
	)
	if err != nil {
		msgs := make([]string, 0, len(multierr.Errors(err)))
		for _, e := range multierr.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var err error
	if s.HTTPAddr == "" {
		err = multierr.Append(err, errors.New("server.http_addr must not be empty"))
	}
	if s.ShutdownTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("server.shutdown_timeout must be > 0, got %s", s.ShutdownTimeout))
	}
	return err
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validatePersistence(c Config) error {
	var err error
	switch c.Persistence.Driver {
	case "memory":
	case "postgres":
		err = multierr.Append(err, validateDatabase(c.Database))
	case "sqlite":
		if c.SQLite.Path == "" {
			err = multierr.Append(err, errors.New("sqlite.path must not be empty"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("redis.addr must not be empty"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("persistence.driver must be one of [memory, postgres, sqlite, redis], got %q", c.Persistence.Driver))
	}
	if c.Persistence.SaveTimeout <= 0 {
		err = multierr.Append(err, errors.New("persistence.save_timeout must be > 0"))
	}
	if c.Persistence.RetryAttempts < 0 {
		err = multierr.Append(err, errors.New("persistence.retry_attempts must be >= 0"))
	}
	return err
}

func validateDatabase(d DatabaseConfig) error {
	var err error
	if d.Host == "" {
		err = multierr.Append(err, errors.New("database.host must not be empty"))
	}
	if d.Port < 1 || d.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		err = multierr.Append(err, errors.New("database.user must not be empty"))
	}
	if d.Name == "" {
		err = multierr.Append(err, errors.New("database.name must not be empty"))
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		err = multierr.Append(err, fmt.Errorf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		err = multierr.Append(err, fmt.Errorf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns > d.MaxConns {
		err = multierr.Append(err, errors.New("database.min_conns must not exceed database.max_conns"))
	}
	return err
}

func validateSession(s SessionConfig) error {
	var err error
	if s.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("session.heartbeat_interval must be > 0"))
	}
	if s.ConnectionTimeout < s.HeartbeatInterval {
		err = multierr.Append(err, errors.New("session.connection_timeout must be >= session.heartbeat_interval"))
	}
	if s.MaxReconnectAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("session.max_reconnect_attempts must be >= 1, got %d", s.MaxReconnectAttempts))
	}
	if s.DMGracePeriod <= 0 {
		err = multierr.Append(err, errors.New("session.dm_grace_period must be > 0"))
	}
	if s.InactivityTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.inactivity_timeout must be > 0"))
	}
	if s.SweepInterval <= 0 {
		err = multierr.Append(err, errors.New("session.sweep_interval must be > 0"))
	}
	validPolicies := map[string]bool{"first_wins": true, "dm_decides": true, "rollback": true}
	if !validPolicies[s.RecoveryPolicy] {
		err = multierr.Append(err, fmt.Errorf("session.recovery_policy must be one of [first_wins, dm_decides, rollback], got %q", s.RecoveryPolicy))
	}
	return err
}

func validateBroadcast(b BroadcastConfig) error {
	var err error
	if b.BatchDelay < 0 {
		err = multierr.Append(err, errors.New("broadcast.batch_delay must not be negative"))
	}
	if b.MaxBatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("broadcast.max_batch_size must be >= 1, got %d", b.MaxBatchSize))
	}
	if b.MaxQueueSize < b.MaxBatchSize {
		err = multierr.Append(err, errors.New("broadcast.max_queue_size must be >= broadcast.max_batch_size"))
	}
	if b.MaxSubscriptionsPerUser < 1 {
		err = multierr.Append(err, fmt.Errorf("broadcast.max_subscriptions_per_user must be >= 1, got %d", b.MaxSubscriptionsPerUser))
	}
	if b.OutboxSize < 1 {
		err = multierr.Append(err, fmt.Errorf("broadcast.outbox_size must be >= 1, got %d", b.OutboxSize))
	}
	return err
}

func validateMemory(m MemoryConfig) error {
	var err error
	validStrategies := map[string]bool{"conservative": true, "balanced": true, "aggressive": true}
	if !validStrategies[m.Strategy] {
		err = multierr.Append(err, fmt.Errorf("memory.strategy must be one of [conservative, balanced, aggressive], got %q", m.Strategy))
	}
	if m.SampleInterval <= 0 {
		err = multierr.Append(err, errors.New("memory.sample_interval must be > 0"))
	}
	if m.CriticalBytes < m.WarningBytes {
		err = multierr.Append(err, errors.New("memory.critical_bytes must be >= memory.warning_bytes"))
	}
	if m.MaxHistorySize < 1 {
		err = multierr.Append(err, fmt.Errorf("memory.max_history_size must be >= 1, got %d", m.MaxHistorySize))
	}
	if m.MaxChatSize < 1 {
		err = multierr.Append(err, fmt.Errorf("memory.max_chat_size must be >= 1, got %d", m.MaxChatSize))
	}
	if m.LeakWindow < 2 {
		err = multierr.Append(err, fmt.Errorf("memory.leak_window must be >= 2, got %d", m.LeakWindow))
	}
	return err
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with TABLESYNC_ prefix
	v.SetEnvPrefix("TABLESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; a decode failure here is a programming error.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config.Default: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", "0.0.0.0:8080")
	v.SetDefault("server.grpc_health_addr", "0.0.0.0:8081")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("persistence.driver", "memory")
	v.SetDefault("persistence.save_timeout", "5s")
	v.SetDefault("persistence.retry_attempts", 3)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tablesync")
	v.SetDefault("database.password", "tablesync")
	v.SetDefault("database.name", "tablesync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("sqlite.path", "tablesync.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tablesync:room:")
	v.SetDefault("redis.ttl", "168h")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.jwt_audience", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "tablesync.rooms")

	v.SetDefault("session.heartbeat_interval", "30s")
	v.SetDefault("session.connection_timeout", "90s")
	v.SetDefault("session.max_reconnect_attempts", 5)
	v.SetDefault("session.reconnect_window", "5m")
	v.SetDefault("session.dm_grace_period", "5m")
	v.SetDefault("session.inactivity_timeout", "30m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.recovery_policy", "first_wins")
	v.SetDefault("session.encounters_dir", "")

	v.SetDefault("broadcast.batch_delay", "50ms")
	v.SetDefault("broadcast.max_batch_size", 50)
	v.SetDefault("broadcast.max_queue_size", 1000)
	v.SetDefault("broadcast.priority_threshold", 8)
	v.SetDefault("broadcast.max_subscriptions_per_user", 10)
	v.SetDefault("broadcast.subscription_timeout", "1h")
	v.SetDefault("broadcast.outbox_size", 64)

	v.SetDefault("memory.strategy", "balanced")
	v.SetDefault("memory.sample_interval", "30s")
	v.SetDefault("memory.warning_bytes", 512<<20)
	v.SetDefault("memory.critical_bytes", 1<<30)
	v.SetDefault("memory.max_history_size", 200)
	v.SetDefault("memory.max_chat_size", 500)
	v.SetDefault("memory.compress_after_rounds", 3)
	v.SetDefault("memory.leak_window", 10)
}
