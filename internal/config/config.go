// Package config provides configuration for the portcullis service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Security SecurityConfig `mapstructure:"security"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig holds the mutually authenticated listener settings. ClientCAFile
// is the CA that signs controller certificates; handshakes are rejected when
// the transport carries no client certificate.
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
}

// Enabled reports whether the server should listen with TLS.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the pgx connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// NATSConfig holds live notification bus settings.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// RedisConfig holds device API rate limiting settings.
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// AuthConfig holds admin API token validation settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SecurityConfig holds key-derivation settings.
type SecurityConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

// MonitorConfig holds liveness monitor settings.
type MonitorConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

// AnomalyConfig holds detection thresholds.
type AnomalyConfig struct {
	SpamThreshold    int           `mapstructure:"spam_threshold"`
	SpamMinFailures  int           `mapstructure:"spam_min_failures"`
	SpamWindow       time.Duration `mapstructure:"spam_window"`
	CloningWindow    time.Duration `mapstructure:"cloning_window"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureLookback  int           `mapstructure:"failure_lookback"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	PurgeInterval    time.Duration `mapstructure:"purge_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and PORTCULLIS_* environment
// variables, applying defaults for everything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "portcullis")
	v.SetDefault("database.postgres.password", "portcullis")
	v.SetDefault("database.postgres.database", "portcullis")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.limit", 30)
	v.SetDefault("redis.window", "10s")

	v.SetDefault("monitor.sweep_interval", "60s")
	v.SetDefault("monitor.offline_threshold", "2m")

	v.SetDefault("anomaly.spam_threshold", 5)
	v.SetDefault("anomaly.spam_min_failures", 3)
	v.SetDefault("anomaly.spam_window", "60s")
	v.SetDefault("anomaly.cloning_window", "15s")
	v.SetDefault("anomaly.failure_threshold", 3)
	v.SetDefault("anomaly.failure_lookback", 10)
	v.SetDefault("anomaly.cache_ttl", "5m")
	v.SetDefault("anomaly.purge_interval", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("PORTCULLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
