// Package config provides configuration management for the metadata explorer.
//
// Configuration is loaded from:
// 1. config.yaml file (optional, or an explicit path given to LoadFile)
// 2. Environment variables (DATABASE_URL, REFRESH_CONCURRENCY, ...)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EpochLayout is the date layout of stats.epoch.
const EpochLayout = "2006-01-02"

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	River        RiverConfig        `mapstructure:"river"`
	Refresh      RefreshConfig      `mapstructure:"refresh"`
	Stats        StatsConfig        `mapstructure:"stats"`
	Notification NotificationConfig `mapstructure:"notification"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig contains the operational HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pgx pool is shared by the repository, River and migrations.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns" validate:"min=1"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers" validate:"min=1"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// RefreshConfig controls the periodic metadata refresh batch.
type RefreshConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"min=1m"`
	RunOnStart       bool          `mapstructure:"run_on_start"`
	// BatchTimeout bounds one batch; zero disables the deadline.
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	// Concurrency is the number of federations refreshed in parallel.
	Concurrency      int           `mapstructure:"concurrency" validate:"min=1"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" validate:"min=1s"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	RateLimit        float64       `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst        int           `mapstructure:"rate_burst" validate:"min=1"`
	MaxDocumentBytes int64         `mapstructure:"max_document_bytes" validate:"min=1024"`
	UserAgent        string        `mapstructure:"user_agent" validate:"required"`
}

// StatsConfig controls the statistics backfill.
type StatsConfig struct {
	// Epoch is the first day computed for a federation without statistics.
	Epoch    string          `mapstructure:"epoch" validate:"required,datetime=2006-01-02"`
	Features []FeatureConfig `mapstructure:"features" validate:"dive"`
}

// FeatureConfig declares one statistic. Order is preserved.
type FeatureConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Lookback bool   `mapstructure:"lookback"`
}

// EpochTime returns Epoch as UTC midnight.
func (c StatsConfig) EpochTime() time.Time {
	t, err := time.ParseInLocation(EpochLayout, c.Epoch, time.UTC)
	if err != nil {
		return time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// NotificationConfig configures the failure notification channels.
type NotificationConfig struct {
	SubjectPrefix string      `mapstructure:"subject_prefix"`
	Email         EmailConfig `mapstructure:"email"`
	Slack         SlackConfig `mapstructure:"slack"`
	Inbox         InboxConfig `mapstructure:"inbox"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from" validate:"omitempty,email"`
	To       []string `mapstructure:"to" validate:"required_if=Enabled true,dive,email"`
	// Timeout bounds the whole SMTP exchange.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SlackConfig configures the incoming webhook.
type SlackConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// InboxConfig configures the database inbox.
type InboxConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Retention is how long read notifications are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required"`
}

var validate = validator.New()

// Load reads configuration from the default search path and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path (when non-empty) and the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/met")
	}

	// database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Stats.Features))
	for _, f := range c.Stats.Features {
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("stats.features: duplicate feature %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// DefaultFeatures is the built-in statistics set.
func DefaultFeatures() []FeatureConfig {
	names := []string{
		"sp", "idp", "aa",
		"sp_saml1", "sp_saml2", "sp_shib1",
		"idp_saml1", "idp_saml2", "idp_shib1",
	}
	out := make([]FeatureConfig, 0, len(names))
	for _, n := range names {
		out = append(out, FeatureConfig{Name: n, Lookback: true})
	}
	return out
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})

	// Database
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "met")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "met")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", true)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 2)
	v.SetDefault("river.completed_job_retention_period", "72h")

	// Refresh
	v.SetDefault("refresh.interval", "24h")
	v.SetDefault("refresh.run_on_start", false)
	v.SetDefault("refresh.batch_timeout", "6h")
	v.SetDefault("refresh.concurrency", 1)
	v.SetDefault("refresh.fetch_timeout", "2m")
	v.SetDefault("refresh.max_retries", 2)
	v.SetDefault("refresh.retry_backoff", "2s")
	v.SetDefault("refresh.rate_limit", 2.0)
	v.SetDefault("refresh.rate_burst", 1)
	v.SetDefault("refresh.max_document_bytes", 512<<20)
	v.SetDefault("refresh.user_agent", "met-refresh/1.0")

	// Stats
	v.SetDefault("stats.epoch", "2010-01-01")
	features := make([]map[string]interface{}, 0)
	for _, f := range DefaultFeatures() {
		features = append(features, map[string]interface{}{"name": f.Name, "lookback": f.Lookback})
	}
	v.SetDefault("stats.features", features)

	// Notification
	v.SetDefault("notification.subject_prefix", "[MET]")
	v.SetDefault("notification.email.enabled", false)
	v.SetDefault("notification.email.host", "")
	v.SetDefault("notification.email.port", 25)
	v.SetDefault("notification.email.username", "")
	v.SetDefault("notification.email.password", "")
	v.SetDefault("notification.email.from", "")
	v.SetDefault("notification.email.to", []string{})
	v.SetDefault("notification.email.timeout", "30s")
	v.SetDefault("notification.slack.webhook_url", "")
	v.SetDefault("notification.slack.timeout", "10s")
	v.SetDefault("notification.inbox.enabled", true)
	v.SetDefault("notification.inbox.retention", "2160h")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "met")
}
