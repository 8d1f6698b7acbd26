package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "STATICPUBLISH"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultBatchSize is the number of items transferred per invocation.
	DefaultBatchSize = 100

	// DefaultConcurrency uploads items one at a time.
	DefaultConcurrency = 1

	// DefaultDestinationURLType is the default destination URL type.
	DefaultDestinationURLType = "relative"

	// DefaultRegion is the default S3 region.
	DefaultRegion = "us-east-1"

	// DefaultACL is the default canned ACL applied to uploaded objects.
	DefaultACL = "public-read"

	// DefaultDatabaseDriver is the default ledger database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default ledger database file.
	DefaultSQLitePath = "./staticpublish.db"

	// DefaultListen is the default API listen address.
	DefaultListen = ":9090"
)

// Destination URL types.
const (
	DestinationURLAbsolute = "absolute"
	DestinationURLRelative = "relative"
	DestinationURLOffline  = "offline"
)

// Config is the root configuration for staticpublish.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Publish  PublishConfig  `yaml:"publish" mapstructure:"publish"`
	S3       S3Config       `yaml:"s3" mapstructure:"s3"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// PublishConfig controls the batch transfer of the rendered archive.
type PublishConfig struct {
	ArchiveDir           string `yaml:"archive_dir" mapstructure:"archive_dir"`
	ArchiveStartTime     string `yaml:"archive_start_time,omitempty" mapstructure:"archive_start_time"`
	BatchSize            int    `yaml:"batch_size" mapstructure:"batch_size"`
	RetryFailedWithinRun bool   `yaml:"retry_failed_within_run" mapstructure:"retry_failed_within_run"`
	Concurrency          int    `yaml:"concurrency" mapstructure:"concurrency"`
	Interval             string `yaml:"interval,omitempty" mapstructure:"interval"`
	DestinationURLType   string `yaml:"destination_url_type" mapstructure:"destination_url_type"`
	DestinationURL       string `yaml:"destination_url,omitempty" mapstructure:"destination_url"`
}

// S3Config contains settings for the destination bucket.
type S3Config struct {
	Bucket            string  `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID       string  `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey   string  `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Region            string  `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL       string  `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	ForcePathStyle    bool    `yaml:"force_path_style" mapstructure:"force_path_style"`
	ACL               string  `yaml:"acl" mapstructure:"acl"`
	StorageClass      string  `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	Prefix            string  `yaml:"prefix,omitempty" mapstructure:"prefix"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
	MaxAttempts       int     `yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
}

// DatabaseConfig contains ledger database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// APIConfig contains settings for the read-only status API.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// defaults are registered with viper so that env vars can override keys
// that are absent from every config file.
var defaults = map[string]any{
	"global.log_level":                DefaultLogLevel,
	"publish.batch_size":              DefaultBatchSize,
	"publish.concurrency":             DefaultConcurrency,
	"publish.retry_failed_within_run": false,
	"publish.destination_url_type":    DefaultDestinationURLType,
	"s3.region":                       DefaultRegion,
	"s3.acl":                          DefaultACL,
	"s3.force_path_style":             false,
	"database.driver":                 DefaultDatabaseDriver,
	"database.sqlite.path":            DefaultSQLitePath,
	"database.postgres.port":          5432,
	"database.postgres.ssl_mode":      "disable",
	"api.listen":                      DefaultListen,
}

// envOnlyKeys have no default but may still be supplied from the environment.
var envOnlyKeys = []string{
	"publish.archive_dir",
	"publish.archive_start_time",
	"publish.interval",
	"publish.destination_url",
	"s3.bucket",
	"s3.access_key_id",
	"s3.secret_access_key",
	"s3.endpoint_url",
	"s3.storage_class",
	"s3.prefix",
	"s3.requests_per_second",
	"s3.max_attempts",
	"database.postgres.host",
	"database.postgres.user",
	"database.postgres.password",
	"database.postgres.database",
}

// Load reads and merges the configuration files in order. Later files
// override earlier ones and STATICPUBLISH_* environment variables override
// both.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	for i, path := range paths {
		f, err := os.Open(path) //nolint:gosec // path supplied by the operator
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(f)
		} else {
			err = v.MergeConfig(f)
		}

		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values that decoded as zero, e.g. an explicit
// "batch_size: 0" in a file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Publish.BatchSize <= 0 {
		c.Publish.BatchSize = DefaultBatchSize
	}

	if c.Publish.Concurrency <= 0 {
		c.Publish.Concurrency = DefaultConcurrency
	}

	if c.Publish.DestinationURLType == "" {
		c.Publish.DestinationURLType = DefaultDestinationURLType
	}

	if c.S3.Region == "" {
		c.S3.Region = DefaultRegion
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
}

// Validate checks the settings needed to publish.
func (c *Config) Validate() error {
	if c.Publish.ArchiveDir == "" {
		return fmt.Errorf("publish.archive_dir is required")
	}

	info, err := os.Stat(c.Publish.ArchiveDir)
	if err != nil {
		return fmt.Errorf("publish.archive_dir %q: %w", c.Publish.ArchiveDir, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("publish.archive_dir %q is not a directory", c.Publish.ArchiveDir)
	}

	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}

	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3.access_key_id and s3.secret_access_key must be set together")
	}

	if c.Publish.Interval != "" {
		if _, err := time.ParseDuration(c.Publish.Interval); err != nil {
			return fmt.Errorf("publish.interval: %w", err)
		}
	}

	switch c.Publish.DestinationURLType {
	case DestinationURLAbsolute:
		if c.Publish.DestinationURL == "" {
			return fmt.Errorf("publish.destination_url is required for absolute destination urls")
		}

		if _, err := url.ParseRequestURI(c.Publish.DestinationURL); err != nil {
			return fmt.Errorf("publish.destination_url: %w", err)
		}
	case DestinationURLRelative, DestinationURLOffline:
	default:
		return fmt.Errorf("unknown publish.destination_url_type %q", c.Publish.DestinationURLType)
	}

	return c.Database.Validate()
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if d.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", d.Driver)
	}

	return nil
}

// PublishInterval returns the pause between publish ticks.
func (c *Config) PublishInterval() time.Duration {
	d, err := time.ParseDuration(c.Publish.Interval)
	if err != nil {
		return 0
	}

	return d
}

// Options returns the publish settings as the flat key/value view used by
// the transfer task.
func (c *Config) Options() map[string]any {
	return map[string]any{
		"aws_s3_bucket":         c.S3.Bucket,
		"aws_access_key_id":     c.S3.AccessKeyID,
		"aws_secret_access_key": c.S3.SecretAccessKey,
		"archive_start_time":    c.Publish.ArchiveStartTime,
		"archive_dir":           c.Publish.ArchiveDir,
		"destination_url_type":  c.Publish.DestinationURLType,
		"destination_url":       c.Publish.DestinationURL,
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() Config {
	out := *c

	if out.S3.SecretAccessKey != "" {
		out.S3.SecretAccessKey = "********"
	}

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = "********"
	}

	out.API.CORSOrigins = append([]string(nil), c.API.CORSOrigins...)

	return out
}
