package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
publish:
  archive_dir: /srv/archive
  batch_size: 50
  retry_failed_within_run: false
s3:
  bucket: original-bucket
  acl: private
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/srv/archive", cfg.Publish.ArchiveDir)
				assert.Equal(t, 50, cfg.Publish.BatchSize)
				assert.Equal(t, "original-bucket", cfg.S3.Bucket)
				assert.Equal(t, "private", cfg.S3.ACL)
			},
		},
		{
			name: "string override - bucket",
			envVars: map[string]string{
				"STATICPUBLISH_S3_BUCKET": "env-bucket",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "env-bucket", cfg.S3.Bucket)
			},
		},
		{
			name: "integer override - batch_size",
			envVars: map[string]string{
				"STATICPUBLISH_PUBLISH_BATCH_SIZE": "250",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250, cfg.Publish.BatchSize)
			},
		},
		{
			name: "boolean override - retry_failed_within_run",
			envVars: map[string]string{
				"STATICPUBLISH_PUBLISH_RETRY_FAILED_WITHIN_RUN": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Publish.RetryFailedWithinRun)
			},
		},
		{
			name: "key absent from file - secret_access_key",
			envVars: map[string]string{
				"STATICPUBLISH_S3_SECRET_ACCESS_KEY": "shh",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "shh", cfg.S3.SecretAccessKey)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
publish:
  archive_dir: /srv/archive
s3:
  bucket: site
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultBatchSize, cfg.Publish.BatchSize)
	assert.Equal(t, DefaultConcurrency, cfg.Publish.Concurrency)
	assert.False(t, cfg.Publish.RetryFailedWithinRun)
	assert.Equal(t, DefaultDestinationURLType, cfg.Publish.DestinationURLType)
	assert.Equal(t, DefaultRegion, cfg.S3.Region)
	assert.Equal(t, DefaultACL, cfg.S3.ACL)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultListen, cfg.API.Listen)
}

func TestLoad_ZeroBatchSizeFallsBackToDefault(t *testing.T) {
	configPath := writeConfig(t, `
publish:
  batch_size: 0
  concurrency: -3
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultBatchSize, cfg.Publish.BatchSize)
	assert.Equal(t, DefaultConcurrency, cfg.Publish.Concurrency)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
publish:
  archive_dir: /srv/archive
  batch_size: 10
s3:
  bucket: base-bucket
`)
	override := writeConfig(t, `
s3:
  bucket: override-bucket
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "override-bucket", cfg.S3.Bucket)
	assert.Equal(t, 10, cfg.Publish.BatchSize)
	assert.Equal(t, "/srv/archive", cfg.Publish.ArchiveDir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	archiveDir := t.TempDir()
	notADir := filepath.Join(archiveDir, "index.html")
	require.NoError(t, os.WriteFile(notADir, []byte("<html></html>"), 0o644))

	valid := func() Config {
		return Config{
			Publish: PublishConfig{
				ArchiveDir:         archiveDir,
				BatchSize:          DefaultBatchSize,
				DestinationURLType: DestinationURLRelative,
			},
			S3: S3Config{Bucket: "site"},
			Database: DatabaseConfig{
				Driver: "sqlite",
				SQLite: SQLiteDatabaseConfig{Path: "ledger.db"},
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:      "missing archive dir",
			mutate:    func(c *Config) { c.Publish.ArchiveDir = "" },
			errSubstr: "publish.archive_dir is required",
		},
		{
			name:      "archive dir does not exist",
			mutate:    func(c *Config) { c.Publish.ArchiveDir = "/nonexistent/archive" },
			errSubstr: "no such file",
		},
		{
			name:      "archive dir is a file",
			mutate:    func(c *Config) { c.Publish.ArchiveDir = notADir },
			errSubstr: "is not a directory",
		},
		{
			name:      "missing bucket",
			mutate:    func(c *Config) { c.S3.Bucket = "" },
			errSubstr: "s3.bucket is required",
		},
		{
			name:      "access key without secret",
			mutate:    func(c *Config) { c.S3.AccessKeyID = "AKIA" },
			errSubstr: "must be set together",
		},
		{
			name:      "bad interval",
			mutate:    func(c *Config) { c.Publish.Interval = "soon" },
			errSubstr: "publish.interval",
		},
		{
			name: "absolute without url",
			mutate: func(c *Config) {
				c.Publish.DestinationURLType = DestinationURLAbsolute
			},
			errSubstr: "publish.destination_url is required",
		},
		{
			name: "absolute with url",
			mutate: func(c *Config) {
				c.Publish.DestinationURLType = DestinationURLAbsolute
				c.Publish.DestinationURL = "https://example.com"
			},
		},
		{
			name:      "unknown url type",
			mutate:    func(c *Config) { c.Publish.DestinationURLType = "sideways" },
			errSubstr: "unknown publish.destination_url_type",
		},
		{
			name:      "unsupported driver",
			mutate:    func(c *Config) { c.Database.Driver = "mysql" },
			errSubstr: "unsupported database driver",
		},
		{
			name: "postgres missing host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Postgres.Database = "ledger"
			},
			errSubstr: "database.postgres.host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := Config{
		Publish: PublishConfig{
			ArchiveDir:         "/srv/archive",
			ArchiveStartTime:   "2024-05-01 10:00:00",
			DestinationURLType: DestinationURLAbsolute,
			DestinationURL:     "https://example.com",
		},
		S3: S3Config{
			Bucket:          "site",
			AccessKeyID:     "AKIA",
			SecretAccessKey: "secret",
		},
	}

	opts := cfg.Options()

	assert.Equal(t, "site", opts["aws_s3_bucket"])
	assert.Equal(t, "AKIA", opts["aws_access_key_id"])
	assert.Equal(t, "secret", opts["aws_secret_access_key"])
	assert.Equal(t, "2024-05-01 10:00:00", opts["archive_start_time"])
	assert.Equal(t, "/srv/archive", opts["archive_dir"])
	assert.Equal(t, "absolute", opts["destination_url_type"])
	assert.Equal(t, "https://example.com", opts["destination_url"])
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Config{
		S3:       S3Config{AccessKeyID: "AKIA", SecretAccessKey: "secret"},
		Database: DatabaseConfig{Postgres: PostgresConfig{Password: "pw"}},
	}

	out := cfg.Redacted()

	assert.Equal(t, "AKIA", out.S3.AccessKeyID)
	assert.Equal(t, "********", out.S3.SecretAccessKey)
	assert.Equal(t, "********", out.Database.Postgres.Password)
	assert.Equal(t, "secret", cfg.S3.SecretAccessKey, "original must not change")
}

func TestConfig_PublishInterval(t *testing.T) {
	assert.Equal(t, int64(0), int64((&Config{}).PublishInterval()))

	cfg := &Config{Publish: PublishConfig{Interval: "2s"}}
	assert.Equal(t, "2s", cfg.PublishInterval().String())
}
