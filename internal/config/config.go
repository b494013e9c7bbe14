// Package config loads docworker's configuration from flags, a YAML file
// and the environment, layered the way viper/cobra CLIs in this codebase
// always do: flags win, then the environment, then the config file, then
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for a docworker process.
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`    // httpapi health/metrics address
	DataDir  string `mapstructure:"data_dir"`  // parent of docsRoot and local state
	LogLevel string `mapstructure:"log_level"` // logrus level name

	// Storage manager configuration (spec.md §6's configuration options)
	SecondsBeforePush       int  `mapstructure:"seconds_before_push"`
	SecondsBeforeFirstRetry int  `mapstructure:"seconds_before_first_retry"`
	PushDocUpdateTimes      bool `mapstructure:"push_doc_update_times"`
	DisableS3               bool `mapstructure:"disable_s3"`

	// Object store configuration
	S3 S3Config `mapstructure:"s3"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Workspace database the metadata push queue flushes into. DSN empty
	// disables flushing (updates stay durably queued but unsent), for
	// deployments that don't run docworker against a live workspace DB.
	WorkspaceDB WorkspaceDBConfig `mapstructure:"workspace_db"`
}

// WorkspaceDBConfig names the database/sql driver and DSN for the
// workspace database metaqueue.SQLSink writes doc update times to.
type WorkspaceDBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// S3Config names the bucket and endpoint backing the checksummed store.
// Endpoint/AccessKeyID/SecretAccessKey mirror the teacher's
// NewS3RemoteClient options, for pointing at an S3-compatible remote
// instead of AWS proper.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// MetricsConfig holds the metrics settings read from configuration.
// Nothing in docworker reads them: httpapi always serves /metrics.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, the environment, and an optional
// config file, in that order of precedence, over built-in defaults.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DOCWORKER")
	v.AutomaticEnv()

	// spec.md names these two env vars directly (not DOCWORKER_-prefixed):
	// they are this core's own contract, not ambient CLI plumbing.
	if err := v.BindEnv("seconds_before_push", "GRIST_BACKUP_DELAY_SECS"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("disable_s3", "GRIST_DISABLE_S3"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")

	// seconds_before_push default matches GRIST_BACKUP_DELAY_SECS's own
	// documented default (spec.md §6).
	v.SetDefault("seconds_before_push", 15)
	v.SetDefault("seconds_before_first_retry", 5)
	v.SetDefault("push_doc_update_times", true)
	v.SetDefault("disable_s3", false)

	v.SetDefault("s3.prefix", "docs/")
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("workspace_db.driver", "sqlite")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or DOCWORKER_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		absDir, err := filepath.Abs(cfg.DataDir)
		if err == nil {
			cfg.DataDir = absDir
		}
	}

	if !cfg.DisableS3 && cfg.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required unless disable_s3 is set")
	}

	if cfg.SecondsBeforePush <= 0 {
		return fmt.Errorf("seconds_before_push must be positive")
	}
	if cfg.SecondsBeforeFirstRetry <= 0 {
		return fmt.Errorf("seconds_before_first_retry must be positive")
	}

	return nil
}

// DocsRoot is where the storage manager keeps "<docId>.grist" files and
// their hash sidecars, derived from DataDir.
func (c Config) DocsRoot() string {
	return filepath.Join(c.DataDir, "docs")
}
