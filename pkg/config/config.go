// Package config loads daemon and job body settings from a YAML file
// and environment variables via viper. Environment variables use the
// STITCHD_ prefix and override file values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full settings surface for the daemon and the job body
type Config struct {
	// HTTP listen address for the job API
	ListenAddr string `mapstructure:"listen_addr"`
	// Metrics listen address; empty disables the exporter
	MetricsAddr string `mapstructure:"metrics_addr"`
	// SQLite database path for the checkpoint store
	DatabasePath string `mapstructure:"database_path"`

	// Execution service endpoint; empty selects the local subprocess
	// dispatcher
	ExecutorEndpoint string `mapstructure:"executor_endpoint"`
	// Job body binary for the subprocess dispatcher
	RunnerBinary string `mapstructure:"runner_binary"`

	// Whole-job retry budget
	MaxRetries int `mapstructure:"max_retries"`
	// Hard wall-clock timeout the reconciler enforces
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// Reconciliation sweep cadence
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// Days to keep terminal jobs and their progress logs
	RetentionDays int `mapstructure:"retention_days"`

	// Scratch directory root for job workspaces
	ScratchRoot string `mapstructure:"scratch_root"`
	// Minimum free scratch bytes required before downloads start
	MinFreeDiskBytes uint64 `mapstructure:"min_free_disk_bytes"`

	// Asset store settings. AssetRoot selects the directory-backed
	// store for local runs; empty selects GCS.
	AssetRoot    string `mapstructure:"asset_root"`
	OutputBucket string `mapstructure:"output_bucket"`
	OutputPrefix string `mapstructure:"output_prefix"`

	// Encoder binaries
	FFmpegBinary  string `mapstructure:"ffmpeg_binary"`
	FFprobeBinary string `mapstructure:"ffprobe_binary"`

	// Signing settings. ServiceAccountOverride feeds the remote
	// sign-blob tier; CredentialsFile feeds the key file tier.
	ServiceAccountOverride string        `mapstructure:"service_account_override"`
	CredentialsFile        string        `mapstructure:"credentials_file"`
	SignTTL                time.Duration `mapstructure:"sign_ttl"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("database_path", "./stitchd.db")
	v.SetDefault("runner_binary", "stitchrun")
	v.SetDefault("max_retries", 3)
	v.SetDefault("job_timeout", 15*time.Minute)
	v.SetDefault("reconcile_interval", 1*time.Minute)
	v.SetDefault("retention_days", 3)
	v.SetDefault("scratch_root", "/tmp")
	v.SetDefault("min_free_disk_bytes", uint64(1<<30))
	v.SetDefault("output_bucket", "stitchd-outputs")
	v.SetDefault("output_prefix", "rendered")
	v.SetDefault("ffmpeg_binary", "ffmpeg")
	v.SetDefault("ffprobe_binary", "ffprobe")
	v.SetDefault("sign_ttl", 1*time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from the given file (optional) and the
// environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stitchd")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("STITCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults cover it
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be non-negative")
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("job_timeout must be positive")
	}

	return &cfg, nil
}
