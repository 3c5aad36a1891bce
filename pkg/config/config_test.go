package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.JobTimeout != 15*time.Minute {
		t.Errorf("JobTimeout = %s", cfg.JobTimeout)
	}
	if cfg.RetentionDays != 3 {
		t.Errorf("RetentionDays = %d", cfg.RetentionDays)
	}
	if cfg.SignTTL != time.Hour {
		t.Errorf("SignTTL = %s", cfg.SignTTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("listen_addr: \":9999\"\nmax_retries: 5\njob_timeout: 30m\noutput_bucket: custom-outputs\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.JobTimeout != 30*time.Minute {
		t.Errorf("JobTimeout = %s", cfg.JobTimeout)
	}
	if cfg.OutputBucket != "custom-outputs" {
		t.Errorf("OutputBucket = %s", cfg.OutputBucket)
	}
	// Unset keys keep their defaults
	if cfg.DatabasePath != "./stitchd.db" {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STITCHD_DATABASE_PATH", "/data/jobs.db")
	t.Setenv("STITCHD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabasePath != "/data/jobs.db" {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad-retries.yaml")
	if err := os.WriteFile(path, []byte("max_retries: -1\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for negative max_retries")
	}

	path = filepath.Join(dir, "bad-timeout.yaml")
	if err := os.WriteFile(path, []byte("job_timeout: 0s\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for zero job_timeout")
	}
}
