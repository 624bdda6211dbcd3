package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUEUECTL_HOME", home)
	t.Setenv("QUEUECTL_CONFIG", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Home != home {
		t.Fatalf("home = %q, want %q", cfg.Home, home)
	}
	if cfg.JobTimeout != time.Hour || cfg.Dashboard.Port != 8080 || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DBPath() != filepath.Join(home, "queue.db") || cfg.LogDir() != filepath.Join(home, "logs") {
		t.Fatalf("paths = %s, %s", cfg.DBPath(), cfg.LogDir())
	}
}

func TestLoadPrecedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUEUECTL_HOME", home)
	t.Setenv("QUEUECTL_CONFIG", "")
	t.Setenv("QUEUECTL_LOG_FORMAT", "json")

	file := "log_level: warn\nlog_format: text\njob_timeout: 90s\ndashboard:\n  port: 9090\n"
	if err := os.WriteFile(filepath.Join(home, ConfigFileName), []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("flag should win, log_level = %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("env should beat file, log_format = %q", cfg.LogFormat)
	}
	if cfg.JobTimeout != 90*time.Second || cfg.Dashboard.Port != 9090 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestLegacyDataDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUEUECTL_HOME", "")
	t.Setenv("QUEUECTL_DATA_DIR", dir)
	t.Setenv("QUEUECTL_CONFIG", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Home != dir {
		t.Fatalf("home = %q, want %q", cfg.Home, dir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "chatty"
	cfg.JobTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
