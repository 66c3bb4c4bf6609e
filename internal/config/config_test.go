package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the XDG dirs at a temp dir so no user config is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		path := DefaultDBPath()

		expected := "/custom/cache/urldrop/records.db"
		if path != expected {
			t.Errorf("DefaultDBPath() = %q, want %q", path, expected)
		}
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()

		if !strings.HasSuffix(path, filepath.Join(".cache", "urldrop", "records.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/urldrop/records.db", path)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Queue.Name != "file-processing" || cfg.Queue.MaxAttempts != 3 || cfg.Queue.Backoff != 5*time.Second {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Worker.DownloadTimeout != 300*time.Second {
		t.Errorf("DownloadTimeout = %v, want 300s", cfg.Worker.DownloadTimeout)
	}
	if cfg.Store.Path != filepath.Join(dir, "cache", "urldrop", "records.db") {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Reconcile.Interval != 0 {
		t.Errorf("stale sweep enabled by default: %v", cfg.Reconcile.Interval)
	}
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
[server]
port = 8080
secret = "s3cret"

[log]
level = "debug"
format = "json"

[queue]
driver = "redis"
backoff = "2s"
  [queue.redis]
  addr = "redis:6379"

[worker]
concurrency = 10
download_timeout = "1m"

[storage]
backend = "drive"
  [storage.drive]
  folder_id = "folder-xyz"

[reconcile]
interval = "5m"
stale_after = "30m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Secret != "s3cret" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Queue.Driver != QueueRedis || cfg.Queue.Redis.Addr != "redis:6379" || cfg.Queue.Backoff != 2*time.Second {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Worker.Concurrency != 10 || cfg.Worker.DownloadTimeout != time.Minute {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Storage.Backend != StorageDrive || cfg.Storage.Drive.FolderID != "folder-xyz" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Reconcile.Interval != 5*time.Minute || cfg.Reconcile.StaleAfter != 30*time.Minute {
		t.Errorf("Reconcile = %+v", cfg.Reconcile)
	}
	// untouched keys keep defaults
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Queue.MaxAttempts)
	}
}

func TestLoad_DefaultPathFile(t *testing.T) {
	dir := isolate(t)
	cfgDir := filepath.Join(dir, "config", "urldrop")
	os.MkdirAll(cfgDir, 0o755)
	writeConfig(t, cfgDir, "[server]\nport = 9999\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Error("Load() with missing explicit file should fail")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[server]\nprot = 1\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "server.prot") {
		t.Errorf("Load() error = %v, want unknown key server.prot", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[server]\nport = 8080\n")

	t.Setenv("PORT", "4000")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_KEY_PATH", "/keys/sa.json")
	t.Setenv("GOOGLE_DRIVE_FOLDER_ID", "env-folder")
	t.Setenv("URLDROP_STORAGE_BACKEND", "drive")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("URLDROP_DOWNLOAD_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want env 4000", cfg.Server.Port)
	}
	if cfg.Storage.Drive.CredentialsFile != "/keys/sa.json" || cfg.Storage.Drive.FolderID != "env-folder" {
		t.Errorf("Drive = %+v", cfg.Storage.Drive)
	}
	if cfg.Queue.Redis.Addr != "cache.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Queue.Redis.Addr)
	}
	if cfg.Worker.DownloadTimeout != 45*time.Second {
		t.Errorf("DownloadTimeout = %v", cfg.Worker.DownloadTimeout)
	}
}

func TestLoad_URLDropEnvWins(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "4000")
	t.Setenv("URLDROP_PORT", "5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Server.Port)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	isolate(t)
	t.Setenv("URLDROP_PORT", "eighty")
	t.Setenv("URLDROP_QUEUE_BACKOFF", "soon")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() should fail")
	}
	for _, want := range []string{"URLDROP_PORT", "URLDROP_QUEUE_BACKOFF"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres }, "store.dsn"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"unknown queue", func(c *Config) { c.Queue.Driver = "sqs" }, "queue.driver"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"drive without folder", func(c *Config) { c.Storage.Backend = StorageDrive }, "storage.drive.folder_id"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs.bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"sweep without threshold", func(c *Config) {
			c.Reconcile.Interval = time.Minute
			c.Reconcile.StaleAfter = 0
		}, "reconcile.stale_after"},
		{"sweep shorter than download", func(c *Config) {
			c.Reconcile.Interval = time.Minute
			c.Reconcile.StaleAfter = c.Worker.DownloadTimeout
		}, "worker.download_timeout"},
		{"sweep off ignores threshold", func(c *Config) {
			c.Reconcile.StaleAfter = time.Second
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := SetupLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %q", out)
	}
}
