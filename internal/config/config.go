package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const appName = "urldrop"

// Config holds application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Storage   StorageConfig   `toml:"storage"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

// ServerConfig configures the HTTP API. A non-empty Secret makes intake
// require signed requests.
type ServerConfig struct {
	Port            int           `toml:"port"`
	Secret          string        `toml:"secret"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type QueueConfig struct {
	Driver      string        `toml:"driver"`
	Name        string        `toml:"name"`
	MaxAttempts int           `toml:"max_attempts"`
	Backoff     time.Duration `toml:"backoff"`
	Redis       RedisConfig   `toml:"redis"`
}

// RedisConfig configures the Redis queue. RecoverActive requeues jobs a
// previous run left active; only enable it for a single consumer.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	RecoverActive bool   `toml:"recover_active"`
}

type WorkerConfig struct {
	Concurrency     int           `toml:"concurrency"`
	DownloadTimeout time.Duration `toml:"download_timeout"`
}

type StorageConfig struct {
	Backend string      `toml:"backend"`
	Drive   DriveConfig `toml:"drive"`
	GCS     GCSConfig   `toml:"gcs"`
	Local   LocalConfig `toml:"local"`
}

type DriveConfig struct {
	CredentialsFile string `toml:"credentials_file"`
	FolderID        string `toml:"folder_id"`
}

type GCSConfig struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	CredentialsFile string `toml:"credentials_file"`
}

type LocalConfig struct {
	Dir string `toml:"dir"`
}

// ReconcileConfig drives the stale-record sweep. A zero interval disables it.
type ReconcileConfig struct {
	Interval   time.Duration `toml:"interval"`
	StaleAfter time.Duration `toml:"stale_after"`
}

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Queue drivers.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Storage backends.
const (
	StorageDrive = "drive"
	StorageGCS   = "gcs"
	StorageLocal = "local"
)

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, appName, "records.db")
}

// DefaultLocalDir returns the default directory for the local storage backend.
func DefaultLocalDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, appName, "files")
}

// DefaultConfigPath returns the config file looked up when none is given.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, appName, "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   DefaultDBPath(),
		},
		Queue: QueueConfig{
			Driver:      QueueMemory,
			Name:        "file-processing",
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
			Redis:       RedisConfig{Addr: "localhost:6379"},
		},
		Worker: WorkerConfig{
			Concurrency:     5,
			DownloadTimeout: 300 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageLocal,
			Local:   LocalConfig{Dir: DefaultLocalDir()},
		},
		Reconcile: ReconcileConfig{
			StaleAfter: time.Hour,
		},
	}
}

// Load builds Config from defaults, the TOML file at path and the
// environment, in that order. An empty path reads DefaultConfigPath if it
// exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", k, err))
				} else {
					*dst = n
				}
				return
			}
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num(&c.Server.Port, "URLDROP_PORT", "PORT")
	str(&c.Server.Secret, "URLDROP_SECRET")
	dur(&c.Server.ShutdownTimeout, "URLDROP_SHUTDOWN_TIMEOUT")

	str(&c.Log.Level, "URLDROP_LOG_LEVEL")
	str(&c.Log.Format, "URLDROP_LOG_FORMAT")

	str(&c.Store.Driver, "URLDROP_STORE_DRIVER")
	str(&c.Store.Path, "URLDROP_DB")
	str(&c.Store.DSN, "URLDROP_DATABASE_URL", "DATABASE_URL")

	str(&c.Queue.Driver, "URLDROP_QUEUE_DRIVER")
	str(&c.Queue.Name, "URLDROP_QUEUE_NAME")
	num(&c.Queue.MaxAttempts, "URLDROP_QUEUE_MAX_ATTEMPTS")
	dur(&c.Queue.Backoff, "URLDROP_QUEUE_BACKOFF")
	if host := os.Getenv("REDIS_HOST"); host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		c.Queue.Redis.Addr = net.JoinHostPort(host, port)
	}
	str(&c.Queue.Redis.Addr, "URLDROP_REDIS_ADDR")
	str(&c.Queue.Redis.Password, "URLDROP_REDIS_PASSWORD", "REDIS_PASSWORD")
	num(&c.Queue.Redis.DB, "URLDROP_REDIS_DB")
	flag(&c.Queue.Redis.RecoverActive, "URLDROP_REDIS_RECOVER_ACTIVE")

	num(&c.Worker.Concurrency, "URLDROP_WORKER_CONCURRENCY")
	dur(&c.Worker.DownloadTimeout, "URLDROP_DOWNLOAD_TIMEOUT")

	str(&c.Storage.Backend, "URLDROP_STORAGE_BACKEND")
	str(&c.Storage.Drive.CredentialsFile, "URLDROP_DRIVE_CREDENTIALS", "GOOGLE_SERVICE_ACCOUNT_KEY_PATH")
	str(&c.Storage.Drive.FolderID, "URLDROP_DRIVE_FOLDER_ID", "GOOGLE_DRIVE_FOLDER_ID")
	str(&c.Storage.GCS.Bucket, "URLDROP_GCS_BUCKET")
	str(&c.Storage.GCS.Prefix, "URLDROP_GCS_PREFIX")
	str(&c.Storage.GCS.CredentialsFile, "URLDROP_GCS_CREDENTIALS")
	str(&c.Storage.Local.Dir, "URLDROP_LOCAL_DIR")

	dur(&c.Reconcile.Interval, "URLDROP_RECONCILE_INTERVAL")
	dur(&c.Reconcile.StaleAfter, "URLDROP_STALE_AFTER")

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format %q: want text or json", c.Log.Format)
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			add("store.path is required for sqlite")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	default:
		add("store.driver %q: want sqlite or postgres", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.Redis.Addr == "" {
			add("queue.redis.addr is required for redis")
		}
	default:
		add("queue.driver %q: want memory or redis", c.Queue.Driver)
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts must be at least 1")
	}
	if c.Queue.Backoff <= 0 {
		add("queue.backoff must be positive")
	}

	if c.Worker.Concurrency < 1 {
		add("worker.concurrency must be at least 1")
	}
	if c.Worker.DownloadTimeout <= 0 {
		add("worker.download_timeout must be positive")
	}

	switch c.Storage.Backend {
	case StorageDrive:
		if c.Storage.Drive.FolderID == "" {
			add("storage.drive.folder_id is required for drive")
		}
	case StorageGCS:
		if c.Storage.GCS.Bucket == "" {
			add("storage.gcs.bucket is required for gcs")
		}
	case StorageLocal:
		if c.Storage.Local.Dir == "" {
			add("storage.local.dir is required for local")
		}
	default:
		add("storage.backend %q: want drive, gcs or local", c.Storage.Backend)
	}

	if c.Reconcile.Interval < 0 {
		add("reconcile.interval must not be negative")
	}
	if c.Reconcile.Interval > 0 {
		if c.Reconcile.StaleAfter <= 0 {
			add("reconcile.stale_after must be positive when the sweep is enabled")
		} else if c.Reconcile.StaleAfter <= c.Worker.DownloadTimeout {
			add("reconcile.stale_after %s must exceed worker.download_timeout %s",
				c.Reconcile.StaleAfter, c.Worker.DownloadTimeout)
		}
	}

	return errors.Join(errs...)
}

// ParseLevel parses a slog level name.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// SetupLogger builds the process logger from cfg and installs it as the default.
func SetupLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
