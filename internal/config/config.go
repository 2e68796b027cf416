package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
	Backup   BackupConfig   `yaml:"backup"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig points the device at its remote collection backend.
// An empty URL disables sync entirely.
type RemoteConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	Interval      Duration `yaml:"interval"`
	HealthTimeout Duration `yaml:"health_timeout"`
	PerPage       int      `yaml:"per_page"`
}

// ServerConfig contains settings of the reference backend server.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DBPath          string   `yaml:"db_path"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BackupConfig contains database backup settings. An empty bucket keeps
// backups local.
type BackupConfig struct {
	Dir       string   `yaml:"dir"`
	Interval  Duration `yaml:"interval"` // 0 disables the backup worker
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults, then the YAML file
// named by POSSYNC_CONFIG_PATH (if present), then env vars.
func Load() (*Config, error) {
	return load(getEnv("POSSYNC_CONFIG_PATH", "config/possync.yaml"), false)
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, mustExist bool) (*Config, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, path, mustExist); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/possync.db",
		},
		Sync: SyncConfig{
			Interval:      Duration(15 * time.Second),
			HealthTimeout: Duration(2 * time.Second),
			PerPage:       500,
		},
		Server: ServerConfig{
			Port:            8090,
			DBPath:          "data/possync-server.db",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backup: BackupConfig{
			Dir:       "data/backup",
			URLExpiry: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadYAMLFile(cfg *Config, path string, mustExist bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !mustExist {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values; unparsable numbers and
// durations are ignored.
func applyEnvOverrides(cfg *Config) {
	envString("POSSYNC_DB_PATH", &cfg.Database.Path)

	envString("POSSYNC_REMOTE_URL", &cfg.Remote.URL)
	envString("POSSYNC_API_KEY", &cfg.Remote.APIKey)

	envDuration("POSSYNC_SYNC_INTERVAL", &cfg.Sync.Interval)
	envDuration("POSSYNC_HEALTH_TIMEOUT", &cfg.Sync.HealthTimeout)
	envInt("POSSYNC_PER_PAGE", &cfg.Sync.PerPage)

	envInt("POSSYNC_SERVER_PORT", &cfg.Server.Port)
	envString("POSSYNC_SERVER_DB_PATH", &cfg.Server.DBPath)
	envString("POSSYNC_SERVER_API_KEY", &cfg.Server.APIKey)
	envDuration("POSSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envString("POSSYNC_BACKUP_DIR", &cfg.Backup.Dir)
	envDuration("POSSYNC_BACKUP_INTERVAL", &cfg.Backup.Interval)
	envString("POSSYNC_BACKUP_BUCKET", &cfg.Backup.Bucket)
	envString("POSSYNC_BACKUP_ENDPOINT", &cfg.Backup.Endpoint)
	envString("POSSYNC_BACKUP_REGION", &cfg.Backup.Region)
	envString("POSSYNC_BACKUP_ACCESS_KEY", &cfg.Backup.AccessKey)
	envString("POSSYNC_BACKUP_SECRET_KEY", &cfg.Backup.SecretKey)
	if v := os.Getenv("POSSYNC_BACKUP_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}

	envString("POSSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("POSSYNC_LOG_FORMAT", &cfg.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func envDuration(key string, dst *Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = Duration(d)
	}
}

// validate checks value ranges. Sync itself needs no configuration: an
// empty remote URL simply keeps the device offline.
func (c *Config) validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.HealthTimeout <= 0 {
		return errors.New("sync.health_timeout must be positive")
	}
	if c.Sync.PerPage <= 0 {
		return errors.New("sync.per_page must be positive")
	}
	if c.Backup.Bucket != "" && c.Backup.Endpoint == "" {
		return errors.New("backup.endpoint is required when backup.bucket is set")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
