package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// AppConfig holds the relay configuration. It is built once at startup and
// passed by value to the components that need it.
type AppConfig struct {
	ListenAddr           string
	StoragePath          string
	AuthDBPath           string
	ChunkSize            int64
	SessionQuota         int64
	MinFreeSpace         int64
	MaxUploadOverhead    int64
	EnforceQuotaOnUpload bool
	CompressChunks       bool
	SessionTTL           time.Duration
	ReapInterval         time.Duration
	LogDebug             bool
}

// rawConfig mirrors the on-disk keys before sizes are parsed.
type rawConfig struct {
	ListenAddr           string        `mapstructure:"listen_addr"`
	StoragePath          string        `mapstructure:"storage_path"`
	AuthDBPath           string        `mapstructure:"auth_db_path"`
	ChunkSize            string        `mapstructure:"chunk_size"`
	SessionQuota         string        `mapstructure:"session_quota"`
	MinFreeSpace         string        `mapstructure:"min_free_space"`
	MaxUploadOverhead    string        `mapstructure:"max_upload_overhead"`
	EnforceQuotaOnUpload bool          `mapstructure:"enforce_quota_on_upload"`
	CompressChunks       bool          `mapstructure:"compress_chunks"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	ReapInterval         time.Duration `mapstructure:"reap_interval"`
	LogDebug             bool          `mapstructure:"log_debug"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() AppConfig {
	return AppConfig{
		ListenAddr:           ":8080",
		StoragePath:          "./data/sessions",
		AuthDBPath:           "./data/auth",
		ChunkSize:            2 << 20,
		SessionQuota:         50 << 20,
		MinFreeSpace:         4 << 20,
		MaxUploadOverhead:    1 << 20,
		EnforceQuotaOnUpload: true,
		SessionTTL:           24 * time.Hour,
		ReapInterval:         10 * time.Minute,
	}
}

// Load reads config.yaml from path, overlays RELAY_* environment variables
// and validates the result. A missing config file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("storage_path", "./data/sessions")
	v.SetDefault("auth_db_path", "./data/auth")
	v.SetDefault("chunk_size", "2MiB")
	v.SetDefault("session_quota", "50MiB")
	v.SetDefault("min_free_space", "")
	v.SetDefault("max_upload_overhead", "1MiB")
	v.SetDefault("enforce_quota_on_upload", true)
	v.SetDefault("compress_chunks", false)
	v.SetDefault("session_ttl", "24h")
	v.SetDefault("reap_interval", "10m")
	v.SetDefault("log_debug", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return raw.build()
}

func (r rawConfig) build() (*AppConfig, error) {
	cfg := AppConfig{
		ListenAddr:           r.ListenAddr,
		StoragePath:          r.StoragePath,
		AuthDBPath:           r.AuthDBPath,
		EnforceQuotaOnUpload: r.EnforceQuotaOnUpload,
		CompressChunks:       r.CompressChunks,
		SessionTTL:           r.SessionTTL,
		ReapInterval:         r.ReapInterval,
		LogDebug:             r.LogDebug,
	}

	var err error
	if cfg.ChunkSize, err = parseSize("chunk_size", r.ChunkSize); err != nil {
		return nil, err
	}
	if cfg.SessionQuota, err = parseSize("session_quota", r.SessionQuota); err != nil {
		return nil, err
	}
	if cfg.MaxUploadOverhead, err = parseSize("max_upload_overhead", r.MaxUploadOverhead); err != nil {
		return nil, err
	}
	if r.MinFreeSpace == "" {
		cfg.MinFreeSpace = 2 * cfg.ChunkSize
	} else if cfg.MinFreeSpace, err = parseSize("min_free_space", r.MinFreeSpace); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the chunk store relies on.
func (c AppConfig) Validate() error {
	switch {
	case c.StoragePath == "":
		return errors.New("storage_path must not be empty")
	case c.ChunkSize <= 0:
		return errors.New("chunk_size must be positive")
	case c.SessionQuota < c.ChunkSize:
		return fmt.Errorf("session_quota (%s) must hold at least one chunk (%s)",
			humanize.IBytes(uint64(max(c.SessionQuota, 0))), humanize.IBytes(uint64(c.ChunkSize)))
	case c.MinFreeSpace < 0:
		return errors.New("min_free_space must not be negative")
	case c.SessionTTL < 0:
		return errors.New("session_ttl must not be negative")
	case c.SessionTTL > 0 && c.ReapInterval <= 0:
		return errors.New("reap_interval must be positive when session_ttl is set")
	}
	return nil
}

func parseSize(key, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return int64(n), nil
}
