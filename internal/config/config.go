package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "FIELDSYNC"
	defaultServerURL        = "http://localhost:8000/api/mobile"
	defaultDatabasePath     = "fieldsync.db"
	defaultSettingsPath     = "fieldsync-state.json"
	defaultLogLevel         = "info"
	defaultRequestTimeout   = 30 * time.Second
	defaultUploadTimeout    = 60 * time.Second
	defaultAutoSyncInterval = 15 * time.Minute
	minAutoSyncInterval     = 5 * time.Minute
	defaultBatchLimit       = 50
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	ServerURL        string
	DatabasePath     string
	SettingsPath     string
	DeviceID         string
	LogLevel         string
	RequestTimeout   time.Duration
	UploadTimeout    time.Duration
	AutoSync         bool
	AutoSyncInterval time.Duration
	WifiOnly         bool
	BatchLimit       int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("settings.path", defaultSettingsPath)
	configViper.SetDefault("device.id", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("request.timeout", defaultRequestTimeout)
	configViper.SetDefault("upload.timeout", defaultUploadTimeout)
	configViper.SetDefault("sync.auto", true)
	configViper.SetDefault("sync.interval", defaultAutoSyncInterval)
	configViper.SetDefault("sync.wifi_only", false)
	configViper.SetDefault("sync.batch_limit", defaultBatchLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:        configViper.GetString("server.url"),
		DatabasePath:     configViper.GetString("database.path"),
		SettingsPath:     configViper.GetString("settings.path"),
		DeviceID:         configViper.GetString("device.id"),
		LogLevel:         configViper.GetString("log.level"),
		RequestTimeout:   configViper.GetDuration("request.timeout"),
		UploadTimeout:    configViper.GetDuration("upload.timeout"),
		AutoSync:         configViper.GetBool("sync.auto"),
		AutoSyncInterval: configViper.GetDuration("sync.interval"),
		WifiOnly:         configViper.GetBool("sync.wifi_only"),
		BatchLimit:       configViper.GetInt("sync.batch_limit"),
	}

	// The interval floor keeps a misconfigured device from hammering the server.
	if cfg.AutoSyncInterval < minAutoSyncInterval {
		cfg.AutoSyncInterval = minAutoSyncInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SettingsPath) == "" {
		return fmt.Errorf("settings.path is required")
	}
	return nil
}
