package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CONDUIT"
	defaultHTTPAddress     = "0.0.0.0:6167"
	defaultServerName      = "localhost"
	defaultDatabasePath    = "conduit.db"
	defaultLogLevel        = "info"
	defaultAllowEncryption = true
	defaultMaxSyncWait     = 30 * time.Second
)

// AppConfig captures runtime configuration for the homeserver.
type AppConfig struct {
	HTTPAddress     string
	ServerName      string
	DatabasePath    string
	SigningSecret   string
	LogLevel        string
	AllowEncryption bool
	MaxSyncWait     time.Duration
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("server.name", defaultServerName)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("rooms.allow_encryption", defaultAllowEncryption)
	configViper.SetDefault("sync.max_wait", defaultMaxSyncWait)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		ServerName:      configViper.GetString("server.name"),
		DatabasePath:    configViper.GetString("database.path"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		LogLevel:        configViper.GetString("log.level"),
		AllowEncryption: configViper.GetBool("rooms.allow_encryption"),
		MaxSyncWait:     configViper.GetDuration("sync.max_wait"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerName) == "" {
		return fmt.Errorf("server.name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.MaxSyncWait <= 0 {
		return fmt.Errorf("sync.max_wait must be positive")
	}
	return nil
}
