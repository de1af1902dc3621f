package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "FIELDSYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "fieldsync.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 12 * time.Hour
	defaultAgentDatabase = "fieldsync-agent.db"
	defaultPollInterval  = 30 * time.Second
	defaultQuotaBytes    = 256 << 20
)

// ServerConfig captures runtime configuration for the sync API server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
}

// AgentConfig captures runtime configuration for the field agent.
type AgentConfig struct {
	ServerURL    string
	AccessToken  string
	DatabasePath string
	LogLevel     string
	PollInterval time.Duration
	QuotaBytes   int64
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl", defaultTokenTTL.String())

	configViper.SetDefault("agent.server_url", "http://127.0.0.1:8080")
	configViper.SetDefault("agent.database_path", defaultAgentDatabase)
	configViper.SetDefault("agent.poll_interval", defaultPollInterval.String())
	configViper.SetDefault("agent.quota_bytes", defaultQuotaBytes)
}

// LoadServer parses server runtime configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("token.ttl"),
	}

	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// LoadAgent parses agent runtime configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:    configViper.GetString("agent.server_url"),
		AccessToken:  configViper.GetString("agent.access_token"),
		DatabasePath: configViper.GetString("agent.database_path"),
		LogLevel:     configViper.GetString("log.level"),
		PollInterval: configViper.GetDuration("agent.poll_interval"),
		QuotaBytes:   configViper.GetInt64("agent.quota_bytes"),
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.QuotaBytes <= 0 {
		cfg.QuotaBytes = defaultQuotaBytes
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("agent.access_token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	return nil
}
