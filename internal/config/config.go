package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SHARENOTES"
	defaultHTTPAddress       = "0.0.0.0:3000"
	defaultDatabasePath      = "file:sharenotes?mode=memory&cache=shared"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultTokenIssuer       = "sharenotes-auth"
	defaultTokenAudience     = "sharenotes-api"
	defaultTokenTTLMinutes   = 120
	defaultPasswordCost      = 10
	defaultRealtimeBuffer    = 16
	defaultHeartbeatSeconds  = 25
	minimumSigningSecretSize = 8
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	SigningSecret     string
	TokenIssuer       string
	TokenAudience     string
	TokenTTL          time.Duration
	PasswordCost      int
	DatabasePath      string
	RealtimeBuffer    int
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("password.cost", defaultPasswordCost)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		PasswordCost:      configViper.GetInt("password.cost"),
		DatabasePath:      configViper.GetString("database.path"),
		RealtimeBuffer:    configViper.GetInt("realtime.buffer_size"),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if len(c.SigningSecret) < minimumSigningSecretSize {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretSize)
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RealtimeBuffer <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	return nil
}
