package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CUERELAY"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "cuerelay.db"
	defaultLogLevel            = "info"
	defaultAccessTTL           = time.Hour
	defaultRefreshTTL          = 24 * time.Hour
	defaultLoginAttempts       = 5
	defaultLoginWindow         = 15 * time.Minute
	defaultMaxConnections      = 1000
	defaultMaxConnectionsPerIP = 10
	defaultAuthTimeout         = 30 * time.Second
	defaultGracePeriod         = 60 * time.Second
	defaultUpdatesPerWindow    = 60
	defaultUpdateWindow        = time.Minute
	defaultMaxMessageBytes     = 10 * 1024
	defaultStreamRetention     = 24 * time.Hour
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress        string
	TrustedProxyHeader string
	AllowedOrigins     []string
	DatabasePath       string
	LogLevel           string
	AuditLogPath       string
	Admin              AdminConfig
	Relay              RelayConfig
	StreamRetention    time.Duration
}

// AdminConfig holds admin authentication settings.
type AdminConfig struct {
	Password            string
	PasswordHash        string
	SigningSecret       string
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	AllowPrivateIPDrift bool
	Whitelist           []string
	LoginAttempts       int
	LoginWindow         time.Duration
}

// RelayConfig holds broadcaster socket limits and timers.
type RelayConfig struct {
	MaxConnections      int64
	MaxConnectionsPerIP int
	AuthTimeout         time.Duration
	GracePeriod         time.Duration
	UpdatesPerWindow    int
	UpdateWindow        time.Duration
	MaxMessageBytes     int64
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
	configViper.SetDefault("http.trusted_proxy_header", "")
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.audit_path", "")
	configViper.SetDefault("admin.access_ttl", defaultAccessTTL)
	configViper.SetDefault("admin.refresh_ttl", defaultRefreshTTL)
	configViper.SetDefault("admin.allow_private_ip_drift", true)
	configViper.SetDefault("admin.whitelist", []string{})
	configViper.SetDefault("admin.login_attempts", defaultLoginAttempts)
	configViper.SetDefault("admin.login_window", defaultLoginWindow)
	configViper.SetDefault("relay.max_connections", defaultMaxConnections)
	configViper.SetDefault("relay.max_connections_per_ip", defaultMaxConnectionsPerIP)
	configViper.SetDefault("relay.auth_timeout", defaultAuthTimeout)
	configViper.SetDefault("relay.grace_period", defaultGracePeriod)
	configViper.SetDefault("relay.updates_per_window", defaultUpdatesPerWindow)
	configViper.SetDefault("relay.update_window", defaultUpdateWindow)
	configViper.SetDefault("relay.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("streams.retention", defaultStreamRetention)
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process environment.
// Missing files are skipped and variables already set are left untouched.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		TrustedProxyHeader: strings.TrimSpace(configViper.GetString("http.trusted_proxy_header")),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuditLogPath:       strings.TrimSpace(configViper.GetString("log.audit_path")),
		Admin: AdminConfig{
			Password:            configViper.GetString("admin.password"),
			PasswordHash:        strings.TrimSpace(configViper.GetString("admin.password_hash")),
			SigningSecret:       configViper.GetString("admin.signing_secret"),
			AccessTTL:           configViper.GetDuration("admin.access_ttl"),
			RefreshTTL:          configViper.GetDuration("admin.refresh_ttl"),
			AllowPrivateIPDrift: configViper.GetBool("admin.allow_private_ip_drift"),
			Whitelist:           splitList(configViper.GetStringSlice("admin.whitelist")),
			LoginAttempts:       configViper.GetInt("admin.login_attempts"),
			LoginWindow:         configViper.GetDuration("admin.login_window"),
		},
		Relay: RelayConfig{
			MaxConnections:      configViper.GetInt64("relay.max_connections"),
			MaxConnectionsPerIP: configViper.GetInt("relay.max_connections_per_ip"),
			AuthTimeout:         configViper.GetDuration("relay.auth_timeout"),
			GracePeriod:         configViper.GetDuration("relay.grace_period"),
			UpdatesPerWindow:    configViper.GetInt("relay.updates_per_window"),
			UpdateWindow:        configViper.GetDuration("relay.update_window"),
			MaxMessageBytes:     configViper.GetInt64("relay.max_message_bytes"),
		},
		StreamRetention: configViper.GetDuration("streams.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Admin.SigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if c.Admin.Password == "" && c.Admin.PasswordHash == "" {
		return fmt.Errorf("admin.password or admin.password_hash is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"admin.access_ttl", c.Admin.AccessTTL},
		{"admin.refresh_ttl", c.Admin.RefreshTTL},
		{"admin.login_window", c.Admin.LoginWindow},
		{"relay.auth_timeout", c.Relay.AuthTimeout},
		{"relay.grace_period", c.Relay.GracePeriod},
		{"relay.update_window", c.Relay.UpdateWindow},
		{"streams.retention", c.StreamRetention},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	switch {
	case c.Admin.LoginAttempts <= 0:
		return fmt.Errorf("admin.login_attempts must be positive")
	case c.Relay.MaxConnections <= 0:
		return fmt.Errorf("relay.max_connections must be positive")
	case c.Relay.MaxConnectionsPerIP <= 0:
		return fmt.Errorf("relay.max_connections_per_ip must be positive")
	case c.Relay.UpdatesPerWindow <= 0:
		return fmt.Errorf("relay.updates_per_window must be positive")
	case c.Relay.MaxMessageBytes <= 0:
		return fmt.Errorf("relay.max_message_bytes must be positive")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
