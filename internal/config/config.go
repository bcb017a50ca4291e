package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SYNCSERVER"

	// EnvironmentProduction is the default environment.
	EnvironmentProduction = "production"
	// EnvironmentTest enables test-only operations such as purging the store.
	EnvironmentTest = "test"

	defaultHTTPAddress       = "0.0.0.0:4000"
	defaultDatabasePath      = "syncserver.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultHeartbeatInterval = 5 * time.Minute
	defaultHeartbeatTimeout  = time.Minute
	defaultAuthTimeout       = 5 * time.Second
	defaultRateLimitWindow   = 10 * time.Minute
	defaultRateLimitQuota    = 600
	defaultMaxConnsPerGroup  = 10
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress       string
	TLSCertFile       string
	TLSKeyFile        string
	DatabasePath      string
	LogLevel          string
	LogEncoding       string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	RateLimitWindow   time.Duration
	RateLimitQuota    int
	MaxConnsPerGroup  int
	Environment       string
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
	configViper.SetDefault("tls.cert_file", "")
	configViper.SetDefault("tls.key_file", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("heartbeat.interval", defaultHeartbeatInterval)
	configViper.SetDefault("heartbeat.timeout", defaultHeartbeatTimeout)
	configViper.SetDefault("auth.timeout", defaultAuthTimeout)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("ratelimit.quota", defaultRateLimitQuota)
	configViper.SetDefault("capacity.max_per_group", defaultMaxConnsPerGroup)
	configViper.SetDefault("environment", EnvironmentProduction)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		TLSCertFile:       configViper.GetString("tls.cert_file"),
		TLSKeyFile:        configViper.GetString("tls.key_file"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		HeartbeatInterval: configViper.GetDuration("heartbeat.interval"),
		HeartbeatTimeout:  configViper.GetDuration("heartbeat.timeout"),
		AuthTimeout:       configViper.GetDuration("auth.timeout"),
		RateLimitWindow:   configViper.GetDuration("ratelimit.window"),
		RateLimitQuota:    configViper.GetInt("ratelimit.quota"),
		MaxConnsPerGroup:  configViper.GetInt("capacity.max_per_group"),
		Environment:       configViper.GetString("environment"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat.interval and heartbeat.timeout must be positive")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("auth.timeout must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.RateLimitQuota <= 0 {
		return fmt.Errorf("ratelimit.quota must be positive")
	}
	if c.MaxConnsPerGroup <= 0 {
		return fmt.Errorf("capacity.max_per_group must be positive")
	}
	switch c.Environment {
	case EnvironmentProduction, EnvironmentTest:
	default:
		return fmt.Errorf("environment must be %q or %q", EnvironmentProduction, EnvironmentTest)
	}
	return nil
}

// IsTest reports whether the configuration targets the test environment.
func (c AppConfig) IsTest() bool {
	return c.Environment == EnvironmentTest
}
