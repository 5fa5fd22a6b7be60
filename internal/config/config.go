package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration (local API users, not the cloud account)
type AuthConfig struct {
	JWTSecretEnv           string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration `mapstructure:"refresh_token_ttl"`
	MaxFailedLoginAttempts int           `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration `mapstructure:"account_lock_duration"`
	BootstrapAdmin         string        `mapstructure:"bootstrap_admin"`
	BootstrapPasswordEnv   string        `mapstructure:"bootstrap_password_env"`
}

// CloudConfig points at the RainMaker REST API.
type CloudConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	TokenEnv         string        `mapstructure:"token_env"`
	PageSize         int           `mapstructure:"page_size"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxParallelCalls int           `mapstructure:"max_parallel_calls"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
}

// DiscoveryConfig controls mDNS browsing for nodes on the local network.
type DiscoveryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Service       string        `mapstructure:"service"`
	Domain        string        `mapstructure:"domain"`
	BrowseTimeout time.Duration `mapstructure:"browse_timeout"`
	Interval      time.Duration `mapstructure:"interval"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	PasswordEnv string `mapstructure:"password_env"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables automatisch binden (OSC_CLOUD_BASE_URL etc.)
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openschedulecore")
	v.SetDefault("database.max_connections", 10)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")
	v.SetDefault("auth.bootstrap_admin", "admin")
	v.SetDefault("auth.bootstrap_password_env", "OSC_ADMIN_PASSWORD")

	// Cloud Defaults
	v.SetDefault("cloud.base_url", "https://api.rainmaker.espressif.com")
	v.SetDefault("cloud.token_env", "RAINMAKER_ACCESS_TOKEN")
	v.SetDefault("cloud.page_size", 10)
	v.SetDefault("cloud.request_timeout", "15s")
	v.SetDefault("cloud.max_parallel_calls", 4)
	v.SetDefault("cloud.probe_interval", "10s")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.service", "_esp_local_ctrl._tcp")
	v.SetDefault("discovery.domain", "local.")
	v.SetDefault("discovery.browse_timeout", "3s")
	v.SetDefault("discovery.interval", "60s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "openschedulecore")
	v.SetDefault("mqtt.password_env", "OSC_MQTT_PASSWORD")
	v.SetDefault("mqtt.topic_prefix", "openschedulecore")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

func (c *Config) Validate() error {
	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url must be set")
	}
	if c.Cloud.PageSize <= 0 {
		return fmt.Errorf("cloud.page_size must be positive, got %d", c.Cloud.PageSize)
	}
	if c.Cloud.MaxParallelCalls <= 0 {
		return fmt.Errorf("cloud.max_parallel_calls must be positive, got %d", c.Cloud.MaxParallelCalls)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}

func (a *AuthConfig) BootstrapPassword() string {
	return os.Getenv(a.BootstrapPasswordEnv)
}

func (m *MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}
