// Package config loads refreshflow settings from defaults, an optional YAML
// file, a .env file and REFRESHFLOW_* environment variables, in rising order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const EnvPrefix = "REFRESHFLOW"

type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`
	// DBPath selects the SQLite file; ":memory:" keeps everything in process.
	DBPath  string        `mapstructure:"db_path"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	PowerBI PowerBIConfig `mapstructure:"powerbi"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RefreshConfig struct {
	MaxConcurrentPerDataset    int `mapstructure:"max_concurrent_per_dataset"`
	ManualCooldownSeconds      int `mapstructure:"manual_cooldown_seconds"`
	DefaultRetryCount          int `mapstructure:"default_retry_count"`
	DefaultRetryBackoffSeconds int `mapstructure:"default_retry_backoff_seconds"`
	PollIntervalSeconds        int `mapstructure:"poll_interval_seconds"`
	SyncWorkers                int `mapstructure:"sync_workers"`
}

type PowerBIConfig struct {
	APIURL            string  `mapstructure:"api_url"`
	TenantID          string  `mapstructure:"tenant_id"`
	ClientID          string  `mapstructure:"client_id"`
	ClientSecret      string  `mapstructure:"client_secret"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type WebhookConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RedisConfig enables the shared dataset lock when Addr is set.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "refreshflow.db")

	v.SetDefault("refresh.max_concurrent_per_dataset", 1)
	v.SetDefault("refresh.manual_cooldown_seconds", 60)
	v.SetDefault("refresh.default_retry_count", 2)
	v.SetDefault("refresh.default_retry_backoff_seconds", 120)
	v.SetDefault("refresh.poll_interval_seconds", 60)
	v.SetDefault("refresh.sync_workers", 4)

	v.SetDefault("powerbi.api_url", "https://api.powerbi.com")
	v.SetDefault("powerbi.tenant_id", "")
	v.SetDefault("powerbi.client_id", "")
	v.SetDefault("powerbi.client_secret", "")
	v.SetDefault("powerbi.requests_per_second", 2.0)
	v.SetDefault("powerbi.timeout_seconds", 30)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "refreshflow@localhost")

	v.SetDefault("webhook.timeout_seconds", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_seconds", 30)
}

// Load reads the configuration. An empty path looks for refreshflow.yaml in
// the working directory and ./config, and is fine if there is none.
func Load(path string) (*Config, error) {
	// .env is optional and never overrides variables already set
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("refreshflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	if c.HTTPAddr == "" {
		problems = append(problems, "http_addr is required")
	}
	r := c.Refresh
	if r.MaxConcurrentPerDataset < 1 {
		problems = append(problems, "refresh.max_concurrent_per_dataset must be at least 1")
	}
	if r.ManualCooldownSeconds < 0 {
		problems = append(problems, "refresh.manual_cooldown_seconds must not be negative")
	}
	if r.DefaultRetryCount < 0 {
		problems = append(problems, "refresh.default_retry_count must not be negative")
	}
	if r.DefaultRetryBackoffSeconds < 0 {
		problems = append(problems, "refresh.default_retry_backoff_seconds must not be negative")
	}
	if r.PollIntervalSeconds < 1 {
		problems = append(problems, "refresh.poll_interval_seconds must be at least 1")
	}
	if r.SyncWorkers < 1 {
		problems = append(problems, "refresh.sync_workers must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PowerBIConfigured reports whether credentials for the refresh API are present.
func (c *Config) PowerBIConfigured() bool {
	return c.PowerBI.TenantID != "" && c.PowerBI.ClientID != "" && c.PowerBI.ClientSecret != ""
}
