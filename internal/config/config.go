package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from config.yaml with
// PROPPULSE_* environment overrides.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Database struct {
		DSN  string `mapstructure:"dsn"`  // Postgres DSN; when empty, SQLite at Path
		Path string `mapstructure:"path"` // SQLite file path
	} `mapstructure:"database"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
}

// KafkaConfig describes the optional KPI update stream. When Enabled is
// false the service relies on the HTTP inbound endpoint alone.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// DeliveryConfig tunes the outbound queue: retry ceiling, backoff,
// per-user-per-channel hourly rate limit, and provider settings.
type DeliveryConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	RateLimitPerHour int           `mapstructure:"rate_limit_per_hour"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	SMTP             struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		From     string `mapstructure:"from"`
		Password string `mapstructure:"password"`
	} `mapstructure:"smtp"`
	SMSGatewayURL  string `mapstructure:"sms_gateway_url"`
	SMSAPIKey      string `mapstructure:"sms_api_key"`
	PushGatewayURL string `mapstructure:"push_gateway_url"`
}

// Load reads config.yaml from the working directory (or /etc/proppulse),
// applies defaults and environment overrides (PROPPULSE_SERVER_ADDR etc.).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/proppulse")
	v.SetEnvPrefix("proppulse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; defaults + env carry the configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "data/proppulse.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "kpi-updates")
	v.SetDefault("kafka.group_id", "proppulse-redflag")
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.retry_backoff", "30s")
	v.SetDefault("delivery.rate_limit_per_hour", 60)
	v.SetDefault("delivery.provider_timeout", "10s")
	v.SetDefault("delivery.poll_interval", "5s")
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.smtp.port", 587)
}
