package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	StrategyStore = "store"
	StrategyCache = "cache"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RabbitMq    RabbitMqConfig    `mapstructure:"rabbitmq"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	BasePath        string        `mapstructure:"base_path"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type RabbitMqConfig struct {
	Url             string `mapstructure:"url" validate:"required"`
	Exchange        string `mapstructure:"exchange" validate:"required"`
	EmailQueue      string `mapstructure:"email_queue" validate:"required"`
	PushQueue       string `mapstructure:"push_queue" validate:"required"`
	FailedQueue     string `mapstructure:"failed_queue" validate:"required"`
	ChannelPoolSize int    `mapstructure:"channel_pool_size" validate:"gte=1"`
	PublishRetries  uint64 `mapstructure:"publish_retries"`
}

type RedisConfig struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" validate:"gt=0"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type IdempotencyConfig struct {
	Strategy string `mapstructure:"strategy" validate:"oneof=store cache"`
}

type TimeoutsConfig struct {
	Operation time.Duration `mapstructure:"operation" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.base_path", "/api/v1")
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "notifications.direct")
	v.SetDefault("rabbitmq.email_queue", "email.queue")
	v.SetDefault("rabbitmq.push_queue", "push.queue")
	v.SetDefault("rabbitmq.failed_queue", "failed.queue")
	v.SetDefault("rabbitmq.channel_pool_size", 8)
	v.SetDefault("rabbitmq.publish_retries", 2)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.idempotency_ttl", "24h")
	v.SetDefault("redis.key_prefix", "req:")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("idempotency.strategy", StrategyStore)
	v.SetDefault("timeouts.operation", "3s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads ./config/config.yaml (or the file at path, when given) and
// overlays environment variables such as RABBITMQ_URL or DATABASE_DSN.
// A missing config file is not an error; missing required values are.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("an error occurred reading configuration file: %w", err)
		}
	}
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("an error unmarshalling the config: %w", err)
	}
	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}
