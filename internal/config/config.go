package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Host            string        `yaml:"host" json:"host"`
		Port            int           `yaml:"port" json:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	} `yaml:"server" json:"server"`
	Database struct {
		DSN             string `yaml:"dsn" json:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // seconds
	} `yaml:"database" json:"database"`
	Redis struct {
		Address  string `yaml:"address" json:"address"`
		Password string `yaml:"password" json:"password"`
		DB       int    `yaml:"db" json:"db"`
	} `yaml:"redis" json:"redis"`
	Kafka struct {
		Brokers    []string `yaml:"brokers" json:"brokers"`
		TradeTopic string   `yaml:"trade_topic" json:"trade_topic"`
	} `yaml:"kafka" json:"kafka"`
	Cache struct {
		MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
		RetryBackoff   time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
		RebuildQueue   int           `yaml:"rebuild_queue" json:"rebuild_queue"`
	} `yaml:"cache" json:"cache"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// LoadConfig loads configuration from config.yaml (optional) with TRADECORE_
// prefixed environment variable overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.dsn", "host=localhost user=tradecore password=tradecore dbname=tradecore port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.trade_topic", "tradecore.trades")

	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.retry_backoff", 50*time.Millisecond)
	v.SetDefault("cache.rebuild_queue", 256)

	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tradecore")

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; anything else is a real failure.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
