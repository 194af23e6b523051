package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	Pool         string
	Units        int
	MaxRetries   int
	PollInterval time.Duration
	ScanWall     time.Duration
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		Pool:         v.GetString("pool"),
		Units:        v.GetInt("units"),
		MaxRetries:   v.GetInt("max_retries"),
		PollInterval: v.GetDuration("poll_interval"),
		ScanWall:     v.GetDuration("scan_wall"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
