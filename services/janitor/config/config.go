package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the janitor service.
type Config struct {
	LogLevel     string
	PostgresDSN  string
	Schedule     string
	CompletedTTL time.Duration
	FailedTTL    time.Duration
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		Schedule:     v.GetString("schedule"),
		CompletedTTL: v.GetDuration("completed_ttl"),
		FailedTTL:    v.GetDuration("failed_ttl"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
