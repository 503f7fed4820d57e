package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB" validate:"gte=0,lte=15"`
	NotifyChannel string `mapstructure:"NOTIFY_CHANNEL" validate:"required"`

	InventoryAddr string `mapstructure:"INVENTORY_ADDR" validate:"required,hostname_port"`
	FilterAddr    string `mapstructure:"FILTER_ADDR" validate:"required,hostname_port"`

	// RebuildThreshold is the per-hierarchy change count at which a batch is deferred to a full rebuild.
	RebuildThreshold     int           `mapstructure:"REBUILD_THRESHOLD" validate:"gte=1"`
	RebuildProbeInterval time.Duration `mapstructure:"REBUILD_PROBE_INTERVAL" validate:"required"`
	RebuildDrainInterval time.Duration `mapstructure:"REBUILD_DRAIN_INTERVAL" validate:"required"`
	BuildFlushSize       int           `mapstructure:"BUILD_FLUSH_SIZE" validate:"gte=1"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"DATABASE_URL",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"REDIS_DB",
	"NOTIFY_CHANNEL",
	"INVENTORY_ADDR",
	"FILTER_ADDR",
	"REBUILD_THRESHOLD",
	"REBUILD_PROBE_INTERVAL",
	"REBUILD_DRAIN_INTERVAL",
	"BUILD_FLUSH_SIZE",
}

var durations = []string{"SHUTDOWN_TIMEOUT", "REBUILD_PROBE_INTERVAL", "REBUILD_DRAIN_INTERVAL"}

// Load reads .env files if present, applies defaults, binds env vars and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("NOTIFY_CHANNEL", "hierarchy.changes")
	v.SetDefault("INVENTORY_ADDR", "localhost:50051")
	v.SetDefault("FILTER_ADDR", "localhost:50052")
	v.SetDefault("REBUILD_THRESHOLD", 100)
	v.SetDefault("REBUILD_PROBE_INTERVAL", "30s")
	v.SetDefault("REBUILD_DRAIN_INTERVAL", "1m")
	v.SetDefault("BUILD_FLUSH_SIZE", 25000)

	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	for _, key := range durations {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		switch key {
		case "SHUTDOWN_TIMEOUT":
			c.ShutdownTimeout = d
		case "REBUILD_PROBE_INTERVAL":
			c.RebuildProbeInterval = d
		case "REBUILD_DRAIN_INTERVAL":
			c.RebuildDrainInterval = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
