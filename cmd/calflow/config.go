package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/calflow/internal/notify"
)

// Store drivers understood by openStore.
const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

// Config holds all calflow server configuration.
// Priority: flags > CALFLOW_* env vars > config file > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BaseURL    string `mapstructure:"base_url"`

	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Engine struct {
		PoolSize       int           `mapstructure:"pool_size"`
		MaxRunDuration time.Duration `mapstructure:"max_run_duration"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		CronInterval   time.Duration `mapstructure:"cron_interval"`
	} `mapstructure:"engine"`

	HTTP struct {
		MaxResponseBody int64 `mapstructure:"max_response_body"`
	} `mapstructure:"http"`

	SMTP notify.SMTPConfig `mapstructure:"smtp"`
	SMS  notify.SMSConfig  `mapstructure:"sms"`

	NATS struct {
		URL      string `mapstructure:"url"`
		Embedded bool   `mapstructure:"embedded"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"nats"`

	Tracing struct {
		Exporter   string  `mapstructure:"exporter"`
		SampleRate float64 `mapstructure:"sample_rate"`
	} `mapstructure:"tracing"`

	MCP struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"mcp"`

	Workflows struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"workflows"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("store.driver", driverLibSQL)
	v.SetDefault("store.dsn", "file:calflow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.pool_size", 10)
	v.SetDefault("engine.max_run_duration", 24*time.Hour)
	v.SetDefault("engine.max_backoff", 30*time.Second)
	v.SetDefault("engine.cron_interval", 30*time.Second)
	v.SetDefault("http.max_response_body", 10*1024*1024)
	v.SetDefault("nats.prefix", "calflow.trigger")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("mcp.enabled", true)
}

// loadConfig reads the optional config file and CALFLOW_* env vars into a
// Config. A missing default config file is not an error; a missing explicit
// one is.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("calflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("calflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case driverLibSQL, driverPostgres, driverMemory:
	default:
		return fmt.Errorf("unknown store driver %q: must be libsql, postgres or memory", c.Store.Driver)
	}
	if c.Store.Driver != driverMemory && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
	}
	if c.Engine.PoolSize < 1 {
		return fmt.Errorf("engine.pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if c.NATS.Embedded && c.NATS.URL != "" {
		return fmt.Errorf("nats.url and nats.embedded are mutually exclusive")
	}
	return nil
}
