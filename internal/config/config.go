// Package config layers defaults, an optional YAML file, BREACHSCOPE_*
// environment variables and command line flags into one Config.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int          `mapstructure:"port"`
	DBPath         string       `mapstructure:"db_path"`
	ProductionMode bool         `mapstructure:"production"`
	Queue          QueueConfig  `mapstructure:"queue"`
	Ingest         IngestConfig `mapstructure:"ingest"`
	Enrich         EnrichConfig `mapstructure:"enrich"`
	Registry       struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"registry"`
	Workers WorkersConfig `mapstructure:"workers"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	SMS     GatewayConfig `mapstructure:"sms"`
	Push    GatewayConfig `mapstructure:"push"`
	Feed    FeedConfig    `mapstructure:"feed"`
}

type QueueConfig struct {
	Path string `mapstructure:"path"`
}

type IngestConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	ExclusionTTL   time.Duration `mapstructure:"exclusion_ttl"`
}

type EnrichConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MinLength      int           `mapstructure:"min_length"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

type WorkersConfig struct {
	Email int `mapstructure:"email"`
	SMS   int `mapstructure:"sms"`
	Push  int `mapstructure:"push"`
}

type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type GatewayConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// FeedConfig describes the alerts RSS channel
type FeedConfig struct {
	Title       string `mapstructure:"title"`
	Link        string `mapstructure:"link"`
	Description string `mapstructure:"description"`
	Limit       int    `mapstructure:"limit"`
}

var defaults = map[string]any{
	"port":                   8080,
	"db_path":                "data/breachscope.db",
	"production":             false,
	"queue.path":             "data/queue.db",
	"ingest.batch_size":      5,
	"ingest.fetch_timeout":   30 * time.Second,
	"ingest.update_interval": 15 * time.Minute,
	"ingest.exclusion_ttl":   time.Minute,
	"enrich.enabled":         true,
	"enrich.interval":        time.Second,
	"enrich.timeout":         15 * time.Second,
	"enrich.min_length":      500,
	"enrich.blocked_domains": []string{},
	"enrich.user_agent":      "breachscope/1.0 (+https://github.com/breachscope/breachscope)",
	"enrich.respect_robots":  true,
	"registry.ttl":           5 * time.Minute,
	"workers.email":          5,
	"workers.sms":            3,
	"workers.push":           5,
	"smtp.host":              "",
	"smtp.port":              587,
	"smtp.username":          "",
	"smtp.password":          "",
	"smtp.from":              "",
	"smtp.timeout":           30 * time.Second,
	"sms.endpoint":           "",
	"sms.token":              "",
	"sms.timeout":            10 * time.Second,
	"push.endpoint":          "",
	"push.token":             "",
	"push.timeout":           10 * time.Second,
	"feed.title":             "breachscope alerts",
	"feed.link":              "",
	"feed.description":       "Confirmed breaches and active security incidents",
	"feed.limit":             50,
}

// New returns a viper instance with defaults and environment binding set up.
// Flags are bound onto it by the caller before Load.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	bindEnv(v)
	return v
}

// Load reads the optional config file at path and decodes the merged view
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("breachscope")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/breachscope")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the services cannot run with
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.DBPath == "":
		return errors.New("db_path is required")
	case c.Ingest.BatchSize <= 0:
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	case c.Ingest.UpdateInterval < time.Minute:
		return fmt.Errorf("ingest.update_interval must be at least 1m, got %v", c.Ingest.UpdateInterval)
	case c.Workers.Email < 0 || c.Workers.SMS < 0 || c.Workers.Push < 0:
		return errors.New("worker counts cannot be negative")
	}
	return nil
}

// ConfigFileUsed reports which file, if any, was read
func ConfigFileUsed(v *viper.Viper) string {
	return v.ConfigFileUsed()
}

func (c Config) GetAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}
