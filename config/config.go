package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sessionlens service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	MigrationsDir string        `mapstructure:"migrations_dir"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig contains Redis settings. Redis is optional; it is only used for
// the reconciler sweep lock when multiple replicas run against one database.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig contains model backend settings. Any OpenAI-compatible endpoint
// works; base_url defaults to the public OpenAI API.
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultModel    string        `mapstructure:"default_model"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
}

// AnalysisConfig contains pipeline tuning knobs.
type AnalysisConfig struct {
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	CancelGracePeriod  time.Duration `mapstructure:"cancel_grace_period"`
	MinPromptLength    int           `mapstructure:"min_prompt_length"`
	DefaultContextSize int           `mapstructure:"default_context_size"`
	SweepCron          string        `mapstructure:"sweep_cron"`
}

// BuildPostgresDSN constructs a DSN from the storage configuration.
func (c *Config) BuildPostgresDSN() (string, error) {
	p := c.Storage.Postgres
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// LoadConfig reads configuration from the given file (or the default search
// paths when path is empty) and environment variables prefixed SESSIONLENS_.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("server.addr", ":10010")
	v.SetDefault("server.migrations_dir", "file://migrations")
	v.SetDefault("server.stream_timeout", time.Hour)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.default_model", "gpt-4o-mini")
	v.SetDefault("llm.max_output_tokens", 1024)
	v.SetDefault("analysis.job_timeout", 30*time.Minute)
	v.SetDefault("analysis.cancel_grace_period", 10*time.Minute)
	v.SetDefault("analysis.min_prompt_length", 8)
	v.SetDefault("analysis.default_context_size", 8192)
	v.SetDefault("analysis.sweep_cron", "*/5 * * * *")

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SESSIONLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// config file is optional; env and defaults are enough to boot
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
