package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Sources   SourcesConfig
	Scoring   ScoringConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig selects the logger mode: "development", "production"
type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig selects the persistence backend.
// A non-empty URL means PostgreSQL; otherwise the embedded SQLite file is used.
type DatabaseConfig struct {
	URL           string        `mapstructure:"url"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	MaxIdleConns  int           `mapstructure:"max_idle_conns"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// ProviderConfig holds the credentials of one language-model provider
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// SearchConfig holds web search client configuration
type SearchConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
	Rate       int    `mapstructure:"rate"` // requests per minute
}

// CatalogConfig points at a static manufacturer catalog file
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// SourcesConfig holds adapter configuration
type SourcesConfig struct {
	Timeout        time.Duration  `mapstructure:"timeout"`
	MaxConcurrency int            `mapstructure:"max_concurrency"`
	OpenAI         ProviderConfig `mapstructure:"openai"`
	Groq           ProviderConfig `mapstructure:"groq"`
	Anthropic      ProviderConfig `mapstructure:"anthropic"`
	Gemini         ProviderConfig `mapstructure:"gemini"`
	Search         SearchConfig   `mapstructure:"search"`
	Catalog        CatalogConfig  `mapstructure:"catalog"`
}

// ScoringConfig holds confidence scoring configuration
type ScoringConfig struct {
	TableFile             string `mapstructure:"table_file"`
	Increment             int    `mapstructure:"increment"`
	MinReportedConfidence int    `mapstructure:"min_reported_confidence"`
}

// CacheConfig holds cache-related configuration
type CacheConfig struct {
	Type     string        `mapstructure:"type"` // "memory" or "redis"
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	PerIP int `mapstructure:"per_ip"` // requests per minute
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pharmalens/")

	v.SetEnvPrefix("PHARMALENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// DATABASE_URL is honoured for compatibility with existing deployments
	_ = v.BindEnv("database.url", "PHARMALENS_DATABASE_URL", "DATABASE_URL")

	// Read config file (optional - will use env vars if file doesn't exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads a .env file from the working directory if present.
// Variables already set in the environment win.
func loadEnvFile() error {
	err := godotenv.Load()
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})

	v.SetDefault("log.mode", "development")

	v.SetDefault("database.sqlite_path", "./data/pharmalens.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.slow_threshold", "1s")

	v.SetDefault("sources.timeout", "20s")
	v.SetDefault("sources.max_concurrency", 4)
	v.SetDefault("sources.openai.model", "gpt-4o")
	v.SetDefault("sources.openai.api_key", "")
	v.SetDefault("sources.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("sources.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("sources.groq.api_key", "")
	v.SetDefault("sources.anthropic.model", "claude-3-5-sonnet-latest")
	v.SetDefault("sources.anthropic.api_key", "")
	v.SetDefault("sources.gemini.model", "gemini-1.5-flash")
	v.SetDefault("sources.gemini.api_key", "")
	v.SetDefault("sources.search.base_url", "")
	v.SetDefault("sources.search.api_key", "")
	v.SetDefault("sources.search.max_results", 10)
	v.SetDefault("sources.search.rate", 30)
	v.SetDefault("sources.catalog.path", "")

	v.SetDefault("scoring.table_file", "")
	v.SetDefault("scoring.increment", 10)
	v.SetDefault("scoring.min_reported_confidence", 50)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "1h")

	v.SetDefault("ratelimit.per_ip", 60)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Database.URL == "" && config.Database.SQLitePath == "" {
		return fmt.Errorf("either database.url or database.sqlite_path must be set")
	}

	if config.Sources.Timeout <= 0 {
		return fmt.Errorf("sources.timeout must be positive, got: %s", config.Sources.Timeout)
	}

	if config.Sources.MaxConcurrency < 1 {
		return fmt.Errorf("sources.max_concurrency must be at least 1, got: %d", config.Sources.MaxConcurrency)
	}

	if config.Scoring.Increment < 0 || config.Scoring.Increment > 100 {
		return fmt.Errorf("scoring.increment must be within 0-100, got: %d", config.Scoring.Increment)
	}

	if config.Cache.Type != "memory" && config.Cache.Type != "redis" {
		return fmt.Errorf("cache type must be 'memory' or 'redis', got: %s", config.Cache.Type)
	}

	if config.Cache.Type == "redis" && config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required when cache type is 'redis'")
	}

	return nil
}
