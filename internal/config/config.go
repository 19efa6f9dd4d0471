// Package config handles loading and validating configuration from environment variables
// and the optional YAML policy file.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the governance layer.
type Config struct {
	// Server
	Port     string `env:"GOVERNOR_PORT,default=8080"`
	LogLevel string `env:"GOVERNOR_LOG_LEVEL,default=info"`

	// API keys
	AdminAPIKey string `env:"GOVERNOR_ADMIN_API_KEY"` // Required for /api/v1 endpoints; empty = disabled
	QueryAPIKey string `env:"GOVERNOR_QUERY_API_KEY"` // Required for /v1/query; empty = disabled

	// Policy file with route profiles and pricing
	PolicyFile string `env:"GOVERNOR_POLICY_FILE"`

	// Database
	DBHost     string `env:"POSTGRES_HOST,default=localhost"`
	DBPort     int    `env:"POSTGRES_PORT,default=5432"`
	DBName     string `env:"POSTGRES_DB,default=opencloudops"`
	DBUser     string `env:"POSTGRES_USER,default=oco_user"`
	DBPassword string `env:"POSTGRES_PASSWORD"`
	DBSSLMode  string `env:"POSTGRES_SSLMODE,default=disable"`

	// Redis
	RedisHost     string `env:"REDIS_HOST,default=localhost"`
	RedisPort     int    `env:"REDIS_PORT,default=6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisChannel  string `env:"GOVERNOR_REDIS_CHANNEL,default=governor:blackboard"`

	// Provider API Keys (passed through, never stored)
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	GeminiKey    string `env:"GOOGLE_API_KEY"`

	// Embedding provider
	EmbeddingURL    string `env:"GOVERNOR_EMBEDDING_URL"`
	EmbeddingModel  string `env:"GOVERNOR_EMBEDDING_MODEL,default=text-embedding-3-small"`
	EmbeddingAPIKey string `env:"GOVERNOR_EMBEDDING_API_KEY"`

	// Semantic cache
	SimilarityThreshold float64 `env:"GOVERNOR_SIMILARITY_THRESHOLD,default=0.95"`
	MaxCacheSize        int     `env:"GOVERNOR_MAX_CACHE_SIZE,default=1000"`
	EmbeddingDimension  int     `env:"GOVERNOR_EMBEDDING_DIMENSION,default=1536"`
	CacheBackend        string  `env:"GOVERNOR_CACHE_BACKEND,default=memory"` // memory | pgvector

	// Cost ledger
	DailyBudget   float64 `env:"GOVERNOR_DAILY_BUDGET,default=100"`
	MonthlyBudget float64 `env:"GOVERNOR_MONTHLY_BUDGET,default=3000"`
	RetentionDays int     `env:"GOVERNOR_RETENTION_DAYS,default=30"`

	// Drift monitor
	BinCount    int     `env:"GOVERNOR_DRIFT_BIN_COUNT,default=10"`
	KSAlpha     float64 `env:"GOVERNOR_DRIFT_KS_ALPHA,default=0.05"`
	DriftWindow int     `env:"GOVERNOR_DRIFT_WINDOW,default=1000"`

	// Router
	RoutingStrategy string `env:"GOVERNOR_ROUTING_STRATEGY,default=cost_optimized"`

	// Blackboard
	RetentionHours int           `env:"GOVERNOR_BLACKBOARD_RETENTION_HOURS,default=24"`
	AgentIdleAfter time.Duration `env:"GOVERNOR_AGENT_IDLE_AFTER,default=5m"`

	// Rate limiter default profile
	DefaultCapacity   int     `env:"GOVERNOR_RATE_CAPACITY,default=60"`
	DefaultRefillRate float64 `env:"GOVERNOR_RATE_REFILL_PER_SEC,default=1"`

	// Background maintenance
	BucketGCInterval       time.Duration `env:"GOVERNOR_BUCKET_GC_INTERVAL,default=1m"`
	LedgerPruneInterval    time.Duration `env:"GOVERNOR_LEDGER_PRUNE_INTERVAL,default=1h"`
	BlackboardCleanupEvery time.Duration `env:"GOVERNOR_BLACKBOARD_CLEANUP_INTERVAL,default=10m"`
	DriftCheckInterval     time.Duration `env:"GOVERNOR_DRIFT_CHECK_INTERVAL,default=5m"`
}

// Load reads configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration from the given lookuper and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: GOVERNOR_PORT is required")
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("config: GOVERNOR_SIMILARITY_THRESHOLD must be within [-1, 1], got %v", c.SimilarityThreshold)
	}
	if c.MaxCacheSize <= 0 {
		return fmt.Errorf("config: GOVERNOR_MAX_CACHE_SIZE must be positive, got %d", c.MaxCacheSize)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("config: GOVERNOR_EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	switch c.CacheBackend {
	case "memory", "pgvector":
	default:
		return fmt.Errorf("config: unknown GOVERNOR_CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.KSAlpha <= 0 || c.KSAlpha >= 1 {
		return fmt.Errorf("config: GOVERNOR_DRIFT_KS_ALPHA must be within (0, 1), got %v", c.KSAlpha)
	}
	if c.BinCount < 2 {
		return fmt.Errorf("config: GOVERNOR_DRIFT_BIN_COUNT must be at least 2, got %d", c.BinCount)
	}
	switch c.RoutingStrategy {
	case "cost_optimized", "quality_first", "latency_optimized", "adaptive":
	default:
		return fmt.Errorf("config: unknown GOVERNOR_ROUTING_STRATEGY %q", c.RoutingStrategy)
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("config: GOVERNOR_BLACKBOARD_RETENTION_HOURS must be positive, got %d", c.RetentionHours)
	}
	if c.DefaultCapacity <= 0 || c.DefaultRefillRate <= 0 {
		return fmt.Errorf("config: default rate profile needs positive capacity and refill rate")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
