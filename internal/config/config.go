// Package config provides application configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider and index names accepted by the configuration.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
	ProviderHash   = "hash"

	IndexPgvector = "pgvector"
	IndexChromem  = "chromem"
)

const maxDatabaseConns = 1000

// Config holds all application configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL is optional. Without it conversations are not persisted and only the chromem index is available.
	DatabaseURL string
	// DatabaseMaxConns caps the pgx pool; 0 keeps the pgx default.
	DatabaseMaxConns int
	// JWTSecret verifies HS256 bearer tokens. Empty means every caller is a guest.
	JWTSecret           string
	MaxRequestBodyBytes int64

	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingDimensions int
	EmbeddingCacheSize  int

	VectorIndex       string
	ChromemPath       string
	ChromemCollection string

	GenerationProvider        string
	GenerationModel           string
	GenerationAPIKey          string
	GenerationBaseURL         string
	GenerationRateLimit       float64
	GenerationMaxPromptChunks int

	QueryMaxLength        int
	QueryContextTurns     int
	QueryMaxVariants      int
	QueryExpansionEnabled bool

	EmbeddingTimeout    time.Duration
	RetrievalTimeout    time.Duration
	GenerationTimeout   time.Duration
	StageMaxRetries     int
	StageInitialBackoff time.Duration
	StageMaxBackoff     time.Duration

	ConversationMaxPerUser int

	// OtelMetricsExporter is "otlp", "prometheus" or empty (disabled).
	OtelMetricsExporter string
	// OtelTracesExporter is "otlp", "stdout" or empty (disabled).
	OtelTracesExporter string
}

// PersistenceEnabled reports whether a database is configured for conversations.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloat retrieves an environment variable as a float64 or returns a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBool retrieves an environment variable as a bool or returns a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDuration retrieves an environment variable as a time.Duration (e.g. "5s") or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// Load reads configuration from environment variables and returns a Config struct.
// It automatically loads .env file if it exists.
// GENERATION_API_KEY is required, and EMBEDDING_API_KEY is required unless EMBEDDING_PROVIDER=hash.
func Load() (*Config, error) {
	cfg := load()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadForIngest reads the same environment as Load but only validates what the corpus loader
// needs: the embedding backend and the vector index.
func LoadForIngest() (*Config, error) {
	cfg := load()

	if err := cfg.validateEmbedding(); err != nil {
		return nil, err
	}

	if err := cfg.validateIndex(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load() *Config {
	// Load .env file if it exists. Skip logging when absent (e.g. env from secrets/parameter store).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DatabaseMaxConns:    getEnvAsInt("DATABASE_MAX_CONNS", 0),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		MaxRequestBodyBytes: int64(getEnvAsInt("MAX_REQUEST_BODY_BYTES", 64*1024)),

		EmbeddingProvider:   strings.ToLower(getEnv("EMBEDDING_PROVIDER", ProviderOpenAI)),
		EmbeddingModel:      os.Getenv("EMBEDDING_MODEL"),
		EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 768),
		EmbeddingCacheSize:  getEnvAsInt("EMBEDDING_CACHE_SIZE", 0),

		VectorIndex:       strings.ToLower(getEnv("VECTOR_INDEX", IndexChromem)),
		ChromemPath:       getEnv("CHROMEM_PATH", "./data/chromem"),
		ChromemCollection: getEnv("CHROMEM_COLLECTION", "first_aid"),

		GenerationProvider:        strings.ToLower(getEnv("GENERATION_PROVIDER", ProviderOpenAI)),
		GenerationModel:           os.Getenv("GENERATION_MODEL"),
		GenerationAPIKey:          os.Getenv("GENERATION_API_KEY"),
		GenerationBaseURL:         os.Getenv("GENERATION_BASE_URL"),
		GenerationRateLimit:       getEnvAsFloat("GENERATION_RATE_LIMIT", 0),
		GenerationMaxPromptChunks: getEnvAsInt("GENERATION_MAX_PROMPT_CHUNKS", 5),

		QueryMaxLength:        getEnvAsInt("QUERY_MAX_LENGTH", 2000),
		QueryContextTurns:     getEnvAsInt("QUERY_CONTEXT_TURNS", 6),
		QueryMaxVariants:      getEnvAsInt("QUERY_MAX_VARIANTS", 3),
		QueryExpansionEnabled: getEnvAsBool("QUERY_EXPANSION_ENABLED", true),

		EmbeddingTimeout:    getEnvAsDuration("EMBEDDING_TIMEOUT", 5*time.Second),
		RetrievalTimeout:    getEnvAsDuration("RETRIEVAL_TIMEOUT", 5*time.Second),
		GenerationTimeout:   getEnvAsDuration("GENERATION_TIMEOUT", 30*time.Second),
		StageMaxRetries:     getEnvAsInt("STAGE_MAX_RETRIES", 2),
		StageInitialBackoff: getEnvAsDuration("STAGE_INITIAL_BACKOFF", 200*time.Millisecond),
		StageMaxBackoff:     getEnvAsDuration("STAGE_MAX_BACKOFF", 2*time.Second),

		ConversationMaxPerUser: getEnvAsInt("CONVERSATION_MAX_PER_USER", 10),

		OtelMetricsExporter: strings.ToLower(os.Getenv("OTEL_METRICS_EXPORTER")),
		OtelTracesExporter:  strings.ToLower(os.Getenv("OTEL_TRACES_EXPORTER")),
	}

	return cfg
}

func (c *Config) validate() error {
	for _, check := range []func() error{c.validateEmbedding, c.validateGeneration, c.validateIndex, c.validateLimits} {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateEmbedding() error {
	switch c.EmbeddingProvider {
	case ProviderOpenAI, ProviderGoogle:
		if c.EmbeddingAPIKey == "" {
			return errors.New("EMBEDDING_API_KEY environment variable is required but not set")
		}
	case ProviderHash:
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be one of openai, google, hash (got %q)", c.EmbeddingProvider)
	}

	if c.EmbeddingDimensions <= 0 {
		return errors.New("EMBEDDING_DIMENSIONS must be a positive integer")
	}

	if c.EmbeddingCacheSize < 0 {
		return errors.New("EMBEDDING_CACHE_SIZE must not be negative")
	}

	return nil
}

func (c *Config) validateGeneration() error {
	switch c.GenerationProvider {
	case ProviderOpenAI, ProviderGoogle:
	default:
		return fmt.Errorf("GENERATION_PROVIDER must be one of openai, google (got %q)", c.GenerationProvider)
	}

	if c.GenerationAPIKey == "" {
		return errors.New("GENERATION_API_KEY environment variable is required but not set")
	}

	if c.GenerationRateLimit < 0 {
		return errors.New("GENERATION_RATE_LIMIT must not be negative")
	}

	return nil
}

func (c *Config) validateIndex() error {
	switch c.VectorIndex {
	case IndexChromem:
	case IndexPgvector:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when VECTOR_INDEX=pgvector")
		}
	default:
		return fmt.Errorf("VECTOR_INDEX must be one of pgvector, chromem (got %q)", c.VectorIndex)
	}

	return nil
}

func (c *Config) validateLimits() error {
	positive := map[string]int{
		"GENERATION_MAX_PROMPT_CHUNKS": c.GenerationMaxPromptChunks,
		"QUERY_MAX_LENGTH":             c.QueryMaxLength,
		"QUERY_MAX_VARIANTS":           c.QueryMaxVariants,
		"CONVERSATION_MAX_PER_USER":    c.ConversationMaxPerUser,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
	}

	if c.DatabaseMaxConns < 0 || c.DatabaseMaxConns > maxDatabaseConns {
		return fmt.Errorf("DATABASE_MAX_CONNS must be between 0 and %d", maxDatabaseConns)
	}

	if c.QueryContextTurns < 0 {
		return errors.New("QUERY_CONTEXT_TURNS must not be negative")
	}

	if c.StageMaxRetries < 0 {
		return errors.New("STAGE_MAX_RETRIES must not be negative")
	}

	for key, value := range map[string]time.Duration{
		"EMBEDDING_TIMEOUT":  c.EmbeddingTimeout,
		"RETRIEVAL_TIMEOUT":  c.RetrievalTimeout,
		"GENERATION_TIMEOUT": c.GenerationTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}

	return nil
}
