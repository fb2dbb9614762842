// Package config provides configuration management for Mnemosyne.
// It loads settings from environment variables with the MNEMOSYNE_ prefix
// and provides sensible defaults for all configuration options.
//
// All numeric constants here (confidence boosts, thresholds, weight vectors)
// are calibration defaults, not fixed truths; operators are expected to tune
// them. Components receive an explicit Config at construction and never read
// ambient state.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration settings for the Mnemosyne engine.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Resolver  ResolverConfig
	Lifecycle LifecycleConfig
	Retrieval RetrievalConfig
	Reasoner  ReasonerConfig
	Embedding EmbeddingConfig
	Authority AuthorityConfig
}

// ServerConfig contains HTTP server configuration for the reference surface.
type ServerConfig struct {
	Port int    // Server port (default: 7474)
	Host string // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string // Path to data directory for SQLite (default: ./data)
	PostgresDSN string // Postgres DSN when Engine is postgres
}

// ResolverConfig tunes the escalating resolution pipeline.
type ResolverConfig struct {
	// FuzzyThreshold is the minimum string similarity for an approximate
	// match to be considered (default: 0.70).
	FuzzyThreshold float64

	// FuzzyMargin is the required lead over the runner-up for a fuzzy match
	// to be auto-accepted instead of escalating (default: 0.10).
	FuzzyMargin float64

	// ScopedAliasConfidence is the confidence assigned to scoped alias hits
	// (default: 0.95).
	ScopedAliasConfidence float64

	// ReasonerConfidenceCap bounds any reasoner-stage answer below exact and
	// scoped levels (default: 0.90).
	ReasonerConfidenceCap float64

	// ReasonerMinConfidence is the floor below which a reasoner answer is
	// not auto-trusted and flows into disambiguation (default: 0.60).
	ReasonerMinConfidence float64

	// DisambiguationConfidence is assigned to aliases learned from an
	// explicit actor choice (default: 0.85).
	DisambiguationConfidence float64

	// DiscoveryConfidence is assigned to aliases materialized from an
	// authoritative-store hit (default: 0.82).
	DiscoveryConfidence float64

	// ContextWindow is the number of recent mentions consulted for
	// coreference (default: 10).
	ContextWindow int

	// AliasConfidenceStep bounds per-use alias confidence growth
	// (default: 0.02, toward a 0.99 asymptote).
	AliasConfidenceStep float64

	// CacheSize is the ristretto hot-mention cache budget in entries
	// (default: 8192). Zero disables the cache.
	CacheSize int64
}

// LifecycleConfig tunes the fact state machine.
type LifecycleConfig struct {
	// DecayRate is the per-day exponential decay applied to stored
	// confidence at read time (default: 0.005).
	DecayRate float64

	// AgingThresholdDays is the validation age beyond which a weakly
	// reinforced fact reads as aging (default: 90).
	AgingThresholdDays int

	// AgingMinReinforcement exempts facts reinforced at least this many
	// times from aging (default: 2).
	AgingMinReinforcement int

	// ConfidenceMargin is the material difference required for the
	// higher-confidence fact to win a conflict outright (default: 0.3).
	ConfidenceMargin float64

	// RecencyWindow is how fresh the newer fact must be to win a conflict
	// on recency (default: 7 days).
	RecencyWindow time.Duration

	// FirstBoost is the confidence gain of the first reinforcement;
	// successive boosts shrink geometrically by BoostDecay
	// (defaults: 0.10, 0.5).
	FirstBoost float64
	BoostDecay float64
}

// RetrievalConfig tunes candidate generation and ranking.
type RetrievalConfig struct {
	// TopK is the default result bound for ranked recall (default: 10).
	TopK int

	// SourceLimit is the per-source candidate cap before dedup (default: 50).
	SourceLimit int

	// RecencyWindow bounds the recency-windowed retrieval source
	// (default: 72h).
	RecencyWindow time.Duration

	// FactHalfLife and EpisodeHalfLife set the age at which the temporal
	// ranking signal halves, per memory kind. Episodic memories go stale
	// faster than facts (defaults: 168h, 48h).
	FactHalfLife    time.Duration
	EpisodeHalfLife time.Duration

	// StrategiesPath optionally points to a YAML file of ranking weight
	// strategies that overrides the built-in defaults and is hot-reloaded
	// on change.
	StrategiesPath string
}

// ReasonerConfig configures the external reasoning capability client.
type ReasonerConfig struct {
	Provider string        // ollama or openai-compatible (default: ollama)
	BaseURL  string        // API base URL (default: http://localhost:11434)
	Model    string        // Model name (default: qwen2.5:7b)
	APIKey   string        // API key for openai-compatible providers
	Timeout  time.Duration // Per-call timeout (default: 5s)
}

// EmbeddingConfig configures the embedding provider client.
type EmbeddingConfig struct {
	BaseURL   string        // API base URL (default: http://localhost:11434)
	Model     string        // Embedding model name (default: nomic-embed-text)
	Timeout   time.Duration // Per-call timeout (default: 5s)
	CacheSize int           // Content-hash LRU cache entries (default: 4096)
	RPS       float64       // Rate limit in requests/second (default: 20)
}

// AuthorityConfig configures the authoritative record store client.
type AuthorityConfig struct {
	BaseURL string        // Record store base URL; empty disables lookups
	APIKey  string        // Bearer token
	Timeout time.Duration // Per-call timeout (default: 3s)
}

// Load builds a Config from environment variables and defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("MNEMOSYNE_PORT", 7474),
			Host: getEnv("MNEMOSYNE_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:      getEnv("MNEMOSYNE_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("MNEMOSYNE_DATA_PATH", "./data"),
			PostgresDSN: getEnv("MNEMOSYNE_POSTGRES_DSN", ""),
		},
		Resolver: ResolverConfig{
			FuzzyThreshold:           getEnvFloat("MNEMOSYNE_FUZZY_THRESHOLD", 0.70),
			FuzzyMargin:              getEnvFloat("MNEMOSYNE_FUZZY_MARGIN", 0.10),
			ScopedAliasConfidence:    getEnvFloat("MNEMOSYNE_SCOPED_ALIAS_CONFIDENCE", 0.95),
			ReasonerConfidenceCap:    getEnvFloat("MNEMOSYNE_REASONER_CONFIDENCE_CAP", 0.90),
			ReasonerMinConfidence:    getEnvFloat("MNEMOSYNE_REASONER_MIN_CONFIDENCE", 0.60),
			DisambiguationConfidence: getEnvFloat("MNEMOSYNE_DISAMBIGUATION_CONFIDENCE", 0.85),
			DiscoveryConfidence:      getEnvFloat("MNEMOSYNE_DISCOVERY_CONFIDENCE", 0.82),
			ContextWindow:            getEnvInt("MNEMOSYNE_CONTEXT_WINDOW", 10),
			AliasConfidenceStep:      getEnvFloat("MNEMOSYNE_ALIAS_CONFIDENCE_STEP", 0.02),
			CacheSize:                int64(getEnvInt("MNEMOSYNE_RESOLVER_CACHE_SIZE", 8192)),
		},
		Lifecycle: LifecycleConfig{
			DecayRate:             getEnvFloat("MNEMOSYNE_DECAY_RATE", 0.005),
			AgingThresholdDays:    getEnvInt("MNEMOSYNE_AGING_THRESHOLD_DAYS", 90),
			AgingMinReinforcement: getEnvInt("MNEMOSYNE_AGING_MIN_REINFORCEMENT", 2),
			ConfidenceMargin:      getEnvFloat("MNEMOSYNE_CONFIDENCE_MARGIN", 0.3),
			RecencyWindow:         getEnvDuration("MNEMOSYNE_RECENCY_WINDOW", 7*24*time.Hour),
			FirstBoost:            getEnvFloat("MNEMOSYNE_FIRST_BOOST", 0.10),
			BoostDecay:            getEnvFloat("MNEMOSYNE_BOOST_DECAY", 0.5),
		},
		Retrieval: RetrievalConfig{
			TopK:            getEnvInt("MNEMOSYNE_TOP_K", 10),
			SourceLimit:     getEnvInt("MNEMOSYNE_SOURCE_LIMIT", 50),
			RecencyWindow:   getEnvDuration("MNEMOSYNE_RETRIEVAL_RECENCY_WINDOW", 72*time.Hour),
			FactHalfLife:    getEnvDuration("MNEMOSYNE_FACT_HALF_LIFE", 7*24*time.Hour),
			EpisodeHalfLife: getEnvDuration("MNEMOSYNE_EPISODE_HALF_LIFE", 48*time.Hour),
			StrategiesPath:  getEnv("MNEMOSYNE_STRATEGIES_PATH", ""),
		},
		Reasoner: ReasonerConfig{
			Provider: getEnv("MNEMOSYNE_REASONER_PROVIDER", "ollama"),
			BaseURL:  getEnv("MNEMOSYNE_REASONER_URL", "http://localhost:11434"),
			Model:    getEnv("MNEMOSYNE_REASONER_MODEL", "qwen2.5:7b"),
			APIKey:   getEnv("MNEMOSYNE_REASONER_API_KEY", ""),
			Timeout:  getEnvDuration("MNEMOSYNE_REASONER_TIMEOUT", 5*time.Second),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   getEnv("MNEMOSYNE_EMBEDDING_URL", "http://localhost:11434"),
			Model:     getEnv("MNEMOSYNE_EMBEDDING_MODEL", "nomic-embed-text"),
			Timeout:   getEnvDuration("MNEMOSYNE_EMBEDDING_TIMEOUT", 5*time.Second),
			CacheSize: getEnvInt("MNEMOSYNE_EMBEDDING_CACHE_SIZE", 4096),
			RPS:       getEnvFloat("MNEMOSYNE_EMBEDDING_RPS", 20),
		},
		Authority: AuthorityConfig{
			BaseURL: getEnv("MNEMOSYNE_AUTHORITY_URL", ""),
			APIKey:  getEnv("MNEMOSYNE_AUTHORITY_API_KEY", ""),
			Timeout: getEnvDuration("MNEMOSYNE_AUTHORITY_TIMEOUT", 3*time.Second),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("5s", "72h") or
// returns a default value. Unparseable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
