package memory

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// VectorBackend selects which VMS head implementation to construct.
type VectorBackend string

// Supported vector backends.
const (
	VectorBackendPgvector VectorBackend = "pgvector"
	VectorBackendQdrant   VectorBackend = "qdrant"
)

// Config holds the immutable configuration for a Mira instance. It is loaded
// once at startup (see LoadConfig) and passed down to every component; no
// component mutates it afterward.
type Config struct {
	// Storage
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Vector store
	VectorBackend VectorBackend
	QdrantAddr    string
	QdrantAPIKey  string

	// Collaborators
	OpenAIKey        string
	EmbeddingModel   string
	ClassifierModel  string
	SummarizerModel  string

	// Per-head embedding dimension; all heads default to this unless
	// overridden.
	VectorDimension int

	// Message pipeline
	PipelineBatchSize  int
	PipelinePoolSize   int
	PipelinePollPeriod time.Duration
	ClaimTimeout       time.Duration
	MaxRetries         int

	// Routing thresholds (§4.3)
	SalienceSummaryThreshold float64
	EmbedMinChars            int
	AlwaysEmbedUser          bool
	AlwaysEmbedAssistant     bool

	// Recall
	DefaultRecall RecallConfig

	// Summarization & decay (§4.5)
	RollingSummaryWindow int
	DecayTauHours        float64
	SalienceFloor        float64
	EvictGraceHours       float64
	DecayTickPeriod       time.Duration
}

// LoadConfig loads configuration from the environment, optionally seeded from
// a .env file via godotenv (as tarsy and manifold both do). Defaults mirror
// the teacher's NewWithConfig default-filling, generalized to the full
// component set.
func LoadConfig(envFile string) Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{
		DatabaseURL:   os.Getenv("MIRA_DATABASE_URL"),
		RedisAddr:     os.Getenv("MIRA_REDIS_ADDR"),
		RedisPassword: os.Getenv("MIRA_REDIS_PASSWORD"),
		RedisDB:       envInt("MIRA_REDIS_DB", 0),

		VectorBackend: VectorBackend(envOr("MIRA_VECTOR_BACKEND", string(VectorBackendPgvector))),
		QdrantAddr:    envOr("MIRA_QDRANT_ADDR", "localhost:6334"),
		QdrantAPIKey:  os.Getenv("MIRA_QDRANT_API_KEY"),

		OpenAIKey:       os.Getenv("MIRA_OPENAI_KEY"),
		EmbeddingModel:  envOr("MIRA_EMBEDDING_MODEL", "text-embedding-3-small"),
		ClassifierModel: envOr("MIRA_CLASSIFIER_MODEL", "gpt-4o-mini"),
		SummarizerModel: envOr("MIRA_SUMMARIZER_MODEL", "gpt-4o-mini"),

		VectorDimension: envInt("MIRA_VECTOR_DIMENSION", 1536),

		PipelineBatchSize:  envInt("MIRA_PIPELINE_BATCH_SIZE", 32),
		PipelinePoolSize:   envInt("MIRA_PIPELINE_POOL_SIZE", 4),
		PipelinePollPeriod: envDuration("MIRA_PIPELINE_POLL_PERIOD", 500*time.Millisecond),
		ClaimTimeout:       envDuration("MIRA_CLAIM_TIMEOUT", 2*time.Minute),
		MaxRetries:         envInt("MIRA_MAX_RETRIES", 3),

		SalienceSummaryThreshold: envFloat("MIRA_SALIENCE_SUMMARY_THRESHOLD", 0.6),
		EmbedMinChars:            envInt("MIRA_EMBED_MIN_CHARS", 6),
		AlwaysEmbedUser:          envBool("MIRA_ALWAYS_EMBED_USER", false),
		AlwaysEmbedAssistant:     envBool("MIRA_ALWAYS_EMBED_ASSISTANT", false),

		DefaultRecall: DefaultRecallConfig(),

		RollingSummaryWindow: envInt("MIRA_ROLLING_SUMMARY_WINDOW", 100),
		DecayTauHours:        envFloat("MIRA_DECAY_TAU_HOURS", 24),
		SalienceFloor:        envFloat("MIRA_SALIENCE_FLOOR", 0.05),
		EvictGraceHours:      envFloat("MIRA_EVICT_GRACE_HOURS", 48),
		DecayTickPeriod:      envDuration("MIRA_DECAY_TICK_PERIOD", time.Hour),
	}

	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
