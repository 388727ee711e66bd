package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by NOESIS_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("NOESIS_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func intEnv(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func floatEnv(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func ServerPort() int {
	return intEnv("SERVER_PORT", 8080)
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// DBPoolMin and DBPoolMax bound the pgx connection pool.
func DBPoolMin() int { return intEnv("DB_POOL_MIN", 5) }
func DBPoolMax() int { return intEnv("DB_POOL_MAX", 25) }

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

// EmbeddingProvider returns the configured embedding provider.
// Defaults to "openai" if not set.
// Valid values: openai, mock
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

// EmbeddingAPIKey returns the API key for the configured embedding provider.
func EmbeddingAPIKey() string {
	switch EmbeddingProvider() {
	case "mock":
		return ""
	default:
		return OpenAIAPIKey()
	}
}

// EmbeddingDim is the vector dimensionality. The schema is created with
// it, so changing it requires a re-embed.
func EmbeddingDim() int {
	return intEnv("EMBEDDING_DIM", 384)
}

func EmbeddingCacheTTL() time.Duration {
	return time.Duration(intEnv("EMBEDDING_CACHE_TTL_SECONDS", 3600)) * time.Second
}

// DegradedOK allows startup to proceed when the embedding provider is
// unreachable; embeddings then come from the hash fallback.
func DegradedOK() bool {
	return os.Getenv("DEGRADED_OK") == "true"
}

// AdmissionNoveltyMin is the novelty floor below which new memories are
// rejected as too similar to what is already stored.
func AdmissionNoveltyMin() float64 {
	return floatEnv("ADMISSION_NOVELTY_MIN", 0.15)
}

// AdmissionDomainSaturation is the per-domain fraction above which
// low-novelty memories are rejected.
func AdmissionDomainSaturation() float64 {
	return floatEnv("ADMISSION_DOMAIN_SATURATION", 0.80)
}

func ConsolidateInterval() time.Duration {
	return time.Duration(intEnv("CONSOLIDATE_INTERVAL_HOURS", 24)) * time.Hour
}

// CognitionTimeout is the default wall-clock budget per cognition.
func CognitionTimeout() time.Duration {
	return time.Duration(intEnv("COGNITION_TIMEOUT_MS", 60000)) * time.Millisecond
}

func MaxConcurrentPerAgent() int {
	return intEnv("MAX_CONCURRENT_PER_AGENT", 10)
}

func MaxConcurrentTotal() int {
	return intEnv("MAX_CONCURRENT_TOTAL", 500)
}

func SandboxDefaultCPUSeconds() float64 {
	return floatEnv("SANDBOX_DEFAULT_CPU_SECONDS", 5)
}

func SandboxDefaultMemoryMB() int {
	return intEnv("SANDBOX_DEFAULT_MEMORY_MB", 256)
}

func InboxCapacity() int {
	return intEnv("INBOX_CAPACITY", 1000)
}

// APIKeys returns the comma-separated set of accepted API keys. Empty
// means authentication is disabled (development mode).
func APIKeys() []string {
	raw := os.Getenv("API_KEYS")
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	return floatEnv("RATE_LIMIT_RPS", 100)
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	return intEnv("RATE_LIMIT_BURST", 20)
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
