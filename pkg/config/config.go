package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway configuration. Load fills it from RELAY_* environment
// variables; with nothing set the gateway boots self-contained on a local
// sqlite file and an in-process policy engine.
type Config struct {
	// HTTP surface.
	HTTPAddr       string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	MaxInFlight    int
	RateLimitRPS   float64
	RateLimitBurst int
	RedisURL       string
	CORSOrigins    []string
	AuthRequired   bool

	// Audit ledger database. Empty DatabaseURL selects lite mode.
	DatabaseURL string
	DBMaxOpen   int
	DBMaxIdle   int

	// Policy engine.
	PolicyBackend string
	OPAURL        string
	PolicyPath    string
	PolicyName    string
	PolicySource  string
	PolicyWASM    string
	EvalTimeout   time.Duration

	// Seals and bearer tokens.
	SealTTL    time.Duration
	SealSkew   time.Duration
	SigningKey string
	TokenKey   string
	TokenTTL   time.Duration

	// Policy artifact store.
	ArtifactsBackend string
	ArtifactsDir     string
	ArtifactsBucket  string

	// Observability.
	OTLPEndpoint string
	LogLevel     string
	Env          string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPAddr:       getEnv("RELAY_HTTP_ADDR", ":8000"),
		RequestTimeout: getDuration("RELAY_REQUEST_TIMEOUT", 5*time.Second),
		MaxBodyBytes:   getInt64("RELAY_MAX_BODY_BYTES", 256<<10),
		MaxInFlight:    getInt("RELAY_MAX_INFLIGHT", 256),
		RateLimitRPS:   getFloat("RELAY_RATE_LIMIT_RPS", 50),
		RateLimitBurst: getInt("RELAY_RATE_LIMIT_BURST", 100),
		RedisURL:       os.Getenv("RELAY_REDIS_URL"),
		CORSOrigins:    splitList(getEnv("RELAY_CORS_ORIGINS", "*")),
		AuthRequired:   getBool("RELAY_AUTH_REQUIRED", false),

		DatabaseURL: os.Getenv("RELAY_DATABASE_URL"),
		DBMaxOpen:   getInt("RELAY_DB_MAX_OPEN", 20),
		DBMaxIdle:   getInt("RELAY_DB_MAX_IDLE", 10),

		PolicyBackend: getEnv("RELAY_POLICY_BACKEND", "opa"),
		OPAURL:        getEnv("RELAY_OPA_URL", "http://localhost:8181"),
		PolicyPath:    getEnv("RELAY_POLICY_PATH", "relay/policies/main"),
		PolicyName:    getEnv("RELAY_POLICY_NAME", "relay"),
		PolicySource:  os.Getenv("RELAY_POLICY_SOURCE"),
		PolicyWASM:    os.Getenv("RELAY_POLICY_WASM"),
		EvalTimeout:   getDuration("RELAY_EVAL_TIMEOUT", 2*time.Second),

		SealTTL:    getDuration("RELAY_SEAL_TTL", 5*time.Minute),
		SealSkew:   getDuration("RELAY_SEAL_SKEW", 0),
		SigningKey: getEnv("RELAY_SIGNING_KEY", "data/root.key"),
		TokenKey:   getEnv("RELAY_TOKEN_KEY", "data/token.key"),
		TokenTTL:   getDuration("RELAY_TOKEN_TTL", time.Hour),

		ArtifactsBackend: getEnv("RELAY_ARTIFACTS_BACKEND", "fs"),
		ArtifactsDir:     getEnv("RELAY_ARTIFACTS_DIR", "data/artifacts"),
		ArtifactsBucket:  os.Getenv("RELAY_ARTIFACTS_BUCKET"),

		OTLPEndpoint: os.Getenv("RELAY_OTLP_ENDPOINT"),
		LogLevel:     getEnv("RELAY_LOG_LEVEL", "info"),
		Env:          getEnv("RELAY_ENV", "development"),
	}
}

// LiteMode reports whether the gateway runs without an external database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Production reports whether the deployment env tightens key handling:
// missing key files are a boot failure instead of being generated.
func (c *Config) Production() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
