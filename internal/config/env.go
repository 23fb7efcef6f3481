package config

import (
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration

	DBBackend   string // postgres | memory
	DatabaseURL string
	SslCertPath string
	EmbedDim    int

	ObjectStore    string // s3 | minio | memory
	AwsAccessKey   string
	AwsSecretKey   string
	AwsRegion      string
	BucketName     string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool

	AIAPIKey       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	EmbedProvider  string // gemini | openai
	EmbedModel     string
	GenModel       string
	GenTemperature float64

	EmbedCache       string // memory | redis | none
	EmbedCacheSize   int
	EmbedCacheTTL    time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	QueueBackend     string // inprocess | asynq
	IngestWorkers    int
	IngestTimeout    time.Duration
	KafkaBrokers     []string
	KafkaTopic       string
	LogLevel         string
	LogEncoding      string
	LogFile          string
	TuningFile       string
	MaxUploadBytes   int64
	MaxDocsPerUser   int
	StaleProcessing  time.Duration
	ShutdownDeadline time.Duration

	Tuning Tuning
}

// LoadConfig loads the environment (and .env when present) and returns the config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TokenTTL:       getEnvDuration("JWT_TTL", 24*time.Hour),

		DBBackend:   getEnv("DB_BACKEND", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),
		EmbedDim:    getEnvInt("EMBED_DIM", 768),

		ObjectStore:    getEnv("OBJECT_STORE", "s3"),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-2"),
		BucketName:     getEnv("BUCKET_NAME", "pdfrag-docs"),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		EmbedProvider:  getEnv("EMBED_PROVIDER", "gemini"),
		EmbedModel:     getEnv("EMBED_MODEL", "text-embedding-004"),
		GenModel:       getEnv("GEN_MODEL", "gemini-1.5-flash"),
		GenTemperature: getEnvFloat("GEN_TEMPERATURE", 0.2),

		EmbedCache:       getEnv("EMBED_CACHE", "memory"),
		EmbedCacheSize:   getEnvInt("EMBED_CACHE_SIZE", 10000),
		EmbedCacheTTL:    getEnvDuration("EMBED_CACHE_TTL", 24*time.Hour),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		QueueBackend:     getEnv("QUEUE_BACKEND", "inprocess"),
		IngestWorkers:    getEnvInt("INGEST_WORKERS", 4),
		IngestTimeout:    getEnvDuration("INGEST_JOB_TIMEOUT", 10*time.Minute),
		KafkaBrokers:     getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "pdfrag.events"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogEncoding:      getEnv("LOG_ENCODING", "json"),
		LogFile:          getEnv("LOG_FILE", ""),
		TuningFile:       getEnv("TUNING_FILE", ""),
		MaxUploadBytes:   int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		MaxDocsPerUser:   getEnvInt("MAX_DOCUMENTS_PER_USER", 50),
		StaleProcessing:  getEnvDuration("STALE_PROCESSING_AFTER", 30*time.Minute),
		ShutdownDeadline: getEnvDuration("SHUTDOWN_DEADLINE", 30*time.Second),

		Tuning: DefaultTuning(),
	}

	if cfg.TuningFile != "" {
		if err := cfg.Tuning.LoadFile(cfg.TuningFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the process cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if c.DBBackend == "postgres" && c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL not set")
	}
	if c.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET not set")
	}
	// generation always runs on Gemini
	if c.AIAPIKey == "" {
		problems = append(problems, "GEMINI_API_KEY not set")
	}
	switch c.EmbedProvider {
	case "gemini":
	case "openai":
		if c.OpenAIAPIKey == "" {
			problems = append(problems, "OPENAI_API_KEY not set")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown EMBED_PROVIDER %q", c.EmbedProvider))
	}
	problems = append(problems, oneOf("DB_BACKEND", c.DBBackend, "postgres", "memory")...)
	problems = append(problems, oneOf("OBJECT_STORE", c.ObjectStore, "s3", "minio", "memory")...)
	problems = append(problems, oneOf("EMBED_CACHE", c.EmbedCache, "memory", "redis", "none")...)
	problems = append(problems, oneOf("QUEUE_BACKEND", c.QueueBackend, "inprocess", "asynq")...)
	if c.EmbedDim <= 0 {
		problems = append(problems, "EMBED_DIM must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		problems = append(problems, "MAX_UPLOAD_BYTES must be positive")
	}
	if err := c.Tuning.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(key, value string, allowed ...string) []string {
	if slices.Contains(allowed, value) {
		return nil
	}
	return []string{fmt.Sprintf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)}
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a number, using default %g", key, v, def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
