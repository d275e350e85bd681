package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	GO_ENV       string
	DB_DRIVER    string // "postgres" or "sqlite"
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	SQLITE_PATH  string
	PORT         int

	// HTTP surface
	ALLOWED_ORIGINS     string
	RATE_LIMIT_REQUESTS int
	SSE_KEEPALIVE       time.Duration

	// Redis (optional, enables shared cache, job locks and pub/sub)
	REDIS_URL string

	// OCR backends
	OCR_PROVIDER          string // "http" or "vision"
	OCR_FALLBACK_PROVIDER string
	OCR_SERVICE_URL       string

	// Language model backends
	LLM_PROVIDER          string // "digitalocean", "openai", "anthropic", "ollama", "vertex"
	LLM_FALLBACK_PROVIDER string
	LLM_MODEL             string
	LLM_FALLBACK_MODEL    string
	LLM_API_KEY           string
	LLM_BASE_URL          string
	OPENAI_API_KEY        string
	ANTHROPIC_API_KEY     string
	OLLAMA_HOST           string
	GCP_PROJECT           string
	GCP_REGION            string

	// Raw upload storage
	BLOB_PROVIDER      string // "local" or "spaces"
	BLOB_DIR           string
	DO_SPACES_KEY      string
	DO_SPACES_SECRET   string
	DO_SPACES_BUCKET   string
	DO_SPACES_REGION   string
	DO_SPACES_ENDPOINT string

	// Pipeline tuning
	EXTRACTION_WORKERS      int
	PIPELINE_MAX_CONCURRENT int
	GRADING_BATCH_SIZE      int
	CACHE_MAX_ENTRIES       int
	MAX_UPLOAD_MB           int
	EXTRACTION_CACHE_TTL    time.Duration
	CLASSIFIER_CACHE_TTL    time.Duration
	MODEL_CALL_TIMEOUT      time.Duration
	EXTRACTION_CALL_TIMEOUT time.Duration
	MAX_ATTEMPTS            int
	BREAKER_FAILURES        int
	BREAKER_COOLDOWN        time.Duration
	MODEL_RPS               float64
	STALE_JOB_AFTER         time.Duration
	CRON_ENABLED            bool
}

func Get() (*EnviornmentVariable, error) {
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_DRIVER:    getString("DB_DRIVER", "postgres"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  getString("DB_SSL_MODE", "disable"),
		SQLITE_PATH:  getString("SQLITE_PATH", "grader.db"),
		PORT:         getInt("PORT", 8080),

		ALLOWED_ORIGINS:     getString("ALLOWED_ORIGINS", "http://localhost:3000"),
		RATE_LIMIT_REQUESTS: getInt("RATE_LIMIT_REQUESTS", 120),
		SSE_KEEPALIVE:       getDuration("SSE_KEEPALIVE", 15*time.Second),

		REDIS_URL: os.Getenv("REDIS_URL"),

		OCR_PROVIDER:          getString("OCR_PROVIDER", "http"),
		OCR_FALLBACK_PROVIDER: os.Getenv("OCR_FALLBACK_PROVIDER"),
		OCR_SERVICE_URL:       getString("OCR_SERVICE_URL", "http://127.0.0.1:8081"),

		LLM_PROVIDER:          getString("LLM_PROVIDER", "digitalocean"),
		LLM_FALLBACK_PROVIDER: os.Getenv("LLM_FALLBACK_PROVIDER"),
		LLM_MODEL:             os.Getenv("LLM_MODEL"),
		LLM_FALLBACK_MODEL:    os.Getenv("LLM_FALLBACK_MODEL"),
		LLM_API_KEY:           os.Getenv("LLM_API_KEY"),
		LLM_BASE_URL:          os.Getenv("LLM_BASE_URL"),
		OPENAI_API_KEY:        os.Getenv("OPENAI_API_KEY"),
		ANTHROPIC_API_KEY:     os.Getenv("ANTHROPIC_API_KEY"),
		OLLAMA_HOST:           getString("OLLAMA_HOST", "http://localhost:11434"),
		GCP_PROJECT:           os.Getenv("GCP_PROJECT"),
		GCP_REGION:            getString("GCP_REGION", "us-central1"),

		BLOB_PROVIDER:      getString("BLOB_PROVIDER", "local"),
		BLOB_DIR:           getString("BLOB_DIR", "uploads"),
		DO_SPACES_KEY:      os.Getenv("DO_SPACES_KEY"),
		DO_SPACES_SECRET:   os.Getenv("DO_SPACES_SECRET"),
		DO_SPACES_BUCKET:   os.Getenv("DO_SPACES_BUCKET"),
		DO_SPACES_REGION:   getString("DO_SPACES_REGION", "nyc3"),
		DO_SPACES_ENDPOINT: getString("DO_SPACES_ENDPOINT", "nyc3.digitaloceanspaces.com"),

		EXTRACTION_WORKERS:      getInt("EXTRACTION_WORKERS", 4),
		PIPELINE_MAX_CONCURRENT: getInt("PIPELINE_MAX_CONCURRENT", 3),
		GRADING_BATCH_SIZE:      getInt("GRADING_BATCH_SIZE", 4),
		CACHE_MAX_ENTRIES:       getInt("CACHE_MAX_ENTRIES", 512),
		MAX_UPLOAD_MB:           getInt("MAX_UPLOAD_MB", 25),
		EXTRACTION_CACHE_TTL:    getDuration("EXTRACTION_CACHE_TTL", 24*time.Hour),
		CLASSIFIER_CACHE_TTL:    getDuration("CLASSIFIER_CACHE_TTL", 6*time.Hour),
		MODEL_CALL_TIMEOUT:      getDuration("MODEL_CALL_TIMEOUT", 45*time.Second),
		EXTRACTION_CALL_TIMEOUT: getDuration("EXTRACTION_CALL_TIMEOUT", 90*time.Second),
		MAX_ATTEMPTS:            getInt("MAX_ATTEMPTS", 3),
		BREAKER_FAILURES:        getInt("BREAKER_FAILURES", 5),
		BREAKER_COOLDOWN:        getDuration("BREAKER_COOLDOWN", 30*time.Second),
		MODEL_RPS:               getFloat("MODEL_RPS", 2),
		STALE_JOB_AFTER:         getDuration("STALE_JOB_AFTER", 30*time.Minute),
		CRON_ENABLED:            os.Getenv("CRON_ENABLED") != "false", // Default to enabled
	}

	return envVariables, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
