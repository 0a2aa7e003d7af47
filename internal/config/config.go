package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort    string
	DatabaseURL string
	LogLevel    string
	JWTSecret   string

	// Backend credentials and endpoints. A backend is configured when its
	// key/URL is non-empty; at least one backend must be configured.
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OllamaURL     string
	OllamaModel   string

	// Rate limiting, per principal class.
	UserBucketCapacity   int
	UserRefillPerMinute  float64
	AdminBucketCapacity  int
	AdminRefillPerMinute float64

	// Router thresholds and hysteresis.
	RouterLowRPM     float64
	RouterHighRPM    float64
	HysteresisMargin float64
	SustainTicks     int
	TickInterval     time.Duration

	// Backend execution.
	LocalMaxConcurrency int64
	CloudMaxConcurrency int64
	LocalTimeout        time.Duration
	CloudTimeout        time.Duration
	MaxRetries          int
	RetryBackoffBase    time.Duration
	UnavailableCooldown time.Duration

	// Load monitoring and history.
	LoadWindow   time.Duration
	HistoryLimit int
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "ragline.db"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaURL:     getEnv("OLLAMA_URL", ""),
		OllamaModel:   getEnv("OLLAMA_MODEL", "llama3.2"),

		UserBucketCapacity:   getEnvAsInt("RATE_LIMIT_USER_CAPACITY", 5),
		UserRefillPerMinute:  getEnvAsFloat("RATE_LIMIT_USER_REFILL_PER_MIN", 5),
		AdminBucketCapacity:  getEnvAsInt("RATE_LIMIT_ADMIN_CAPACITY", 20),
		AdminRefillPerMinute: getEnvAsFloat("RATE_LIMIT_ADMIN_REFILL_PER_MIN", 20),

		RouterLowRPM:     getEnvAsFloat("ROUTER_LOW_RPM", 10),
		RouterHighRPM:    getEnvAsFloat("ROUTER_HIGH_RPM", 50),
		HysteresisMargin: getEnvAsFloat("ROUTER_HYSTERESIS_MARGIN", 2),
		SustainTicks:     getEnvAsInt("ROUTER_SUSTAIN_TICKS", 2),
		TickInterval:     getEnvAsDuration("ROUTER_TICK_INTERVAL", 5*time.Second),

		LocalMaxConcurrency: int64(getEnvAsInt("LOCAL_MAX_CONCURRENCY", 1)),
		CloudMaxConcurrency: int64(getEnvAsInt("CLOUD_MAX_CONCURRENCY", 32)),
		LocalTimeout:        getEnvAsDuration("LOCAL_TIMEOUT", 120*time.Second),
		CloudTimeout:        getEnvAsDuration("CLOUD_TIMEOUT", 30*time.Second),
		MaxRetries:          getEnvAsInt("CLOUD_MAX_RETRIES", 2),
		RetryBackoffBase:    getEnvAsDuration("RETRY_BACKOFF_BASE", 500*time.Millisecond),
		UnavailableCooldown: getEnvAsDuration("BACKEND_COOLDOWN", 60*time.Second),

		LoadWindow:   getEnvAsDuration("LOAD_WINDOW", 60*time.Second),
		HistoryLimit: getEnvAsInt("HISTORY_LIMIT", 10),
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	if AppConfig.GeminiAPIKey == "" && AppConfig.OpenAIAPIKey == "" && AppConfig.OllamaURL == "" {
		log.Fatal("No backend configured. Set at least one of GEMINI_API_KEY, OPENAI_API_KEY or OLLAMA_URL")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
