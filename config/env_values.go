package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"branchtalk-ai/internal/constants"
)

const (
	StorageBackendMongoDB  = "mongodb"
	StorageBackendPostgres = "postgres"
)

type Environment struct {
	// Server configs
	IsDocker          bool
	Port              string
	Environment       string
	CorsAllowedOrigin string

	// Auth configs
	JWTSecret                        string
	JWTExpirationMilliseconds        int
	JWTRefreshExpirationMilliseconds int

	// Storage configs
	StorageBackend    string
	MongoURI          string
	MongoDatabaseName string
	PostgresDSN       string

	// Redis configs
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string

	// LLM configs
	DefaultLLMClient   string
	FallbackLLMClients []string
	TokenBudget        int

	// OpenAI configs
	OpenAIAPIKey              string
	OpenAIModel               string
	OpenAIMaxCompletionTokens int
	OpenAITemperature         float64

	// Gemini configs
	GeminiAPIKey          string
	GeminiModel           string
	GeminiMaxOutputTokens int
	GeminiTemperature     float64
}

var Env Environment

// LoadEnv loads environment variables from .env file if present
// and validates required variables
func LoadEnv() error {
	// Check if running in Docker
	Env.IsDocker = os.Getenv("IS_DOCKER") == "true"

	// Load .env file only if not running in Docker
	if !Env.IsDocker {
		if err := godotenv.Load(); err != nil {
			fmt.Printf("Warning: .env file not found: %v\n", err)
		}
	}

	// Server configs
	Env.Port = getEnvWithDefault("PORT", "3000")
	Env.Environment = getEnvWithDefault("ENVIRONMENT", "DEVELOPMENT")
	Env.CorsAllowedOrigin = getEnvWithDefault("CORS_ALLOWED_ORIGIN", "http://localhost:5173")

	// Auth configs
	Env.JWTSecret = getRequiredEnv("JWT_SECRET", "branchtalk_jwt_secret")
	Env.JWTExpirationMilliseconds = getIntEnvWithDefault("JWT_EXPIRATION_MILLISECONDS", 1000*60*60*24*10)                 // 10 days default
	Env.JWTRefreshExpirationMilliseconds = getIntEnvWithDefault("JWT_REFRESH_EXPIRATION_MILLISECONDS", 1000*60*60*24*30) // 30 days default

	// Storage configs
	Env.StorageBackend = getEnvWithDefault("STORAGE_BACKEND", StorageBackendMongoDB)
	Env.MongoURI = getRequiredEnv("BRANCHTALK_MONGODB_URI", "mongodb://localhost:27017/branchtalk")
	Env.MongoDatabaseName = getRequiredEnv("BRANCHTALK_MONGODB_NAME", "branchtalk")
	Env.PostgresDSN = getEnvWithDefault("BRANCHTALK_POSTGRES_DSN", "host=localhost user=branchtalk password=branchtalk dbname=branchtalk port=5432 sslmode=disable")

	// Redis configs
	Env.RedisHost = getRequiredEnv("BRANCHTALK_REDIS_HOST", "localhost")
	Env.RedisPort = getRequiredEnv("BRANCHTALK_REDIS_PORT", "6379")
	Env.RedisUsername = getRequiredEnv("BRANCHTALK_REDIS_USERNAME", "branchtalk")
	Env.RedisPassword = getRequiredEnv("BRANCHTALK_REDIS_PASSWORD", "branchtalk")

	// LLM configs
	Env.DefaultLLMClient = getEnvWithDefault("DEFAULT_LLM_CLIENT", constants.OpenAI)
	Env.FallbackLLMClients = splitList(getEnvWithDefault("FALLBACK_LLM_CLIENTS", constants.Gemini))
	Env.TokenBudget = getIntEnvWithDefault("TOKEN_BUDGET", constants.DefaultTokenBudget)

	// OpenAI configs
	Env.OpenAIAPIKey = getRequiredEnv("OPENAI_API_KEY", "")
	Env.OpenAIModel = getEnvWithDefault("OPENAI_MODEL", constants.OpenAIModel)
	Env.OpenAIMaxCompletionTokens = getIntEnvWithDefault("OPENAI_MAX_COMPLETION_TOKENS", constants.OpenAIMaxCompletionTokens)
	Env.OpenAITemperature = getFloatEnvWithDefault("OPENAI_TEMPERATURE", constants.OpenAITemperature)

	// Gemini configs
	Env.GeminiAPIKey = getRequiredEnv("GEMINI_API_KEY", "")
	Env.GeminiModel = getEnvWithDefault("GEMINI_MODEL", constants.GeminiModel)
	Env.GeminiMaxOutputTokens = getIntEnvWithDefault("GEMINI_MAX_OUTPUT_TOKENS", constants.GeminiMaxOutputTokens)
	Env.GeminiTemperature = getFloatEnvWithDefault("GEMINI_TEMPERATURE", constants.GeminiTemperature)

	return validateConfig()
}

// Helper functions to get environment variables with defaults and validation
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getRequiredEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvWithDefault(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(strValue)
	if err != nil {
		fmt.Printf("Warning: Invalid value for %s, using default: %d\n", key, defaultValue)
		return defaultValue
	}
	return value
}

func getFloatEnvWithDefault(key string, defaultValue float64) float64 {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		fmt.Printf("Warning: Invalid value for %s, using default: %f\n", key, defaultValue)
		return defaultValue
	}
	return value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validateConfig() error {
	switch Env.StorageBackend {
	case StorageBackendMongoDB:
		if !isValidURI(Env.MongoURI) {
			return fmt.Errorf("invalid BRANCHTALK_MONGODB_URI format: %s", Env.MongoURI)
		}
	case StorageBackendPostgres:
		if Env.PostgresDSN == "" {
			return fmt.Errorf("BRANCHTALK_POSTGRES_DSN is required when STORAGE_BACKEND is %s", StorageBackendPostgres)
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND: %s", Env.StorageBackend)
	}

	switch Env.DefaultLLMClient {
	case constants.OpenAI, constants.Gemini:
	default:
		return fmt.Errorf("unknown DEFAULT_LLM_CLIENT: %s", Env.DefaultLLMClient)
	}

	if Env.TokenBudget <= 0 {
		return fmt.Errorf("TOKEN_BUDGET must be positive, got: %d", Env.TokenBudget)
	}

	// Validate JWT expiration
	if Env.JWTExpirationMilliseconds <= 0 {
		return fmt.Errorf("JWT_EXPIRATION_MILLISECONDS must be positive, got: %d", Env.JWTExpirationMilliseconds)
	}

	return nil
}

func isValidURI(uri string) bool {
	return len(uri) > 10 && strings.HasPrefix(uri, "mongodb")
}
