package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port    string
	GinMode string

	// Session
	SecretKey      string
	ConversationID string

	// Storage
	StoreBackend     string
	SQLitePath       string
	DatabaseURL      string
	RedisURL         string
	DynamoDBEndpoint string
	DynamoDBRegion   string
	DynamoDBTable    string

	// LLM
	APIKey     string
	FolderID   string
	LLMBaseURL string
	LLMModel   string
	LLMTimeout time.Duration

	// Conversation
	PromptSource      string
	HistoryLimit      int
	HistoryPairFactor int
}

// Load reads the .env file if present and builds the configuration from the
// environment. Missing required keys panic.
func Load() *Config {
	godotenv.Load()

	folderID := mustGetEnv("YA_FOLDER_ID")

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "debug"),

		SecretKey:      mustGetEnv("SECRET_KEY"),
		ConversationID: getEnvOrDefault("CONVERSATION_ID", "default"),

		StoreBackend:     getEnvOrDefault("STORE_BACKEND", "sqlite"),
		SQLitePath:       getEnvOrDefault("SQLITE_PATH", "instance/site.db"),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:         getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DynamoDBEndpoint: getEnvOrDefault("DYNAMODB_ENDPOINT", ""),
		DynamoDBRegion:   getEnvOrDefault("DYNAMODB_REGION", "us-east-1"),
		DynamoDBTable:    getEnvOrDefault("DYNAMODB_TABLE", "Turns"),

		APIKey:     mustGetEnv("YA_API_KEY"),
		FolderID:   folderID,
		LLMBaseURL: getEnvOrDefault("LLM_BASE_URL", "https://llm.api.cloud.yandex.net/v1"),
		LLMModel:   getEnvOrDefault("LLM_MODEL", fmt.Sprintf("gpt://%s/yandexgpt/latest", folderID)),
		LLMTimeout: getEnvAsDurationOrDefault("LLM_TIMEOUT", 60*time.Second),

		PromptSource:      getEnvOrDefault("PROMPT_SOURCE", "prompts/main_prompt.txt"),
		HistoryLimit:      getEnvAsIntOrDefault("HISTORY_LIMIT", 10),
		HistoryPairFactor: getEnvAsIntOrDefault("HISTORY_PAIR_FACTOR", 2),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
