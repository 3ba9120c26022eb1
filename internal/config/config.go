// Package config provides configuration for the agent service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Model providers
	LiteLLMURL      string
	LiteLLMAPIKey   string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	DefaultModel    string
	ModelsFile      string
	LLMTimeout      time.Duration
	Mode            string

	// Run loop
	MaxIterations  int
	MaxSteps       int
	HistoryWindow  int
	SessionLockTTL time.Duration
	Timezone       string

	// Auth and policy
	JWTSecret  string
	PolicyFile string

	// Media
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3PresignTTL time.Duration

	// Observability
	OTELEndpoint string
	LogLevel     string
	LogFormat    string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment values win.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		DatabaseDriver:  getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:     getEnv("DATABASE_URL", "file:agentloop.db?mode=rwc&_busy_timeout=5000&_txlock=immediate"),
		LiteLLMURL:      getEnv("LITELLM_URL", ""),
		LiteLLMAPIKey:   getEnv("LITELLM_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		DefaultModel:    getEnv("DEFAULT_MODEL", ""),
		ModelsFile:      getEnv("MODELS_FILE", ""),
		LLMTimeout:      time.Duration(getEnvInt("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		Mode:            getEnv("GOGO_MODE", ""),
		MaxIterations:   getEnvInt("AGENT_MAX_ITERATIONS", 8),
		MaxSteps:        getEnvInt("AGENT_MAX_STEPS", 20),
		HistoryWindow:   getEnvInt("AGENT_HISTORY_WINDOW", 0),
		SessionLockTTL:  time.Duration(getEnvInt("SESSION_LOCK_TTL_MS", 300000)) * time.Millisecond,
		Timezone:        getEnv("AGENT_TIMEZONE", "Asia/Shanghai"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		PolicyFile:      getEnv("POLICY_FILE", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:     getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PresignTTL:    time.Duration(getEnvInt("S3_PRESIGN_TTL_MS", 900000)) * time.Millisecond,
		OTELEndpoint:    getEnv("OTEL_ENDPOINT", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
	}
	return cfg
}

// Validate rejects settings the run loop cannot work with.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be positive, got %d", c.MaxIterations)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("AGENT_MAX_STEPS must be positive, got %d", c.MaxSteps)
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("AGENT_HISTORY_WINDOW must not be negative, got %d", c.HistoryWindow)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("AGENT_TIMEZONE: %w", err)
	}
	return nil
}

// ModelEntry is one model in the catalog file.
type ModelEntry struct {
	ID          string   `yaml:"id" json:"id"`
	Provider    string   `yaml:"provider" json:"provider"`
	Model       string   `yaml:"model" json:"model"`
	DisplayName string   `yaml:"display_name" json:"displayName,omitempty"`
	Teams       []string `yaml:"teams,omitempty" json:"-"`
	Default     bool     `yaml:"default,omitempty" json:"default,omitempty"`
}

// ModelCatalog is the parsed MODELS_FILE.
type ModelCatalog struct {
	Models []ModelEntry `yaml:"models"`
}

// LoadModels reads the model catalog. An empty path yields an empty catalog.
func LoadModels(path string) (*ModelCatalog, error) {
	catalog := &ModelCatalog{}
	if path == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	for i, m := range catalog.Models {
		if m.ID == "" || m.Provider == "" || m.Model == "" {
			return nil, fmt.Errorf("models file entry %d: id, provider and model are required", i)
		}
	}
	return catalog, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
