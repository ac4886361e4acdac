// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string // empty disables the gRPC health server
	FrontendURL string
	DBPath      string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration

	Model           ModelConfig
	Loop            LoopConfig
	Context         ContextConfig
	Search          SearchConfig
	ArtifactDir     string
	TikaURL         string
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// ModelConfig selects the OpenAI-compatible chat completion backend.
type ModelConfig struct {
	Provider         string // openai, gemini, openrouter
	Name             string
	BaseURL          string
	OpenAIAPIKey     string
	GoogleAPIKey     string
	OpenRouterAPIKey string
	Temperature      float32
	StepTimeout      time.Duration
	MaxRetries       int
}

// LoopConfig bounds a single agent turn.
type LoopConfig struct {
	MaxSteps      int
	SearchCeiling int
	ToolTimeout   time.Duration
	TurnTimeout   time.Duration
}

// ContextConfig selects where source materials are held between turns.
type ContextConfig struct {
	Backend          string // sqlite, memory, redis
	MaxSnapshots     int
	MaxSnapshotBytes int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	SerpAPIKey      string
	Timeout         time.Duration
	TopK            int
	KeywordFallback bool
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig configures streaming responses.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	provider := strings.ToLower(getEnv("MODEL_PROVIDER", "gemini"))

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		GRPCPort:             getEnv("GRPC_PORT", ""),
		FrontendURL:          getEnv("FRONTEND_URL", ""),
		DBPath:               getEnv("DB_PATH", "./data/tailor.db"),
		SessionTTL:           getEnvDuration("SESSION_TTL", 60*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		Model: ModelConfig{
			Provider:         provider,
			Name:             getEnv("MODEL_NAME", defaultModel(provider)),
			BaseURL:          getEnv("MODEL_BASE_URL", ""),
			OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
			GoogleAPIKey:     getEnv("GOOGLE_API_KEY", ""),
			OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
			Temperature:      float32(getEnvFloat("MODEL_TEMPERATURE", 0.1)),
			StepTimeout:      getEnvDuration("MODEL_STEP_TIMEOUT", 120*time.Second),
			MaxRetries:       getEnvInt("MODEL_MAX_RETRIES", 3),
		},
		Loop: LoopConfig{
			MaxSteps:      getEnvInt("MAX_STEPS", 50),
			SearchCeiling: getEnvInt("SEARCH_CEILING", 5),
			ToolTimeout:   getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
			TurnTimeout:   getEnvDuration("TURN_TIMEOUT", 10*time.Minute),
		},
		Context: ContextConfig{
			Backend:          strings.ToLower(getEnv("CONTEXT_BACKEND", "sqlite")),
			MaxSnapshots:     getEnvInt("CONTEXT_MAX_SNAPSHOTS", 1024),
			MaxSnapshotBytes: getEnvInt("CONTEXT_MAX_SNAPSHOT_BYTES", 2<<20),
			RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:    getEnv("REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("REDIS_DB", 0),
		},
		Search: SearchConfig{
			SerpAPIKey: getEnv("SERPAPI_KEY", ""),
			Timeout:    getEnvDuration("SEARCH_TIMEOUT", 15*time.Second),
			TopK:       getEnvInt("SEARCH_TOP_K", 5),

			KeywordFallback: getEnvBool("SEARCH_KEYWORD_FALLBACK", true),
		},
		ArtifactDir: getEnv("ARTIFACT_DIR", "./data/artifacts"),
		TikaURL:     getEnv("TIKA_URL", ""),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 10<<20)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ArtifactDir == "" {
		return fmt.Errorf("ARTIFACT_DIR cannot be empty")
	}
	switch c.Model.Provider {
	case "openai", "gemini", "openrouter":
	default:
		return fmt.Errorf("MODEL_PROVIDER must be one of openai, gemini, openrouter (got %q)", c.Model.Provider)
	}
	switch c.Context.Backend {
	case "sqlite", "memory", "redis":
	default:
		return fmt.Errorf("CONTEXT_BACKEND must be one of sqlite, memory, redis (got %q)", c.Context.Backend)
	}
	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("MAX_STEPS must be > 0")
	}
	if c.Loop.SearchCeiling <= 0 {
		return fmt.Errorf("SEARCH_CEILING must be > 0")
	}
	if c.Context.MaxSnapshotBytes <= 0 {
		return fmt.Errorf("CONTEXT_MAX_SNAPSHOT_BYTES must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// APIKey returns the credential for the selected model provider.
func (m ModelConfig) APIKey() string {
	switch m.Provider {
	case "gemini":
		return m.GoogleAPIKey
	case "openrouter":
		return m.OpenRouterAPIKey
	default:
		return m.OpenAIAPIKey
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "openrouter":
		return "google/gemini-2.0-flash-001"
	default:
		return "gemini-2.0-flash"
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
