// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fullnode endpoints per network
	MainnetFullnodeURL string
	TestnetFullnodeURL string
	DevnetFullnodeURL  string

	// LLM settings
	LLMAPIKey    string // Optional; without it the AI stages are disabled
	LLMBaseURL   string
	LLMFastModel string // Triage and structured stages
	LLMDeepModel string // Deep analysis and agentic investigation

	// Threat intelligence sources
	GoPlusURL       string
	GoPlusAPIKey    string
	ScamGuardURL    string
	ScamGuardAPIKey string

	// Market data
	PriceAPIURL string
	PriceAPIKey string

	// Security
	WebhookSecret string // HMAC secret for outbound alert signatures
	AdminSecret   string // Admin API secret
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing
}

// Aptos-compatible fullnode defaults. Base hosts only; the simulation
// client owns the /v1 API prefix.
const (
	DefaultMainnetFullnode = "https://fullnode.mainnet.aptoslabs.com"
	DefaultTestnetFullnode = "https://fullnode.testnet.aptoslabs.com"
	DefaultDevnetFullnode  = "https://fullnode.devnet.aptoslabs.com"
	DefaultLLMBaseURL      = "https://api.anthropic.com"
	DefaultLLMFastModel    = "claude-3-5-haiku-latest"
	DefaultLLMDeepModel    = "claude-sonnet-4-5"
	DefaultGoPlusURL       = "https://api.gopluslabs.io/api/v1"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MainnetFullnodeURL: getEnv("MAINNET_FULLNODE_URL", DefaultMainnetFullnode),
		TestnetFullnodeURL: getEnv("TESTNET_FULLNODE_URL", DefaultTestnetFullnode),
		DevnetFullnodeURL:  getEnv("DEVNET_FULLNODE_URL", DefaultDevnetFullnode),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"), // Optional, AI stages off without it
		LLMBaseURL:         getEnv("LLM_BASE_URL", DefaultLLMBaseURL),
		LLMFastModel:       getEnv("LLM_FAST_MODEL", DefaultLLMFastModel),
		LLMDeepModel:       getEnv("LLM_DEEP_MODEL", DefaultLLMDeepModel),
		GoPlusURL:          getEnv("GOPLUS_URL", DefaultGoPlusURL),
		GoPlusAPIKey:       os.Getenv("GOPLUS_API_KEY"),
		ScamGuardURL:       os.Getenv("SCAMGUARD_URL"), // Optional source, off without URL
		ScamGuardAPIKey:    os.Getenv("SCAMGUARD_API_KEY"),
		PriceAPIURL:        os.Getenv("PRICE_API_URL"),
		PriceAPIKey:        os.Getenv("PRICE_API_KEY"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.MainnetFullnodeURL == "" {
		return fmt.Errorf("MAINNET_FULLNODE_URL is required")
	}

	if c.LLMAPIKey != "" && c.LLMBaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL is required when LLM_API_KEY is set")
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	return nil
}

// LLMEnabled reports whether the AI pipeline stages can run
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIKey != ""
}

// FullnodeURL returns the endpoint for a network name, defaulting to mainnet
func (c *Config) FullnodeURL(network string) string {
	switch network {
	case "testnet":
		return c.TestnetFullnodeURL
	case "devnet":
		return c.DevnetFullnodeURL
	default:
		return c.MainnetFullnodeURL
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
