package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "LLM_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultMainnetFullnode, cfg.MainnetFullnodeURL)
	assert.Equal(t, DefaultLLMBaseURL, cfg.LLMBaseURL)
	assert.Equal(t, DefaultLLMFastModel, cfg.LLMFastModel)
	assert.True(t, cfg.LLMEnabled())
}

func TestLoad_WithoutLLMKey(t *testing.T) {
	setEnv(t, "LLM_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.LLMEnabled())
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Port:               "8080",
		MainnetFullnodeURL: DefaultMainnetFullnode,
		LLMBaseURL:         DefaultLLMBaseURL,
		RateLimitRPS:       100,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing mainnet fullnode",
			mutate:  func(c *Config) { c.MainnetFullnodeURL = "" },
			wantErr: "MAINNET_FULLNODE_URL is required",
		},
		{
			name: "key without base URL",
			mutate: func(c *Config) {
				c.LLMAPIKey = "sk-test"
				c.LLMBaseURL = ""
			},
			wantErr: "LLM_BASE_URL is required",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRPS = 0 },
			wantErr: "RATE_LIMIT_RPS must be positive",
		},
		{
			name:    "non-numeric port",
			mutate:  func(c *Config) { c.Port = "eighty" },
			wantErr: "PORT must be numeric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_FullnodeURL(t *testing.T) {
	cfg := &Config{
		MainnetFullnodeURL: "https://mainnet.example/v1",
		TestnetFullnodeURL: "https://testnet.example/v1",
		DevnetFullnodeURL:  "https://devnet.example/v1",
	}

	assert.Equal(t, cfg.MainnetFullnodeURL, cfg.FullnodeURL("mainnet"))
	assert.Equal(t, cfg.TestnetFullnodeURL, cfg.FullnodeURL("testnet"))
	assert.Equal(t, cfg.DevnetFullnodeURL, cfg.FullnodeURL("devnet"))
	assert.Equal(t, cfg.MainnetFullnodeURL, cfg.FullnodeURL("unknown"))
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
