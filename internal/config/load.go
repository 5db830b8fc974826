package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// is not an error: defaults plus env are a workable configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CHATGATE_HOST", &c.Gateway.Host)
	envInt("CHATGATE_PORT", &c.Gateway.Port)
	envStr("CHATGATE_CIPHER_KEY", &c.Gateway.CipherKey)
	envStr("CHATGATE_REDIS_ADDR", &c.Redis.Addr)
	envStr("CHATGATE_REDIS_PASSWORD", &c.Redis.Password)
	envStr("CHATGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATGATE_QDRANT_HOST", &c.Qdrant.Host)
	envInt("CHATGATE_QDRANT_PORT", &c.Qdrant.Port)
	envStr("CHATGATE_EMBEDDINGS_API_KEY", &c.Embeddings.APIKey)
	envStr("CHATGATE_RESEARCH_EMAIL", &c.Research.Email)
	envStr("CHATGATE_RESEARCH_PASSWORD", &c.Research.Password)
	envStr("CHATGATE_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envStr("CHATGATE_LOG_LEVEL", &c.Log.Level)

	// one key usually serves both chat completions and embeddings
	if v := os.Getenv("CHATGATE_OPENAI_API_KEY"); v != "" {
		for i := range c.Models.Remote {
			if c.Models.Remote[i].APIKey == "" {
				c.Models.Remote[i].APIKey = v
			}
		}
		if c.Embeddings.APIKey == "" {
			c.Embeddings.APIKey = v
		}
	}
}
