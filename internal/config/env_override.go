package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides layers environment variables over file/default values.
// Environment always wins so deployments can override without editing YAML.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("CONSEJO_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}
	if model := os.Getenv("CONSEJO_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if url := os.Getenv("CONSEJO_BASE_URL"); url != "" {
		cfg.LLM.BaseURL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Retrieval.EmbedderKey == "" {
		cfg.Retrieval.EmbedderKey = key
	}
	if path := os.Getenv("CONSEJO_DB"); path != "" {
		cfg.Storage.DatabasePath = path
	}
	if root := os.Getenv("CONSEJO_DEFENSE_ROOT"); root != "" {
		cfg.Storage.DefenseFileRoot = root
	}
	if v := os.Getenv("CONSEJO_MODEL_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = v
		}
	}
	if v := os.Getenv("CONSEJO_STAGE_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.StageTimeout = v
		}
	}
	if v := os.Getenv("CONSEJO_RETRIEVAL_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			cfg.Retrieval.Timeout = v
		}
	}
	if v := os.Getenv("CONSEJO_MAX_DELIBERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxConcurrentDeliberations = n
		}
	}
	if level := os.Getenv("CONSEJO_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
