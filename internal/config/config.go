// Package config holds all consejo configuration: YAML file, environment
// overrides, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all consejo configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM backend configuration
	LLM LLMConfig `yaml:"llm"`

	// Retrieval subsystem configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Deliberation pipeline configuration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Quota plans and defaults
	Quota QuotaConfig `yaml:"quota"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Resource limits
	Limits Limits `yaml:"limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model port.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai-compatible
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// RetrievalConfig configures the evidence retriever.
type RetrievalConfig struct {
	TopK          int    `yaml:"top_k"`
	Timeout       string `yaml:"timeout"`
	CacheTTL      string `yaml:"cache_ttl"`
	EmbedderModel string `yaml:"embedder_model"` // empty disables dense scoring
	EmbedderKey   string `yaml:"embedder_key"`
}

// PipelineConfig configures the stage graph and per-stage execution.
type PipelineConfig struct {
	AuditorEnabled bool   `yaml:"auditor_enabled"`
	AgentFile      string `yaml:"agent_file"` // optional YAML descriptor overrides
	StageTimeout   string `yaml:"stage_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBase      string `yaml:"retry_base"`
}

// PlanLimits is one quota tier.
type PlanLimits struct {
	RequestsPerDay int `yaml:"requests_per_day"`
	TokensPerDay   int `yaml:"tokens_per_day"`
}

// QuotaConfig holds the plan table and the fallback tier.
type QuotaConfig struct {
	DefaultPlan string                `yaml:"default_plan"`
	Plans       map[string]PlanLimits `yaml:"plans"`
}

// StorageConfig holds filesystem and database locations.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	DefenseFileRoot string `yaml:"defense_file_root"`
	ArtifactRoot    string `yaml:"artifact_root"`
}

// Limits enforces system-wide resource constraints.
type Limits struct {
	MaxConcurrentDeliberations int `yaml:"max_concurrent_deliberations"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "consejo",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:    "openai-compatible",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			MaxTokens:   4096,
			Temperature: 0.1,
			Timeout:     "60s",
		},

		Retrieval: RetrievalConfig{
			TopK:     5,
			Timeout:  "10s",
			CacheTTL: "5m",
		},

		Pipeline: PipelineConfig{
			AuditorEnabled: false,
			StageTimeout:   "120s",
			MaxRetries:     3,
			RetryBase:      "1s",
		},

		Quota: QuotaConfig{
			DefaultPlan: "free",
			Plans: map[string]PlanLimits{
				"free":       {RequestsPerDay: 50, TokensPerDay: 100_000},
				"pro":        {RequestsPerDay: 500, TokensPerDay: 1_000_000},
				"enterprise": {RequestsPerDay: 5000, TokensPerDay: 10_000_000},
			},
		},

		Storage: StorageConfig{
			DatabasePath:    ".consejo/consejo.db",
			DefenseFileRoot: "defense_files",
			ArtifactRoot:    "artifacts",
		},

		Limits: Limits{
			MaxConcurrentDeliberations: 8,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetLLMTimeout returns the per-call model timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetRetrievalTimeout returns the per-call retrieval timeout.
func (c *Config) GetRetrievalTimeout() time.Duration {
	d, err := time.ParseDuration(c.Retrieval.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetRetrievalCacheTTL returns the retrieval query cache TTL.
func (c *Config) GetRetrievalCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Retrieval.CacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetStageTimeout returns the whole-stage timeout including retries.
func (c *Config) GetStageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.StageTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetRetryBase returns the base delay for exponential backoff.
func (c *Config) GetRetryBase() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.RetryBase)
	if err != nil {
		return time.Second
	}
	return d
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be >= 1")
	}
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("llm.timeout: %w", err)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1")
	}
	if _, err := time.ParseDuration(c.Retrieval.Timeout); err != nil {
		return fmt.Errorf("retrieval.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Pipeline.StageTimeout); err != nil {
		return fmt.Errorf("pipeline.stage_timeout: %w", err)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if c.Quota.DefaultPlan == "" {
		return fmt.Errorf("quota.default_plan required")
	}
	if _, ok := c.Quota.Plans[c.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("quota.default_plan %q not in plan table", c.Quota.DefaultPlan)
	}
	for name, plan := range c.Quota.Plans {
		if plan.RequestsPerDay < 1 || plan.TokensPerDay < 1 {
			return fmt.Errorf("quota plan %q: limits must be >= 1", name)
		}
	}
	if c.Storage.DefenseFileRoot == "" {
		return fmt.Errorf("storage.defense_file_root required")
	}
	if c.Limits.MaxConcurrentDeliberations < 1 {
		return fmt.Errorf("limits.max_concurrent_deliberations must be >= 1")
	}
	return nil
}
