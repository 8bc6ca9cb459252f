// Package config loads and validates conductor configuration: backend
// credentials, the model catalog, routing and pipeline thresholds, and
// operational settings. Configuration is TOML decoded over defaults, with
// ${VAR} expansion and CONDUCTOR_* environment overrides applied afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"conductor/internal/domain"
)

// Config is the root configuration for the conductor service
type Config struct {
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Backends    BackendsConfig    `toml:"backends"`
	Models      []ModelEntry      `toml:"models"`
	Aliases     map[string]string `toml:"aliases"`
	Routing     RoutingConfig     `toml:"routing"`
	Confidence  ConfidenceConfig  `toml:"confidence"`
	CRAG        CRAGConfig        `toml:"crag"`
	Retrieval   RetrievalConfig   `toml:"retrieval"`
	Resilience  ResilienceConfig  `toml:"resilience"`
	Quality     QualityConfig     `toml:"quality"`
	Caching     CachingConfig     `toml:"caching"`
	Stats       StatsConfig       `toml:"stats"`
	Savings     SavingsConfig     `toml:"savings"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// TelemetryConfig contains logging and metrics settings
type TelemetryConfig struct {
	Metrics        bool   `toml:"metrics"`
	PrometheusPort int    `toml:"prometheus_port"`
	LogFormat      string `toml:"log_format"` // "json" or "pretty"
	LogLevel       string `toml:"log_level"`  // debug, info, warn, error
}

// BackendsConfig contains per-backend connection settings
type BackendsConfig struct {
	Anthropic AnthropicConfig `toml:"anthropic"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Bedrock   BedrockConfig   `toml:"bedrock"`
}

// AnthropicConfig configures the Anthropic messages backend
type AnthropicConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Version string `toml:"version"` // anthropic-version header
	Enabled bool   `toml:"enabled"`
}

// OpenAIConfig configures the OpenAI chat-completions backend
type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	OrgID   string `toml:"org_id"`
	Enabled bool   `toml:"enabled"`
}

// BedrockConfig configures the AWS Bedrock Converse backend. When
// AccessKeyID is empty the SDK default credential chain is used.
type BedrockConfig struct {
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Profile         string `toml:"profile"`
	Enabled         bool   `toml:"enabled"`
}

// ModelEntry declares one model in the routing catalog
type ModelEntry struct {
	ID                  string   `toml:"id"`
	Tier                string   `toml:"tier"`    // fast, balanced, powerful
	Backend             string   `toml:"backend"` // anthropic, openai, bedrock
	MaxTokens           int      `toml:"max_tokens"`
	InputCostPer1M      float64  `toml:"input_cost_per_1m"`
	OutputCostPer1M     float64  `toml:"output_cost_per_1m"`
	AvgLatencyMs        int      `toml:"avg_latency_ms"`
	Capabilities        []string `toml:"capabilities"`
	SupportsPromptCache bool     `toml:"supports_prompt_cache"`
	Enabled             bool     `toml:"enabled"`
}

// RoutingConfig contains tier-selection settings
type RoutingConfig struct {
	LogDecisions        bool `toml:"log_decisions"`
	PreferCheaperModels bool `toml:"prefer_cheaper_models"`
}

// ConfidenceConfig contains response-confidence thresholds
type ConfidenceConfig struct {
	EscalationThreshold float64 `toml:"escalation_threshold"` // below this, escalate tiers
	HighThreshold       float64 `toml:"high_threshold"`
	MediumThreshold     float64 `toml:"medium_threshold"`
	LowThreshold        float64 `toml:"low_threshold"`
}

// CRAGConfig contains corrective-retrieval pipeline settings
type CRAGConfig struct {
	Enabled               bool    `toml:"enabled"`
	MaxRefinementAttempts int     `toml:"max_refinement_attempts"`
	MaxReasoningSteps     int     `toml:"max_reasoning_steps"`
	MultiHopThreshold     float64 `toml:"multi_hop_threshold"`
}

// RetrievalConfig selects and configures the retriever
type RetrievalConfig struct {
	Provider  string          `toml:"provider"` // "memory", "postgres" or "none"
	TopK      int             `toml:"top_k"`
	MinScore  float64         `toml:"min_score"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Embedding EmbeddingConfig `toml:"embedding"`
}

// PostgresConfig contains pgvector store settings
type PostgresConfig struct {
	DSN        string        `toml:"dsn"` // overrides the individual fields when set
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// EmbeddingConfig configures the HTTP embedding endpoint used by the
// Postgres retriever to embed incoming queries
type EmbeddingConfig struct {
	BaseURL    string        `toml:"base_url"`
	APIKey     string        `toml:"api_key"`
	Model      string        `toml:"model"`
	Dimensions int           `toml:"dimensions"`
	Timeout    time.Duration `toml:"timeout"`
}

// ResilienceConfig contains cascade and retry settings
type ResilienceConfig struct {
	EnableFallback   bool          `toml:"enable_fallback"`
	MaxRetries       int           `toml:"max_retries"` // shared budget for fallbacks and escalations
	AttemptTimeout   time.Duration `toml:"attempt_timeout"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	InitialBackoff   time.Duration `toml:"initial_backoff"`
	MaxBackoff       time.Duration `toml:"max_backoff"`
	BreakerThreshold int           `toml:"breaker_threshold"` // consecutive failures before opening
	BreakerInterval  time.Duration `toml:"breaker_interval"`  // how long a breaker stays open
}

// QualityConfig contains response quality-check settings
type QualityConfig struct {
	HallucinationThreshold float64       `toml:"hallucination_threshold"`
	RequireCitations       bool          `toml:"require_citations"`
	MinimumCitations       int           `toml:"minimum_citations"`
	AutoFlagLowConfidence  bool          `toml:"auto_flag_low_confidence"`
	FactCheckURL           string        `toml:"fact_check_url"` // empty uses the static checker
	FactCheckTimeout       time.Duration `toml:"fact_check_timeout"`
	StaticFactScore        float64       `toml:"static_fact_score"`
	RAGASConcurrency       int           `toml:"ragas_concurrency"`
}

// CachingConfig contains prompt-cache settings
type CachingConfig struct {
	Enabled bool `toml:"enabled"`
}

// StatsConfig contains cache-statistics persistence settings
type StatsConfig struct {
	StorePath string `toml:"store_path"` // sqlite file; empty disables persistence
}

// SavingsConfig contains the assumptions behind savings estimation and
// per-decision cost estimates
type SavingsConfig struct {
	AvgInputTokens  int64   `toml:"avg_input_tokens"`
	AvgOutputTokens int64   `toml:"avg_output_tokens"`
	SimpleShare     float64 `toml:"simple_share"`
	ModerateShare   float64 `toml:"moderate_share"`
	ComplexShare    float64 `toml:"complex_share"`
	CacheHitRate    float64 `toml:"cache_hit_rate"` // assumed hit rate when caching is enabled
}

// MaintenanceConfig contains background schedule settings (robfig/cron specs)
type MaintenanceConfig struct {
	StatsFlushSchedule  string `toml:"stats_flush_schedule"`
	HealthDecaySchedule string `toml:"health_decay_schedule"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			Metrics:        true,
			PrometheusPort: 9090,
			LogFormat:      "json",
			LogLevel:       "info",
		},
		Backends: BackendsConfig{
			Anthropic: AnthropicConfig{
				APIKey:  "${ANTHROPIC_API_KEY}",
				BaseURL: "https://api.anthropic.com",
				Version: "2023-06-01",
				Enabled: true,
			},
			OpenAI: OpenAIConfig{
				APIKey:  "${OPENAI_API_KEY}",
				BaseURL: "https://api.openai.com/v1",
				Enabled: true,
			},
			Bedrock: BedrockConfig{
				Region:  "us-east-1",
				Enabled: false,
			},
		},
		Models:  defaultModels(),
		Aliases: defaultAliases(),
		Routing: RoutingConfig{
			LogDecisions:        true,
			PreferCheaperModels: false,
		},
		Confidence: ConfidenceConfig{
			EscalationThreshold: 0.7,
			HighThreshold:       0.8,
			MediumThreshold:     0.6,
			LowThreshold:        0.4,
		},
		CRAG: CRAGConfig{
			Enabled:               true,
			MaxRefinementAttempts: 3,
			MaxReasoningSteps:     5,
			MultiHopThreshold:     0.7,
		},
		Retrieval: RetrievalConfig{
			Provider: "memory",
			TopK:     10,
			MinScore: 0.5,
			Postgres: PostgresConfig{
				Host:       "localhost",
				Port:       5432,
				User:       "postgres",
				Password:   "postgres",
				Database:   "conductor",
				SSLMode:    "disable",
				MaxConns:   20,
				MaxIdle:    5,
				ConnMaxAge: 30 * time.Minute,
			},
			Embedding: EmbeddingConfig{
				BaseURL:    "http://localhost:8081/embed",
				Model:      "text-embedding-3-small",
				Dimensions: 1536,
				Timeout:    10 * time.Second,
			},
		},
		Resilience: ResilienceConfig{
			EnableFallback:   true,
			MaxRetries:       3,
			AttemptTimeout:   30 * time.Second,
			RequestTimeout:   60 * time.Second,
			InitialBackoff:   250 * time.Millisecond,
			MaxBackoff:       4 * time.Second,
			BreakerThreshold: 5,
			BreakerInterval:  60 * time.Second,
		},
		Quality: QualityConfig{
			HallucinationThreshold: 0.6,
			RequireCitations:       true,
			MinimumCitations:       1,
			AutoFlagLowConfidence:  true,
			FactCheckTimeout:       5 * time.Second,
			StaticFactScore:        0.8,
			RAGASConcurrency:       4,
		},
		Caching: CachingConfig{
			Enabled: true,
		},
		Savings: SavingsConfig{
			AvgInputTokens:  1500,
			AvgOutputTokens: 500,
			SimpleShare:     0.40,
			ModerateShare:   0.45,
			ComplexShare:    0.15,
			CacheHitRate:    0.30,
		},
		Maintenance: MaintenanceConfig{
			StatsFlushSchedule:  "@every 5m",
			HealthDecaySchedule: "@every 10m",
		},
	}
}

// defaultModels returns the built-in model catalog. Order matters: within a
// tier the first listed model is preferred.
func defaultModels() []ModelEntry {
	return []ModelEntry{
		{
			ID:                  "claude-3-5-haiku-20241022",
			Tier:                "fast",
			Backend:             "anthropic",
			MaxTokens:           8192,
			InputCostPer1M:      0.80,
			OutputCostPer1M:     4.00,
			AvgLatencyMs:        420,
			Capabilities:        []string{"text", "code"},
			SupportsPromptCache: true,
			Enabled:             true,
		},
		{
			ID:              "gpt-4o-mini",
			Tier:            "fast",
			Backend:         "openai",
			MaxTokens:       16384,
			InputCostPer1M:  0.15,
			OutputCostPer1M: 0.60,
			AvgLatencyMs:    480,
			Capabilities:    []string{"text", "vision", "code"},
			Enabled:         true,
		},
		{
			ID:              "amazon.nova-lite-v1:0",
			Tier:            "fast",
			Backend:         "bedrock",
			MaxTokens:       5120,
			InputCostPer1M:  0.06,
			OutputCostPer1M: 0.24,
			AvgLatencyMs:    450,
			Capabilities:    []string{"text", "vision"},
			Enabled:         true,
		},
		{
			ID:                  "claude-sonnet-4-20250514",
			Tier:                "balanced",
			Backend:             "anthropic",
			MaxTokens:           8192,
			InputCostPer1M:      3.00,
			OutputCostPer1M:     15.00,
			AvgLatencyMs:        1200,
			Capabilities:        []string{"text", "code", "vision", "creative"},
			SupportsPromptCache: true,
			Enabled:             true,
		},
		{
			ID:              "gpt-4o",
			Tier:            "balanced",
			Backend:         "openai",
			MaxTokens:       16384,
			InputCostPer1M:  2.50,
			OutputCostPer1M: 10.00,
			AvgLatencyMs:    1100,
			Capabilities:    []string{"text", "vision", "code", "creative"},
			Enabled:         true,
		},
		{
			ID:              "amazon.nova-pro-v1:0",
			Tier:            "balanced",
			Backend:         "bedrock",
			MaxTokens:       5120,
			InputCostPer1M:  0.80,
			OutputCostPer1M: 3.20,
			AvgLatencyMs:    1300,
			Capabilities:    []string{"text", "vision"},
			Enabled:         true,
		},
		{
			ID:                  "claude-opus-4-20250514",
			Tier:                "powerful",
			Backend:             "anthropic",
			MaxTokens:           8192,
			InputCostPer1M:      15.00,
			OutputCostPer1M:     75.00,
			AvgLatencyMs:        2600,
			Capabilities:        []string{"text", "code", "vision", "creative", "expert"},
			SupportsPromptCache: true,
			Enabled:             true,
		},
		{
			ID:              "gpt-4.1",
			Tier:            "powerful",
			Backend:         "openai",
			MaxTokens:       16384,
			InputCostPer1M:  2.00,
			OutputCostPer1M: 8.00,
			AvgLatencyMs:    2100,
			Capabilities:    []string{"text", "code", "creative", "expert"},
			Enabled:         true,
		},
	}
}

func defaultAliases() map[string]string {
	return map[string]string{
		"haiku":  "claude-3-5-haiku-20241022",
		"sonnet": "claude-sonnet-4-20250514",
		"opus":   "claude-opus-4-20250514",
		"mini":   "gpt-4o-mini",
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Parse TOML
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		// If file doesn't exist, return defaults
		if os.IsNotExist(err) {
			cfg.substituteEnvVars()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Substitute environment variables
	cfg.substituteEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults
func LoadOrDefault(path string) *Config {
	if path == "" {
		cfg := Default()
		cfg.substituteEnvVars()
		return cfg
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", path, err)
		cfg = Default()
		cfg.substituteEnvVars()
	}

	return cfg
}

// substituteEnvVars substitutes ${VAR} patterns with environment variables
// and applies direct CONDUCTOR_* environment variable overrides
func (c *Config) substituteEnvVars() {
	// Expand ${VAR} patterns in credential-bearing values
	c.Backends.Anthropic.APIKey = expandEnv(c.Backends.Anthropic.APIKey)
	c.Backends.OpenAI.APIKey = expandEnv(c.Backends.OpenAI.APIKey)
	c.Backends.Bedrock.AccessKeyID = expandEnv(c.Backends.Bedrock.AccessKeyID)
	c.Backends.Bedrock.SecretAccessKey = expandEnv(c.Backends.Bedrock.SecretAccessKey)

	c.Retrieval.Postgres.DSN = expandEnv(c.Retrieval.Postgres.DSN)
	c.Retrieval.Postgres.Host = expandEnv(c.Retrieval.Postgres.Host)
	c.Retrieval.Postgres.User = expandEnv(c.Retrieval.Postgres.User)
	c.Retrieval.Postgres.Password = expandEnv(c.Retrieval.Postgres.Password)
	c.Retrieval.Embedding.APIKey = expandEnv(c.Retrieval.Embedding.APIKey)
	c.Quality.FactCheckURL = expandEnv(c.Quality.FactCheckURL)

	// Direct environment variable overrides for container deployment
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
	if v := os.Getenv("CONDUCTOR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Telemetry.PrometheusPort = port
		}
	}

	if v := os.Getenv("CONDUCTOR_ANTHROPIC_API_KEY"); v != "" {
		c.Backends.Anthropic.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_OPENAI_API_KEY"); v != "" {
		c.Backends.OpenAI.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_AWS_REGION"); v != "" {
		c.Backends.Bedrock.Region = v
	}

	if v := os.Getenv("CONDUCTOR_RETRIEVAL_PROVIDER"); v != "" {
		c.Retrieval.Provider = v
	}
	if v := os.Getenv("CONDUCTOR_PG_DSN"); v != "" {
		c.Retrieval.Postgres.DSN = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_URL"); v != "" {
		c.Retrieval.Embedding.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_STATS_PATH"); v != "" {
		c.Stats.StorePath = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate checks the configuration for internal consistency. All problems
// are reported at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("telemetry: unknown log level %q", c.Telemetry.LogLevel))
	}
	switch c.Telemetry.LogFormat {
	case "json", "pretty":
	default:
		problems = append(problems, fmt.Sprintf("telemetry: unknown log format %q", c.Telemetry.LogFormat))
	}

	if len(c.Models) == 0 {
		problems = append(problems, "models: catalog is empty")
	}
	for i, m := range c.Models {
		if m.ID == "" {
			problems = append(problems, fmt.Sprintf("models[%d]: missing id", i))
		}
		if _, ok := domain.ParseTier(m.Tier); !ok {
			problems = append(problems, fmt.Sprintf("models[%d] %s: unknown tier %q", i, m.ID, m.Tier))
		}
		if _, ok := domain.ParseBackend(m.Backend); !ok {
			problems = append(problems, fmt.Sprintf("models[%d] %s: unknown backend %q", i, m.ID, m.Backend))
		}
	}

	if !inUnit(c.Confidence.EscalationThreshold) {
		problems = append(problems, "confidence: escalation_threshold outside [0,1]")
	}
	if c.Confidence.LowThreshold > c.Confidence.MediumThreshold ||
		c.Confidence.MediumThreshold > c.Confidence.HighThreshold {
		problems = append(problems, "confidence: thresholds must satisfy low <= medium <= high")
	}

	if c.CRAG.MaxRefinementAttempts < 0 {
		problems = append(problems, "crag: max_refinement_attempts must be >= 0")
	}
	if c.CRAG.MaxReasoningSteps < 1 {
		problems = append(problems, "crag: max_reasoning_steps must be >= 1")
	}
	if !inUnit(c.CRAG.MultiHopThreshold) {
		problems = append(problems, "crag: multi_hop_threshold outside [0,1]")
	}

	switch c.Retrieval.Provider {
	case "memory", "postgres", "none":
	default:
		problems = append(problems, fmt.Sprintf("retrieval: unknown provider %q", c.Retrieval.Provider))
	}
	if c.Retrieval.TopK < 1 {
		problems = append(problems, "retrieval: top_k must be >= 1")
	}
	if !inUnit(c.Retrieval.MinScore) {
		problems = append(problems, "retrieval: min_score outside [0,1]")
	}

	if c.Resilience.MaxRetries < 0 {
		problems = append(problems, "resilience: max_retries must be >= 0")
	}
	if c.Resilience.AttemptTimeout <= 0 || c.Resilience.RequestTimeout <= 0 {
		problems = append(problems, "resilience: timeouts must be positive")
	}
	if c.Resilience.InitialBackoff <= 0 || c.Resilience.MaxBackoff < c.Resilience.InitialBackoff {
		problems = append(problems, "resilience: backoff window is inverted")
	}
	if c.Resilience.BreakerThreshold < 1 {
		problems = append(problems, "resilience: breaker_threshold must be >= 1")
	}

	if !inUnit(c.Quality.HallucinationThreshold) {
		problems = append(problems, "quality: hallucination_threshold outside [0,1]")
	}
	if c.Quality.MinimumCitations < 0 {
		problems = append(problems, "quality: minimum_citations must be >= 0")
	}
	if c.Quality.RAGASConcurrency < 1 {
		problems = append(problems, "quality: ragas_concurrency must be >= 1")
	}

	if c.Savings.AvgInputTokens <= 0 || c.Savings.AvgOutputTokens <= 0 {
		problems = append(problems, "savings: average token counts must be positive")
	}
	mix := c.Savings.SimpleShare + c.Savings.ModerateShare + c.Savings.ComplexShare
	if mix < 0.999 || mix > 1.001 {
		problems = append(problems, fmt.Sprintf("savings: complexity mix sums to %.3f, want 1.0", mix))
	}
	if !inUnit(c.Savings.CacheHitRate) {
		problems = append(problems, "savings: cache_hit_rate outside [0,1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// BackendEnabled reports whether the named backend is switched on
func (c *Config) BackendEnabled(b domain.Backend) bool {
	switch b {
	case domain.BackendAnthropic:
		return c.Backends.Anthropic.Enabled
	case domain.BackendOpenAI:
		return c.Backends.OpenAI.Enabled
	case domain.BackendBedrock:
		return c.Backends.Bedrock.Enabled
	}
	return false
}

// BuildRegistry converts the model catalog into a domain registry. Disabled
// entries and entries whose backend is disabled are skipped.
func (c *Config) BuildRegistry() (*domain.Registry, error) {
	models := make([]domain.ModelConfig, 0, len(c.Models))
	for _, m := range c.Models {
		if !m.Enabled {
			continue
		}
		backend, _ := domain.ParseBackend(m.Backend)
		if !c.BackendEnabled(backend) {
			continue
		}
		tier, _ := domain.ParseTier(m.Tier)
		caps := make([]domain.Capability, 0, len(m.Capabilities))
		for _, name := range m.Capabilities {
			caps = append(caps, domain.Capability(name))
		}
		models = append(models, domain.ModelConfig{
			Tier:                tier,
			Backend:             backend,
			ModelID:             m.ID,
			MaxTokens:           m.MaxTokens,
			InputCostPer1M:      m.InputCostPer1M,
			OutputCostPer1M:     m.OutputCostPer1M,
			AvgLatencyMs:        m.AvgLatencyMs,
			Capabilities:        caps,
			SupportsPromptCache: m.SupportsPromptCache,
		})
	}
	return domain.NewRegistry(models, c.Aliases)
}

// ConnString assembles a lib/pq connection string from the individual
// fields, unless an explicit DSN was provided.
func (p *PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}
