package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edforge/edforge/pkg/models"
)

// Config is the main configuration for the EdForge generation core.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Pipeline        PipelineConfig        `yaml:"pipeline"`
	Decision        DecisionConfig        `yaml:"decision"`
	Validator       ValidatorConfig       `yaml:"validator"`
	Swarm           SwarmConfig           `yaml:"swarm"`
	Personalization PersonalizationConfig `yaml:"personalization"`
	Provider        ProviderConfig        `yaml:"provider"`
	Nats            NatsConfig            `yaml:"nats"`
	Database        DatabaseConfig        `yaml:"database"`
	Redis           RedisConfig           `yaml:"redis"`
	Security        SecurityConfig        `yaml:"security"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	HotReload       HotReloadConfig       `yaml:"hot_reload"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PipelineConfig controls the orchestrator's quality gate and budgets.
type PipelineConfig struct {
	AcceptThreshold  float64       `yaml:"accept_threshold"`
	RemediationFloor float64       `yaml:"remediation_floor"`
	DefaultRetries   int           `yaml:"default_retries"`
	MaxRetries       int           `yaml:"max_retries"` // cap on per-request budgets
	StageTimeout     time.Duration `yaml:"stage_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"` // in-flight executions
	EventBuffer      int           `yaml:"event_buffer"`   // per-execution progress log hint
}

// DecisionConfig tunes the reward function and policy adjustment.
type DecisionConfig struct {
	QualityWeight    float64 `yaml:"quality_weight"`
	CostWeight       float64 `yaml:"cost_weight"`
	EngagementWeight float64 `yaml:"engagement_weight"`
	EMAAlpha         float64 `yaml:"ema_alpha"`      // bounded moving-average step
	ContextWindow    int     `yaml:"context_window"` // retained stage outcomes per execution
}

// ValidatorConfig holds dimension weights and auto-fix limits.
type ValidatorConfig struct {
	Weights          map[models.Dimension]float64 `yaml:"weights"`
	AutoFixSeverity  string                       `yaml:"auto_fix_severity"`  // highest severity still auto-fixable
	DimensionTimeout time.Duration                `yaml:"dimension_timeout"`
}

// SwarmConfig sizes the worker pool and tunes consensus.
type SwarmConfig struct {
	PoolSize               int            `yaml:"pool_size"`
	Capabilities           []WorkerSpec   `yaml:"capabilities"`
	DissimilarityThreshold float64        `yaml:"dissimilarity_threshold"` // triggers consensus voting
	QuorumFraction         float64        `yaml:"quorum_fraction"`
	TaskTimeout            time.Duration  `yaml:"task_timeout"`
}

// WorkerSpec declares one worker's capability tags.
type WorkerSpec struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
}

// WorkerSpecs resolves pool_size against the declared capability roster.
// A pool smaller than the roster drops trailing entries; a larger pool is
// filled out with generalists carrying every declared capability tag.
func (s SwarmConfig) WorkerSpecs() []WorkerSpec {
	if s.PoolSize <= 0 || s.PoolSize == len(s.Capabilities) {
		return s.Capabilities
	}
	if s.PoolSize < len(s.Capabilities) {
		return s.Capabilities[:s.PoolSize]
	}
	seen := make(map[string]bool)
	var tags []string
	for _, spec := range s.Capabilities {
		for _, c := range spec.Capabilities {
			if !seen[c] {
				seen[c] = true
				tags = append(tags, c)
			}
		}
	}
	specs := make([]WorkerSpec, len(s.Capabilities), s.PoolSize)
	copy(specs, s.Capabilities)
	for i := len(specs); i < s.PoolSize; i++ {
		specs = append(specs, WorkerSpec{
			ID:           fmt.Sprintf("overflow-%d", i+1),
			Capabilities: tags,
		})
	}
	return specs
}

// PersonalizationConfig tunes the ZPD envelope computation.
type PersonalizationConfig struct {
	StretchFactor float64 `yaml:"stretch_factor"` // bounded headroom above mastery
	MaxStretch    float64 `yaml:"max_stretch"`
	EngagementEMA float64 `yaml:"engagement_ema"`
}

// ProviderConfig configures the external generation capability.
type ProviderConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"` // env var holding the key, never the key itself
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NatsConfig configures the progress egress bus.
type NatsConfig struct {
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
	Enabled    bool          `yaml:"enabled"`
}

// DatabaseConfig configures artifact/profile persistence.
type DatabaseConfig struct {
	Type string `yaml:"type"` // "postgres", "memory"
	DSN  string `yaml:"dsn"`
}

// RedisConfig configures the learner-profile cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Enabled  bool          `yaml:"enabled"`
}

// SecurityConfig configures the authorization context.
type SecurityConfig struct {
	JWTSecret       string   `yaml:"jwt_secret"`
	RequireAuth     bool     `yaml:"require_auth"`
	EscalationRoles []string `yaml:"escalation_roles"` // roles allowed to request human review
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// HotReloadConfig controls config-file watching for tunable values.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Pipeline: PipelineConfig{
			AcceptThreshold:  0.7,
			RemediationFloor: 0.3,
			DefaultRetries:   2,
			MaxRetries:       5,
			StageTimeout:     2 * time.Minute,
			MaxConcurrent:    32,
			EventBuffer:      256,
		},
		Decision: DecisionConfig{
			QualityWeight:    0.5,
			CostWeight:       0.3,
			EngagementWeight: 0.2,
			EMAAlpha:         0.3,
			ContextWindow:    10,
		},
		Validator: ValidatorConfig{
			AutoFixSeverity:  "minor",
			DimensionTimeout: 30 * time.Second,
		},
		Swarm: SwarmConfig{
			PoolSize: 8,
			Capabilities: []WorkerSpec{
				{ID: "narrative-1", Capabilities: []string{"narrative"}},
				{ID: "narrative-2", Capabilities: []string{"narrative"}},
				{ID: "script-1", Capabilities: []string{"logic_script"}},
				{ID: "script-2", Capabilities: []string{"logic_script"}},
				{ID: "visual-1", Capabilities: []string{"visual_spec"}},
				{ID: "audio-1", Capabilities: []string{"audio_spec"}},
				{ID: "general-1", Capabilities: []string{"narrative", "visual_spec", "audio_spec"}},
				{ID: "general-2", Capabilities: []string{"narrative", "logic_script"}},
			},
			DissimilarityThreshold: 0.35,
			QuorumFraction:         0.5,
			TaskTimeout:            90 * time.Second,
		},
		Personalization: PersonalizationConfig{
			StretchFactor: 0.15,
			MaxStretch:    0.25,
			EngagementEMA: 0.2,
		},
		Provider: ProviderConfig{
			Endpoint:    "http://localhost:11434/v1",
			Model:       "llama3",
			APIKeyEnv:   "EDFORGE_PROVIDER_API_KEY",
			MaxRetries:  3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			Timeout:     60 * time.Second,
		},
		Nats: NatsConfig{
			URL:        "nats://localhost:4222",
			StreamName: "EDFORGE",
			Timeout:    10 * time.Second,
			Enabled:    false,
		},
		Database: DatabaseConfig{
			Type: "memory",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			TTL:     1 * time.Hour,
			Enabled: false,
		},
		Security: SecurityConfig{
			RequireAuth:     false,
			EscalationRoles: []string{"educator", "admin"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "edforge-core",
		},
		HotReload: HotReloadConfig{
			Enabled: false,
		},
	}
}

// LoadConfigFromFile loads YAML configuration, layering file values over
// defaults and expanding ${ENV_VAR} references before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("EDFORGE_NATS_URL"); url != "" {
		c.Nats.URL = url
		c.Nats.Enabled = true
	}
	if dsn := os.Getenv("EDFORGE_DATABASE_DSN"); dsn != "" {
		c.Database.Type = "postgres"
		c.Database.DSN = dsn
	}
	if addr := os.Getenv("EDFORGE_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if endpoint := os.Getenv("EDFORGE_PROVIDER_ENDPOINT"); endpoint != "" {
		c.Provider.Endpoint = endpoint
	}
	if secret := os.Getenv("EDFORGE_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
		c.Security.RequireAuth = true
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.AcceptThreshold <= 0 || c.Pipeline.AcceptThreshold > 1 {
		return fmt.Errorf("pipeline.accept_threshold must be in (0,1], got %v", c.Pipeline.AcceptThreshold)
	}
	if c.Pipeline.RemediationFloor < 0 || c.Pipeline.RemediationFloor >= c.Pipeline.AcceptThreshold {
		return fmt.Errorf("pipeline.remediation_floor must be in [0, accept_threshold), got %v", c.Pipeline.RemediationFloor)
	}
	if c.Pipeline.MaxRetries < c.Pipeline.DefaultRetries {
		return fmt.Errorf("pipeline.max_retries (%d) below default_retries (%d)", c.Pipeline.MaxRetries, c.Pipeline.DefaultRetries)
	}
	if c.Decision.EMAAlpha <= 0 || c.Decision.EMAAlpha > 1 {
		return fmt.Errorf("decision.ema_alpha must be in (0,1], got %v", c.Decision.EMAAlpha)
	}
	if c.Decision.ContextWindow <= 0 {
		return fmt.Errorf("decision.context_window must be positive, got %d", c.Decision.ContextWindow)
	}
	if c.Swarm.PoolSize <= 0 {
		return fmt.Errorf("swarm.pool_size must be positive, got %d", c.Swarm.PoolSize)
	}
	if c.Swarm.DissimilarityThreshold < 0 || c.Swarm.DissimilarityThreshold > 1 {
		return fmt.Errorf("swarm.dissimilarity_threshold must be in [0,1], got %v", c.Swarm.DissimilarityThreshold)
	}
	for d, w := range c.Validator.Weights {
		if w < 0 {
			return fmt.Errorf("validator.weights[%s] must be non-negative, got %v", d, w)
		}
	}
	return nil
}

// Tunables are the values the hot reloader may swap at runtime. Everything
// else requires a restart.
type Tunables struct {
	AcceptThreshold        float64
	RemediationFloor       float64
	DissimilarityThreshold float64
	RewardWeights          [3]float64 // quality, cost, engagement
	ValidatorWeights       map[models.Dimension]float64
}

// CurrentTunables extracts the hot-reloadable subset of the config.
func (c *Config) CurrentTunables() Tunables {
	weights := make(map[models.Dimension]float64, len(c.Validator.Weights))
	for d, w := range c.Validator.Weights {
		weights[d] = w
	}
	return Tunables{
		AcceptThreshold:        c.Pipeline.AcceptThreshold,
		RemediationFloor:       c.Pipeline.RemediationFloor,
		DissimilarityThreshold: c.Swarm.DissimilarityThreshold,
		RewardWeights:          [3]float64{c.Decision.QualityWeight, c.Decision.CostWeight, c.Decision.EngagementWeight},
		ValidatorWeights:       weights,
	}
}
