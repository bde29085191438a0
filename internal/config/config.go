package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CapsConfig bounds autonomous behavior. Caps are enforced before any
// side effect: a capped loop or refused delegation performs no inference.
type CapsConfig struct {
	// MaxLoopsPerTask is the maximum reflective/task/planning cycles an
	// agent may run for a single task before it is halted. Default 5.
	MaxLoopsPerTask int `yaml:"max_loops_per_task"`

	// MaxDelegationDepth is the maximum length of a delegation chain.
	// Default 3.
	MaxDelegationDepth int `yaml:"max_delegation_depth"`
}

// InferenceConfig holds settings for the OpenAI-compatible inference backend.
type InferenceConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RetentionConfig sets data retention windows in days. 0 keeps forever.
type RetentionConfig struct {
	MemoriesDays    int `yaml:"memories_days"`
	LoopRunsDays    int `yaml:"loop_runs_days"`
	DelegationsDays int `yaml:"delegations_days"`
}

// OtelConfig controls the OpenTelemetry pipeline.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint string `yaml:"endpoint"` // otlp-http collector endpoint
}

// AgentEntry defines an agent to register on startup, in addition to the
// built-in core roster.
type AgentEntry struct {
	AgentID     string `yaml:"agent_id" json:"agent_id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Tone        string `yaml:"tone" json:"tone"`
	Persona     string `yaml:"persona" json:"persona"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Caps      CapsConfig      `yaml:"caps"`
	Inference InferenceConfig `yaml:"inference"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      OtelConfig      `yaml:"otel"`

	// RetentionCronSpec controls when the retention sweep runs.
	RetentionCronSpec string `yaml:"retention_cron"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Agents []AgentEntry `yaml:"agents"`

	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Caps: CapsConfig{
			MaxLoopsPerTask:    5,
			MaxDelegationDepth: 3,
		},
		Inference: InferenceConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Retention: RetentionConfig{
			MemoriesDays:    0,
			LoopRunsDays:    90,
			DelegationsDays: 90,
		},
		Otel: OtelConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		RetentionCronSpec: "17 3 * * *",
	}
}

// HomeDir resolves the daemon home directory, honoring AGENTD_HOME.
func HomeDir() string {
	if override := os.Getenv("AGENTD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd")
}

// Load reads config.yaml from the home directory, applies env overrides and
// defaults, and validates the agent roster. A missing config file is not an
// error; defaults apply and NeedsInit is set.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			// A partial decode must not leave half-read values in force;
			// the daemon keeps running on defaults plus env overrides.
			cfg = defaultConfig()
			cfg.HomeDir = homeDir
			applyEnvOverrides(&cfg)
			normalize(&cfg)
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := ValidateRoster(cfg.Agents); err != nil {
		return cfg, fmt.Errorf("validate agent roster: %w", err)
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Caps.MaxLoopsPerTask <= 0 {
		cfg.Caps.MaxLoopsPerTask = 5
	}
	if cfg.Caps.MaxDelegationDepth <= 0 {
		cfg.Caps.MaxDelegationDepth = 3
	}
	if strings.TrimSpace(cfg.Inference.BaseURL) == "" {
		cfg.Inference.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.Inference.Model) == "" {
		cfg.Inference.Model = "gpt-4o-mini"
	}
	if cfg.Inference.TimeoutSeconds <= 0 {
		cfg.Inference.TimeoutSeconds = 120
	}
	if cfg.Retention.LoopRunsDays < 0 {
		cfg.Retention.LoopRunsDays = 0
	}
	if cfg.Retention.DelegationsDays < 0 {
		cfg.Retention.DelegationsDays = 0
	}
	if cfg.RetentionCronSpec == "" {
		cfg.RetentionCronSpec = "17 3 * * *"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTD_MAX_LOOPS_PER_TASK"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Caps.MaxLoopsPerTask = v
		}
	}
	if raw := os.Getenv("AGENTD_MAX_DELEGATION_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Caps.MaxDelegationDepth = v
		}
	}
	if raw := os.Getenv("AGENTD_INFERENCE_BASE_URL"); raw != "" {
		cfg.Inference.BaseURL = raw
	}
	if raw := os.Getenv("AGENTD_INFERENCE_MODEL"); raw != "" {
		cfg.Inference.Model = raw
	}
	if raw := os.Getenv("AGENTD_INFERENCE_API_KEY"); raw != "" {
		cfg.Inference.APIKey = raw
	} else if raw := os.Getenv("OPENAI_API_KEY"); raw != "" && cfg.Inference.APIKey == "" {
		cfg.Inference.APIKey = raw
	}
	if raw := os.Getenv("AGENTD_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Otel.Enabled = v
		}
	}
	if raw := os.Getenv("AGENTD_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = raw
	}
	if raw := os.Getenv("AGENTD_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a running daemon has.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|loops=%d|depth=%d|model=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Caps.MaxLoopsPerTask, c.Caps.MaxDelegationDepth,
		c.Inference.Model, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
