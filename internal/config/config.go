package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models rivalscan.yml.
type Config struct {
	Analysis struct {
		MaxCompetitors      int `yaml:"max_competitors"`
		StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`
	} `yaml:"analysis"`
	Quality struct {
		InterruptThreshold int                     `yaml:"interrupt_threshold"`
		Metrics            map[string]MetricPolicy `yaml:"metrics"`
	} `yaml:"quality"`
	Retries struct {
		Max          map[string]int `yaml:"max"`
		BackoffMs    int            `yaml:"backoff_ms"`
		BackoffMaxMs int            `yaml:"backoff_max_ms"`
	} `yaml:"retries"`
	Review struct {
		TimeoutMinutes       int `yaml:"timeout_minutes"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"review"`
	Workers   int              `yaml:"workers"`
	Providers struct {
		Search ProviderConfig `yaml:"search"`
		LLM    ProviderConfig `yaml:"llm"`
	} `yaml:"providers"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// MetricPolicy configures one quality metric: the minimum acceptable
// aggregate score, whether shortfalls are treated as critical, and which
// stage a retry should target.
type MetricPolicy struct {
	Threshold   float64 `yaml:"threshold"`
	Critical    bool    `yaml:"critical"`
	RetryTarget string  `yaml:"retry_target"`
}

type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// MaxRetries returns the retry budget for a stage, zero when unset.
func (c *Config) MaxRetries(stage string) int {
	if c == nil || c.Retries.Max == nil {
		return 0
	}
	return c.Retries.Max[stage]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Analysis.MaxCompetitors <= 0 {
		return fmt.Errorf("config.analysis.max_competitors must be positive")
	}
	if c.Quality.InterruptThreshold <= 0 {
		return fmt.Errorf("config.quality.interrupt_threshold must be positive")
	}
	if len(c.Quality.Metrics) == 0 {
		return fmt.Errorf("config.quality.metrics is required")
	}
	for name, m := range c.Quality.Metrics {
		if name == "" {
			return fmt.Errorf("config.quality.metrics contains empty metric name")
		}
		if m.Threshold < 0 || m.Threshold > 1 {
			return fmt.Errorf("metric %s threshold must be in [0,1]", name)
		}
		switch m.RetryTarget {
		case "", "search", "analysis":
		default:
			return fmt.Errorf("metric %s has invalid retry_target %s", name, m.RetryTarget)
		}
	}
	if c.Retries.Max == nil {
		return fmt.Errorf("config.retries.max is required")
	}
	for stage, budget := range c.Retries.Max {
		if budget < 0 {
			return fmt.Errorf("retry budget for stage %s is negative", stage)
		}
	}
	if c.Review.TimeoutMinutes < 0 {
		return fmt.Errorf("config.review.timeout_minutes is negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config.workers must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rivalscan.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Values absent
// from the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `analysis:
  max_competitors: 10
  stage_timeout_seconds: 600

quality:
  interrupt_threshold: 1
  metrics:
    coverage:
      threshold: 0.5
      critical: true
      retry_target: search
    relevance:
      threshold: 0.4
      critical: false
      retry_target: search
    completeness:
      threshold: 0.5
      critical: false
      retry_target: analysis

retries:
  max:
    search: 2
    analysis: 2
    quality: 1
    report: 1
  backoff_ms: 500
  backoff_max_ms: 30000

review:
  timeout_minutes: 60
  sweep_interval_seconds: 30

workers: 4

providers:
  search:
    base_url: ""
    api_key: ""
    timeout_seconds: 60
  llm:
    base_url: ""
    api_key: ""
    timeout_seconds: 120

server:
  jwt_secret: ""
  allow_legacy_actor_header: true
`
