package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odellh/burnish/pkg/errors"
)

// Default service configuration values exported for documentation and validation
const (
	DefaultAPIBind             = "127.0.0.1:4690"
	DefaultGenerationTimeout   = 15 * time.Second
	DefaultGenerationRateLimit = 10.0 // requests per second
	DefaultGenerationBurst     = 20
	DefaultTemplateCacheSize   = 256
	DefaultTemplateCacheTTL    = 10 * time.Minute
)

// ServiceConfig is the process-level configuration loaded from YAML.
type ServiceConfig struct {
	Logging    LoggingConfig          `yaml:"logging"`
	API        APIConfig              `yaml:"api"`
	Bus        BusConfig              `yaml:"bus"`
	Generation GenerationConfig       `yaml:"generation"`
	Templates  TemplateConfig         `yaml:"templates"`
	Experiment ExperimentConfig       `yaml:"experiment"`
	Personas   PersonaConfig          `yaml:"personas"`
	Agents     map[string]AgentConfig `yaml:"agents"`
}

// LoggingConfig controls the structured event logger.
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// APIConfig controls the admin HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// BusConfig controls the event sink.
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"` // NATS URL; empty selects the in-memory bus
}

// GenerationConfig selects and bounds the external generation call. An
// empty BaseURL selects the local template renderer.
type GenerationConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"` // env var holding the API key
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

// TemplateConfig bounds the template cache.
type TemplateConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// ExperimentConfig controls experiment archival.
type ExperimentConfig struct {
	ArchivePath string `yaml:"archive_path"` // SQLite file; empty keeps archives in memory
}

// PersonaConfig controls persona definition loading.
type PersonaConfig struct {
	Dirs      []string          `yaml:"dirs"`
	DefaultID string            `yaml:"default_id"`
	Overrides map[string]string `yaml:"overrides"` // agent id -> persona id
}

// DefaultServiceConfig returns the configuration used when no file is present.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Logging: LoggingConfig{MinLevel: "info"},
		API:     APIConfig{Enabled: true, Bind: DefaultAPIBind},
		Bus:     BusConfig{Enabled: false},
		Generation: GenerationConfig{
			Timeout:   DefaultGenerationTimeout,
			RateLimit: DefaultGenerationRateLimit,
			Burst:     DefaultGenerationBurst,
		},
		Templates: TemplateConfig{
			CacheSize: DefaultTemplateCacheSize,
			CacheTTL:  DefaultTemplateCacheTTL,
		},
		Agents: map[string]AgentConfig{},
	}
}

// LoadServiceConfig reads configuration from a YAML file, applying defaults
// for absent values. A missing file returns defaults.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "loading config from "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "parsing config from "+path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "config validation")
	}
	return cfg, nil
}

func (c *ServiceConfig) applyDefaults() {
	if c.API.Bind == "" {
		c.API.Bind = DefaultAPIBind
	}
	if c.Generation.Timeout == 0 {
		c.Generation.Timeout = DefaultGenerationTimeout
	}
	if c.Generation.RateLimit == 0 {
		c.Generation.RateLimit = DefaultGenerationRateLimit
	}
	if c.Generation.Burst == 0 {
		c.Generation.Burst = DefaultGenerationBurst
	}
	if c.Templates.CacheSize == 0 {
		c.Templates.CacheSize = DefaultTemplateCacheSize
	}
	if c.Templates.CacheTTL == 0 {
		c.Templates.CacheTTL = DefaultTemplateCacheTTL
	}
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
}

// Validate checks process-level configuration bounds.
func (c *ServiceConfig) Validate() error {
	if c.Generation.Timeout < 0 {
		return fmt.Errorf("generation.timeout must be >= 0")
	}
	if c.Generation.RateLimit < 0 {
		return fmt.Errorf("generation.rate_limit must be >= 0")
	}
	if c.Generation.Burst < 0 {
		return fmt.Errorf("generation.burst must be >= 0")
	}
	if c.Templates.CacheSize < 0 {
		return fmt.Errorf("templates.cache_size must be >= 0")
	}
	if c.Templates.CacheTTL < 0 || c.Templates.CacheTTL > MaxCacheTTL {
		return fmt.Errorf("templates.cache_ttl must be in [0,%s]", MaxCacheTTL)
	}
	switch c.Logging.MinLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.min_level: %s (valid: debug, info, warn, error)", c.Logging.MinLevel)
	}
	return nil
}
