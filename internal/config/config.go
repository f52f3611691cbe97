package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Pool        PoolConfig       `yaml:"pool"`
	Retry       RetryConfig      `yaml:"retry"`
	Provider    ProviderConfig   `yaml:"provider"`
	Cache       CacheConfig      `yaml:"cache"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	DatabaseURL string           `yaml:"database_url"`

	// APIKeys configured in the file; merged with environment keys by
	// CollectAPIKeys. Blank entries are dropped there.
	APIKeys []string `yaml:"api_keys"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	LoggingLevel string `yaml:"logging_level"`
	LogFormat    string `yaml:"log_format"` // text or json
	MasterKey    string `yaml:"master_key"`
}

type PoolConfig struct {
	CapacityPerKey     int           `yaml:"capacity_per_key"`
	Cooldown           time.Duration `yaml:"cooldown"`
	ResetSuccessCounts bool          `yaml:"reset_success_counts"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffStep time.Duration `yaml:"backoff_step"`
}

type ProviderConfig struct {
	Name           string        `yaml:"name"` // gemini or ark
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"` // 0 disables the result cache
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// UnmarshalYAML parses cooldown from a duration string ("60m", "1h").
func (p *PoolConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		CapacityPerKey     int    `yaml:"capacity_per_key"`
		Cooldown           string `yaml:"cooldown"`
		ResetSuccessCounts bool   `yaml:"reset_success_counts"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.CapacityPerKey = temp.CapacityPerKey
	p.ResetSuccessCounts = temp.ResetSuccessCounts

	if temp.Cooldown == "" {
		p.Cooldown = 0
		return nil
	}
	d, err := time.ParseDuration(temp.Cooldown)
	if err != nil {
		return fmt.Errorf("invalid cooldown: %w", err)
	}
	p.Cooldown = d
	return nil
}

func (r *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		MaxAttempts int    `yaml:"max_attempts"`
		BackoffStep string `yaml:"backoff_step"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	r.MaxAttempts = temp.MaxAttempts

	if temp.BackoffStep == "" {
		r.BackoffStep = 0
		return nil
	}
	d, err := time.ParseDuration(temp.BackoffStep)
	if err != nil {
		return fmt.Errorf("invalid backoff_step: %w", err)
	}
	r.BackoffStep = d
	return nil
}

func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Name           string `yaml:"name"`
		Model          string `yaml:"model"`
		BaseURL        string `yaml:"base_url"`
		RequestTimeout string `yaml:"request_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.Name = temp.Name
	p.Model = temp.Model
	p.BaseURL = temp.BaseURL

	if temp.RequestTimeout == "" {
		p.RequestTimeout = 0
		return nil
	}
	d, err := time.ParseDuration(temp.RequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid request_timeout: %w", err)
	}
	p.RequestTimeout = d
	return nil
}

func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Size int    `yaml:"size"`
		TTL  string `yaml:"ttl"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	c.Size = temp.Size

	if temp.TTL == "" {
		c.TTL = 0
		return nil
	}
	d, err := time.ParseDuration(temp.TTL)
	if err != nil {
		return fmt.Errorf("invalid cache ttl: %w", err)
	}
	c.TTL = d
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Pool.CapacityPerKey == 0 {
		c.Pool.CapacityPerKey = 95
	}
	if c.Pool.Cooldown == 0 {
		c.Pool.Cooldown = time.Hour
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffStep == 0 {
		c.Retry.BackoffStep = time.Second
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini"
	}
	if c.Provider.RequestTimeout == 0 {
		c.Provider.RequestTimeout = 2 * time.Minute
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 128
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
	}

	switch c.Server.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Server.LogFormat)
	}

	if c.Server.MasterKey == "" {
		return fmt.Errorf("master_key is required")
	}

	if c.Pool.CapacityPerKey < 0 {
		return fmt.Errorf("invalid capacity_per_key: %d", c.Pool.CapacityPerKey)
	}
	if c.Pool.Cooldown < 0 {
		return fmt.Errorf("invalid cooldown: %v", c.Pool.Cooldown)
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("invalid max_attempts: %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffStep < 0 {
		return fmt.Errorf("invalid backoff_step: %v", c.Retry.BackoffStep)
	}

	switch c.Provider.Name {
	case "gemini", "ark":
	default:
		return fmt.Errorf("invalid provider: %s (must be gemini or ark)", c.Provider.Name)
	}

	return nil
}

// maxIndexedKeys bounds the GEMINI_API_KEY_N scan.
const maxIndexedKeys = 32

// CollectAPIKeys gathers credentials from the config file and environment,
// in that order: api_keys from yaml, then GEMINI_API_KEYS (comma-separated),
// then GEMINI_API_KEY_1..N. Blank entries are filtered and duplicates keep
// their first position, so ordinals stay stable for a given configuration.
//
// Zero keys is not an error here; whether that is fatal is the caller's
// startup decision.
func (c *Config) CollectAPIKeys() []string {
	var raw []string
	raw = append(raw, c.APIKeys...)

	if v := os.Getenv("GEMINI_API_KEYS"); v != "" {
		raw = append(raw, strings.Split(v, ",")...)
	}

	for i := 1; i <= maxIndexedKeys; i++ {
		if v := os.Getenv(fmt.Sprintf("GEMINI_API_KEY_%d", i)); v != "" {
			raw = append(raw, v)
		}
	}

	seen := make(map[string]bool, len(raw))
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}
