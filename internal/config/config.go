package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.json"
	DefaultHost           = "127.0.0.1"

	DefaultCacheCapacity = 2048
	DefaultCacheTTL      = 5 * time.Minute

	DefaultMaxIterations = 10

	DefaultUpstreamTimeout = 120 * time.Second
	DefaultUpstreamRetries = 3

	DefaultToolTimeout          = 30 * time.Second
	DefaultLongContextThreshold = 60000
)

// Provider describes one configured upstream account.
type Provider struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind,omitempty"` // anthropic | openai | aggregator; inferred from api_base_url when empty
	APIBase string   `json:"api_base_url"`
	APIKey  string   `json:"api_key"`
	Models  []string `json:"models"`
	Vision  bool     `json:"vision,omitempty"`
}

// RouterConfig holds the model resolution tables. Aliases and legacy
// mappings are data: adding a model never requires a code change. Values use
// the "provider,model" form.
type RouterConfig struct {
	Default              string            `json:"default"`
	Aliases              map[string]string `json:"aliases,omitempty"`
	Legacy               map[string]string `json:"legacy,omitempty"`
	LongContext          string            `json:"long_context,omitempty"`
	LongContextThreshold int               `json:"long_context_threshold,omitempty"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	Capacity   int  `json:"capacity,omitempty"`
	TTLSeconds int  `json:"ttl_seconds,omitempty"`
}

func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// ToolsConfig controls local tool execution and its security policy.
type ToolsConfig struct {
	Enabled         bool     `json:"enabled"`
	AllowedPaths    []string `json:"allowed_paths,omitempty"`
	AllowedCommands []string `json:"allowed_commands,omitempty"`

	// Requests per second per tool category; zero means unlimited.
	RateLimits map[string]float64 `json:"rate_limits,omitempty"`

	// Seconds per tool category; the "default" key applies to all
	// categories without an override.
	TimeoutSeconds map[string]int `json:"timeout_seconds,omitempty"`
}

// Timeout returns the execution budget for a tool category.
func (c ToolsConfig) Timeout(category string) time.Duration {
	if secs, ok := c.TimeoutSeconds[category]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := c.TimeoutSeconds["default"]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultToolTimeout
}

// LoopConfig bounds the conversation continuation loop.
type LoopConfig struct {
	MaxIterations int `json:"max_iterations,omitempty"`
}

// UpstreamConfig controls provider HTTP calls.
type UpstreamConfig struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty"`
}

func (c UpstreamConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultUpstreamTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c UpstreamConfig) Retries() int {
	if c.MaxRetries <= 0 {
		return DefaultUpstreamRetries
	}
	return c.MaxRetries
}

type Config struct {
	Host      string         `json:"host,omitempty"`
	Port      int            `json:"port,omitempty"`
	APIKey    string         `json:"api_key,omitempty"`
	BatchSize int            `json:"batch_parallelism,omitempty"`
	Providers []Provider     `json:"providers"`
	Router    RouterConfig   `json:"router"`
	Cache     CacheConfig    `json:"cache,omitempty"`
	Tools     ToolsConfig    `json:"tools,omitempty"`
	Loop      LoopConfig     `json:"loop,omitempty"`
	Upstream  UpstreamConfig `json:"upstream,omitempty"`
}

// FindProvider returns the provider entry with the given name.
func (c *Config) FindProvider(name string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// MaxIterations returns the continuation-loop ceiling.
func (c *Config) MaxIterations() int {
	if c.Loop.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return c.Loop.MaxIterations
}

// BatchParallelism bounds concurrent batch items.
func (c *Config) BatchParallelism() int {
	if c.BatchSize <= 0 {
		return 4
	}
	return c.BatchSize
}

type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		// Return a config with defaults if loading fails
		cfg = &Config{}
		applyDefaults(cfg)
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = DefaultCacheCapacity
	}
	if cfg.Router.LongContextThreshold <= 0 {
		cfg.Router.LongContextThreshold = DefaultLongContextThreshold
	}
}
