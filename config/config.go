package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for docqa.
type Config struct {
	Chunking  ChunkingConfig   `yaml:"chunking"`
	Providers []ProviderConfig `yaml:"providers"`
	Registry  RegistryConfig   `yaml:"registry"`
	Store     StoreConfig      `yaml:"store"`
	Router    RouterConfig     `yaml:"router"`
	Retrieve  RetrieveConfig   `yaml:"retrieve"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ChunkingConfig sizes are in characters.
type ChunkingConfig struct {
	TargetSize int `yaml:"target_size"`
	Overlap    int `yaml:"overlap"`
	MinChars   int `yaml:"min_chars"`
}

// ProviderConfig describes one embedding backend. Providers are tried in the
// order they are listed.
type ProviderConfig struct {
	ID           string        `yaml:"id"`
	Kind         string        `yaml:"kind"` // "openai", "jina", "deepseek", "ollama", "gemini", "local"
	Model        string        `yaml:"model"`
	Dimension    int           `yaml:"dimension"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	BaseURL      string        `yaml:"base_url"`
	BatchLimit   int           `yaml:"batch_limit"`
	CallBudget   int           `yaml:"call_budget"` // 0 = unlimited
	BudgetWindow time.Duration `yaml:"budget_window"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Disabled     bool          `yaml:"disabled"`
}

type RegistryConfig struct {
	// Fallback names the always-available provider used when every other
	// provider is out of budget.
	Fallback    string        `yaml:"fallback"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// ResetInterval is how often expired budget windows are checked.
	ResetInterval time.Duration `yaml:"reset_interval"`
}

type StoreConfig struct {
	Backend  string `yaml:"backend"` // "bolt", "chromem", "memory"
	DataDir  string `yaml:"data_dir"`
	Compress bool   `yaml:"compress"`
}

type RouterConfig struct {
	// ProfileTTL bounds how stale the corpus dimension profile may get.
	ProfileTTL time.Duration `yaml:"profile_ttl"`
}

// RetrieveConfig holds retrieval configuration.
type RetrieveConfig struct {
	TopK                int                 `yaml:"top_k"`
	CandidateMultiplier int                 `yaml:"candidate_multiplier"`
	KeywordBoost        float64             `yaml:"keyword_boost"`
	MinSimilarity       float64             `yaml:"min_similarity"`
	AdaptiveFloor       bool                `yaml:"adaptive_floor"`
	MMRLambda           float64             `yaml:"mmr_lambda"`
	DedupJaccard        float64             `yaml:"dedup_jaccard"`
	MaxQueryVariants    int                 `yaml:"max_query_variants"`
	Synonyms            map[string][]string `yaml:"synonyms"`
	CacheSize           int                 `yaml:"cache_size"`
	CacheTTL            time.Duration       `yaml:"cache_ttl"`
}

type IngestConfig struct {
	Includes  []string `yaml:"includes"`
	Excludes  []string `yaml:"excludes"`
	Workers   int      `yaml:"workers"`
	BatchSize int      `yaml:"batch_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			TargetSize: 1000,
			Overlap:    200,
			MinChars:   10,
		},
		Providers: []ProviderConfig{
			{
				ID:           "gemini",
				Kind:         "gemini",
				Model:        "gemini-embedding-001",
				Dimension:    3072,
				APIKeyEnv:    "GEMINI_API_KEY",
				BatchLimit:   100,
				CallBudget:   1000,
				BudgetWindow: 24 * time.Hour,
			},
			{
				ID:           "openai",
				Kind:         "openai",
				Model:        "text-embedding-3-small",
				Dimension:    1536,
				APIKeyEnv:    "OPENAI_API_KEY",
				BatchLimit:   100,
				BudgetWindow: 24 * time.Hour,
			},
			{
				ID:        "local",
				Kind:      "local",
				Dimension: 384,
			},
		},
		Registry: RegistryConfig{
			Fallback:      "local",
			CallTimeout:   10 * time.Second,
			ResetInterval: time.Minute,
		},
		Store: StoreConfig{
			Backend: "bolt",
		},
		Router: RouterConfig{
			ProfileTTL: 10 * time.Second,
		},
		Retrieve: RetrieveConfig{
			TopK:                5,
			CandidateMultiplier: 3,
			KeywordBoost:        0.1,
			MinSimilarity:       0.2,
			AdaptiveFloor:       true,
			MMRLambda:           0.7,
			DedupJaccard:        0.8,
			MaxQueryVariants:    3,
			CacheSize:           100,
			CacheTTL:            5 * time.Minute,
		},
		Ingest: IngestConfig{
			Includes:  []string{"**/*.txt", "**/*.md"},
			Excludes:  []string{"**/.git/**", "**/node_modules/**", "**/.docqa/**"},
			Workers:   4,
			BatchSize: 32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for docqa.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "docqa.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".docqa", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Chunking.TargetSize <= 0 {
		return fmt.Errorf("chunking.target_size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.TargetSize {
		return fmt.Errorf("chunking.overlap must be in [0, target_size)")
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Dimension <= 0 && p.Kind != "openai" && p.Kind != "jina" && p.Kind != "deepseek" && p.Kind != "ollama" {
			return fmt.Errorf("provider %q: dimension must be positive", p.ID)
		}
	}
	if c.Registry.Fallback != "" && !seen[c.Registry.Fallback] {
		return fmt.Errorf("registry.fallback %q is not a configured provider", c.Registry.Fallback)
	}

	switch c.Store.Backend {
	case "bolt", "chromem", "memory":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Retrieve.KeywordBoost < 0 {
		return fmt.Errorf("retrieve.keyword_boost must not be negative")
	}
	return nil
}

// Provider looks up a provider by id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// DataDir returns the directory holding persisted state for root.
func (c *Config) DataDir(root string) string {
	if c.Store.DataDir != "" {
		if filepath.IsAbs(c.Store.DataDir) {
			return c.Store.DataDir
		}
		return filepath.Join(root, c.Store.DataDir)
	}
	return filepath.Join(root, ".docqa")
}

// IndexDBPath returns the path to the bolt database inside dataDir.
func IndexDBPath(dataDir string) string {
	return filepath.Join(dataDir, "index.db")
}

// EnsureDataDir ensures the data directory exists.
func EnsureDataDir(dataDir string) error {
	return os.MkdirAll(dataDir, 0755)
}
