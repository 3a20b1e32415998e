package config

import "fmt"

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Embed   EmbedConfig
	Storage StorageConfig
	Cache   CacheConfig
	Query   QueryConfig
	Rerank  RerankConfig
	Log     LogConfig
}

// ServerConfig covers the HTTP surface. Token guards the management API;
// Owner is the default journal owner for single-user installs.
type ServerConfig struct {
	Port    int
	MCPPort int
	Token   string
	Owner   string
}

// LLMConfig points at the completion service used for answer consolidation.
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// EmbedConfig points at the embedding service. An empty BaseURL disables
// vector retrieval; the engine then leans on structured queries and the
// recent-entries fallback.
type EmbedConfig struct {
	BaseURL string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

// CacheConfig controls the optional Redis plan-result cache. An empty Addr
// disables it.
type CacheConfig struct {
	Addr string
	TTL  string
}

// QueryConfig is the default performance budget for orchestration runs.
type QueryConfig struct {
	MaxLatencyMs int
	MaxParallel  int
}

// RerankConfig controls model-based re-scoring of retrieved chunks before
// consolidation. Off by default; it costs one completion call per chunk.
type RerankConfig struct {
	Enabled   bool
	Timeout   string
	Threshold float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    7400,
			MCPPort: 7401,
			Owner:   "local",
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "anthropic/claude-opus-4",
		},
		Embed: EmbedConfig{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTL: "5m",
		},
		Query: QueryConfig{
			MaxLatencyMs: 8000,
			MaxParallel:  3,
		},
		Rerank: RerankConfig{
			Timeout:   "2s",
			Threshold: 0.3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/soulo/config.json, then applies SOULO_* environment
// overrides. Secrets (the completion API key) come from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// RequireAPIKey reports a usable error when the completion key is missing.
// Load itself stays lenient so read-only commands work without one.
func (c Config) RequireAPIKey() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing completion API key; set SOULO_API_KEY")
	}
	return nil
}
