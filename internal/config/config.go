// Package config loads server configuration: defaults, then a TOML file,
// then TRADEWIND_* environment variables (env wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Atlas      AtlasConfig      `toml:"atlas"`
	Budget     BudgetConfig     `toml:"budget"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Agent      AgentConfig      `toml:"agent"`
	Model      ModelConfig      `toml:"model"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Docs       DocsConfig       `toml:"docs"`
	Observer   ObserverConfig   `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// RequestTimeoutSec bounds non-streaming request handling.
	RequestTimeoutSec int `toml:"request_timeout_sec"`
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string for the trade database.
	// Empty runs the server without the SQL backend's durable stores.
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
}

// EndpointConfig configures one remote GraphQL endpoint.
type EndpointConfig struct {
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	TimeoutSec int    `toml:"timeout_sec"`
	MaxRetries int    `toml:"max_retries"`
	BackoffMS  int    `toml:"backoff_ms"`
}

type AtlasConfig struct {
	Explore      EndpointConfig `toml:"explore"`
	CountryPages EndpointConfig `toml:"country_pages"`
}

type BudgetConfig struct {
	MaxQueries int `toml:"max_queries"`
	WindowSec  int `toml:"window_sec"`
	// PerSession caps queries per session inside the same window.
	// Zero disables the session dimension.
	PerSession int `toml:"per_session"`
}

type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	RecoverySec      int `toml:"recovery_sec"`
}

type AgentConfig struct {
	Mode    string `toml:"mode"`
	MaxUses int    `toml:"max_uses"`
	TopK    int    `toml:"top_k"`
	Nudge   bool   `toml:"nudge"`
}

type ModelConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Name    string `toml:"name"`
	// RPM and TPM cap outbound model traffic (requests and tokens per
	// minute). Zero disables the corresponding limit.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type CatalogConfig struct {
	TTLSec int `toml:"ttl_sec"`
}

type CheckpointConfig struct {
	// Backend is "postgres", "sqlite", or "memory".
	Backend string `toml:"backend"`
	// Path is the SQLite file for the sqlite backend.
	Path string `toml:"path"`
}

type DocsConfig struct {
	// Dir overrides the embedded documentation set.
	Dir string `toml:"dir"`
}

type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	Endpoint string                     `toml:"endpoint"`
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

// ObserverPricing is USD per million tokens for one model.
type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", RequestTimeoutSec: 120},
		Database: DatabaseConfig{MaxConns: 8},
		Atlas: AtlasConfig{
			Explore:      EndpointConfig{TimeoutSec: 30, MaxRetries: 2, BackoffMS: 500},
			CountryPages: EndpointConfig{TimeoutSec: 30, MaxRetries: 2, BackoffMS: 500},
		},
		Budget:     BudgetConfig{MaxQueries: 30, WindowSec: 300},
		Breaker:    BreakerConfig{FailureThreshold: 5, RecoverySec: 60},
		Agent:      AgentConfig{Mode: "AUTO", MaxUses: 5, TopK: 15, Nudge: true},
		Model:      ModelConfig{BaseURL: "https://api.openai.com/v1", Name: "gpt-4o-mini"},
		Catalog:    CatalogConfig{TTLSec: 3600},
		Checkpoint: CheckpointConfig{Backend: "memory", Path: "tradewind.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "tradewind.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.Server.Addr, "TRADEWIND_ADDR")
	setStr(&cfg.Database.URL, "TRADEWIND_DATABASE_URL")
	setStr(&cfg.Atlas.Explore.URL, "TRADEWIND_EXPLORE_URL")
	setStr(&cfg.Atlas.Explore.APIKey, "TRADEWIND_EXPLORE_API_KEY")
	setStr(&cfg.Atlas.CountryPages.URL, "TRADEWIND_COUNTRY_PAGES_URL")
	setStr(&cfg.Atlas.CountryPages.APIKey, "TRADEWIND_COUNTRY_PAGES_API_KEY")
	setStr(&cfg.Model.BaseURL, "TRADEWIND_MODEL_BASE_URL")
	setStr(&cfg.Model.APIKey, "TRADEWIND_MODEL_API_KEY")
	setStr(&cfg.Model.Name, "TRADEWIND_MODEL_NAME")
	setInt(&cfg.Model.RPM, "TRADEWIND_MODEL_RPM")
	setInt(&cfg.Model.TPM, "TRADEWIND_MODEL_TPM")
	setStr(&cfg.Agent.Mode, "TRADEWIND_AGENT_MODE")
	setInt(&cfg.Agent.MaxUses, "TRADEWIND_AGENT_MAX_USES")
	setInt(&cfg.Budget.MaxQueries, "TRADEWIND_BUDGET_MAX_QUERIES")
	setInt(&cfg.Budget.WindowSec, "TRADEWIND_BUDGET_WINDOW_SEC")
	setInt(&cfg.Budget.PerSession, "TRADEWIND_BUDGET_PER_SESSION")
	setStr(&cfg.Checkpoint.Backend, "TRADEWIND_CHECKPOINT_BACKEND")
	setStr(&cfg.Checkpoint.Path, "TRADEWIND_CHECKPOINT_PATH")
	setStr(&cfg.Docs.Dir, "TRADEWIND_DOCS_DIR")
	setStr(&cfg.Observer.Endpoint, "TRADEWIND_OBSERVER_ENDPOINT")
	if v := os.Getenv("TRADEWIND_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// RequestTimeout returns the server request timeout as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// Timeout returns the endpoint timeout as a duration.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// Backoff returns the endpoint retry backoff base as a duration.
func (e EndpointConfig) Backoff() time.Duration {
	return time.Duration(e.BackoffMS) * time.Millisecond
}

// Window returns the budget sliding window as a duration.
func (b BudgetConfig) Window() time.Duration {
	return time.Duration(b.WindowSec) * time.Second
}

// Recovery returns the breaker recovery timeout as a duration.
func (b BreakerConfig) Recovery() time.Duration {
	return time.Duration(b.RecoverySec) * time.Second
}

// TTL returns the catalog refresh interval as a duration.
func (c CatalogConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}
