package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Agent.Mode != "AUTO" {
		t.Errorf("expected AUTO, got %s", cfg.Agent.Mode)
	}
	if cfg.Agent.MaxUses != 5 {
		t.Errorf("expected 5, got %d", cfg.Agent.MaxUses)
	}
	if cfg.Budget.MaxQueries != 30 {
		t.Errorf("expected 30, got %d", cfg.Budget.MaxQueries)
	}
	if cfg.Checkpoint.Backend != "memory" {
		t.Errorf("expected memory, got %s", cfg.Checkpoint.Backend)
	}
	if cfg.Catalog.TTL() != time.Hour {
		t.Errorf("expected 1h catalog TTL, got %v", cfg.Catalog.TTL())
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[agent]
mode = "SQL_ONLY"
max_uses = 3

[atlas.explore]
url = "https://explore.example.com/graphql"
timeout_sec = 10
`), 0644)

	cfg := Load(path)
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Agent.Mode != "SQL_ONLY" {
		t.Errorf("expected SQL_ONLY, got %s", cfg.Agent.Mode)
	}
	if cfg.Agent.MaxUses != 3 {
		t.Errorf("expected 3, got %d", cfg.Agent.MaxUses)
	}
	if cfg.Atlas.Explore.URL != "https://explore.example.com/graphql" {
		t.Errorf("unexpected explore url: %s", cfg.Atlas.Explore.URL)
	}
	if cfg.Atlas.Explore.Timeout() != 10*time.Second {
		t.Errorf("expected 10s, got %v", cfg.Atlas.Explore.Timeout())
	}
	// Defaults preserved for sections the file omits.
	if cfg.Budget.MaxQueries != 30 {
		t.Errorf("default should be preserved, got %d", cfg.Budget.MaxQueries)
	}
	if cfg.Atlas.CountryPages.TimeoutSec != 30 {
		t.Errorf("default should be preserved, got %d", cfg.Atlas.CountryPages.TimeoutSec)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRADEWIND_MODEL_API_KEY", "env-key")
	t.Setenv("TRADEWIND_AGENT_MODE", "GRAPHQL_ONLY")
	t.Setenv("TRADEWIND_AGENT_MAX_USES", "7")
	t.Setenv("TRADEWIND_BUDGET_PER_SESSION", "4")
	t.Setenv("TRADEWIND_OBSERVER_ENABLED", "1")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Model.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Model.APIKey)
	}
	if cfg.Agent.Mode != "GRAPHQL_ONLY" {
		t.Errorf("expected GRAPHQL_ONLY, got %s", cfg.Agent.Mode)
	}
	if cfg.Agent.MaxUses != 7 {
		t.Errorf("expected 7, got %d", cfg.Agent.MaxUses)
	}
	if cfg.Budget.PerSession != 4 {
		t.Errorf("expected 4, got %d", cfg.Budget.PerSession)
	}
	if !cfg.Observer.Enabled {
		t.Error("expected observer enabled")
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
addr = ":9090"
`), 0644)
	t.Setenv("TRADEWIND_ADDR", ":7070")

	cfg := Load(path)
	if cfg.Server.Addr != ":7070" {
		t.Errorf("env should win over file, got %s", cfg.Server.Addr)
	}
}

func TestEnvInvalidIntIgnored(t *testing.T) {
	t.Setenv("TRADEWIND_AGENT_MAX_USES", "not-a-number")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Agent.MaxUses != 5 {
		t.Errorf("invalid int should keep default, got %d", cfg.Agent.MaxUses)
	}
}
