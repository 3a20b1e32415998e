package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "missing.json")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7400 {
		t.Errorf("Server.Port = %d, want 7400", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 7401 {
		t.Errorf("Server.MCPPort = %d, want 7401", cfg.Server.MCPPort)
	}
	if cfg.Embed.BaseURL != "http://localhost:11434" {
		t.Errorf("Embed.BaseURL = %q", cfg.Embed.BaseURL)
	}
	if cfg.Embed.Model != "nomic-embed-text" {
		t.Errorf("Embed.Model = %q", cfg.Embed.Model)
	}
	if cfg.Query.MaxLatencyMs != 8000 || cfg.Query.MaxParallel != 3 {
		t.Errorf("Query = %+v", cfg.Query)
	}
	if cfg.Cache.Addr != "" {
		t.Errorf("Cache.Addr = %q, want disabled by default", cfg.Cache.Addr)
	}
}

func TestFileBackendValues(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{
  "server.port": 9000,
  "llm.model": "openai/gpt-4o",
  "cache.addr": "localhost:6379"
}`)
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "openai/gpt-4o" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Cache.Addr != "localhost:6379" {
		t.Errorf("Cache.Addr = %q", cfg.Cache.Addr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"server.port": 9000}`)
	t.Setenv("SOULO_SERVER_PORT", "9100")
	t.Setenv("SOULO_API_KEY", "env-secret")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "env-secret" {
		t.Errorf("LLM.APIKey = %q, want env value", cfg.LLM.APIKey)
	}
}

func TestBoolAndFloatKeys(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{
  "rerank.enabled": "true",
  "rerank.threshold": "0.45"
}`)
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Rerank.Enabled {
		t.Error("Rerank.Enabled = false, want true from file")
	}
	if cfg.Rerank.Threshold != 0.45 {
		t.Errorf("Rerank.Threshold = %v, want 0.45", cfg.Rerank.Threshold)
	}

	t.Setenv("SOULO_RERANK_ENABLED", "false")
	cfg, err = loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Rerank.Enabled {
		t.Error("env override did not disable reranking")
	}
}

func TestRequireAPIKey(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "missing.json")))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.RequireAPIKey(); err == nil {
		t.Fatal("expected error without SOULO_API_KEY")
	}
	cfg.LLM.APIKey = "k"
	if err := cfg.RequireAPIKey(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "server.port", "8080"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.port", "not-a-number"); err == nil {
		t.Fatal("expected error for bad integer")
	}
	if err := setKey(b, "rerank.enabled", "yes-please"); err == nil {
		t.Fatal("expected error for bad boolean")
	}
	if err := setKey(b, "llm.api_key", "x"); err == nil {
		t.Fatal("secrets must not be settable via config")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}

	v, ok, err := newFileBackend(path).GetInt("server.port")
	if err != nil || !ok || v != 8080 {
		t.Fatalf("persisted value = %d ok=%v err=%v", v, ok, err)
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "llm.api_key" {
			t.Fatal("secret key listed as settable")
		}
	}
	if len(ValidKeys()) == 0 {
		t.Fatal("no config keys registered")
	}
}
