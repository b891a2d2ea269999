package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chunking.TargetSize != 1000 {
		t.Errorf("expected TargetSize=1000, got %d", cfg.Chunking.TargetSize)
	}
	if cfg.Chunking.Overlap != 200 {
		t.Errorf("expected Overlap=200, got %d", cfg.Chunking.Overlap)
	}
	if cfg.Retrieve.KeywordBoost != 0.1 {
		t.Errorf("expected KeywordBoost=0.1, got %f", cfg.Retrieve.KeywordBoost)
	}
	if cfg.Retrieve.CandidateMultiplier != 3 {
		t.Errorf("expected CandidateMultiplier=3, got %d", cfg.Retrieve.CandidateMultiplier)
	}
	if cfg.Registry.Fallback != "local" {
		t.Errorf("expected fallback=local, got %s", cfg.Registry.Fallback)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Errorf("expected no error for non-existent file, got %v", err)
	}
	if cfg == nil {
		t.Error("expected default config, got nil")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "docqa.yaml")

	content := `
chunking:
  target_size: 500
  overlap: 50
providers:
  - id: ollama
    kind: ollama
    model: all-minilm
    dimension: 384
    batch_limit: 16
  - id: fallback
    kind: local
    dimension: 256
registry:
  fallback: fallback
  call_timeout: 3s
retrieve:
  top_k: 10
  keyword_boost: 0.25
  synonyms:
    kurye: [teslimatçı, kargo]
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Chunking.TargetSize != 500 {
		t.Errorf("expected TargetSize=500, got %d", cfg.Chunking.TargetSize)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	if cfg.Providers[0].BatchLimit != 16 {
		t.Errorf("expected BatchLimit=16, got %d", cfg.Providers[0].BatchLimit)
	}
	if cfg.Registry.CallTimeout != 3*time.Second {
		t.Errorf("expected CallTimeout=3s, got %s", cfg.Registry.CallTimeout)
	}
	if cfg.Retrieve.KeywordBoost != 0.25 {
		t.Errorf("expected KeywordBoost=0.25, got %f", cfg.Retrieve.KeywordBoost)
	}
	if got := cfg.Retrieve.Synonyms["kurye"]; len(got) != 2 {
		t.Errorf("expected 2 synonyms, got %v", got)
	}
	// untouched sections keep defaults
	if cfg.Retrieve.CandidateMultiplier != 3 {
		t.Errorf("expected default CandidateMultiplier=3, got %d", cfg.Retrieve.CandidateMultiplier)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"overlap too large", "chunking:\n  target_size: 100\n  overlap: 100\n"},
		{"unknown fallback", "registry:\n  fallback: missing\n"},
		{"duplicate provider", "providers:\n  - {id: a, kind: local, dimension: 8}\n  - {id: a, kind: local, dimension: 8}\nregistry:\n  fallback: a\n"},
		{"bad backend", "store:\n  backend: sqlite\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "docqa.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, ".docqa"), 0755); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(tmpDir, ".docqa", "config.yaml")

	content := `
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("expected debug/json logging, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docqa.yaml")
	cfg := DefaultConfig()
	cfg.Router.ProfileTTL = 42 * time.Second

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Router.ProfileTTL != 42*time.Second {
		t.Errorf("expected ProfileTTL=42s, got %s", loaded.Router.ProfileTTL)
	}
}

func TestDataDir(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.DataDir("/srv/app"); got != filepath.Join("/srv/app", ".docqa") {
		t.Errorf("unexpected default data dir %s", got)
	}

	cfg.Store.DataDir = "/var/lib/docqa"
	if got := cfg.DataDir("/srv/app"); got != "/var/lib/docqa" {
		t.Errorf("expected absolute data dir, got %s", got)
	}

	if got := IndexDBPath("/var/lib/docqa"); got != filepath.Join("/var/lib/docqa", "index.db") {
		t.Errorf("unexpected db path %s", got)
	}
}
