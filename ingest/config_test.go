package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/docingest/chunk"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "docingest.yaml", `
listen: ":9000"
max_file_size: 10485760
max_concurrent_uploads: 3
memory_warning_ratio: 0.6
memory_critical_ratio: 0.9
breaker_reset_timeout: 45s
ocr_language: fra
extraction_timeout: 20s
languages: [fr, en]
profiles:
  memo:
    target_chunk_size: 120
    max_chunk_size: 240
    overlap_tokens: 10
    strategy: semantic
    preserve_sentences: true
    min_chunk_size: 20
`)
	env := writeFile(t, "empty.env", "")
	cfg, err := LoadConfig(path, env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" || cfg.Gate.MaxFileSize != 10<<20 || cfg.Guard.MaxConcurrent != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Guard.MemoryWarningRatio != 0.6 || cfg.Guard.BreakerResetTimeout != 45*time.Second {
		t.Fatalf("guard = %+v", cfg.Guard)
	}
	if cfg.Extract.OCRLanguage != "fra" || cfg.Extract.DefaultTimeout != 20*time.Second || len(cfg.Extract.Languages) != 2 {
		t.Fatalf("extract = %+v", cfg.Extract)
	}
	memo, ok := cfg.Chunk.Profiles["memo"]
	if !ok || memo.Strategy != chunk.StrategySemantic || memo.TargetChunkSize != 120 {
		t.Fatalf("profiles = %+v", cfg.Chunk.Profiles)
	}
	if cfg.DocumentType != chunk.DefaultDocumentType {
		t.Fatalf("document type default lost: %q", cfg.DocumentType)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "docingest.yaml", "max_concurrent_uploads: 3\nocr_language: fra\n")
	env := writeFile(t, "test.env", "DOCINGEST_OCR_LANGUAGE=deu\nDOCINGEST_MAX_FILE_SIZE=5MB\n")
	t.Setenv("DOCINGEST_MAX_CONCURRENT_UPLOADS", "7")
	t.Setenv("DOCINGEST_BREAKER_RESET_TIMEOUT", "2m")
	t.Setenv("DOCINGEST_ALLOWED_TYPES", "application/pdf, text/plain")
	// The env file sets these; t.Setenv restores them afterwards.
	for _, k := range []string{"DOCINGEST_OCR_LANGUAGE", "DOCINGEST_MAX_FILE_SIZE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := LoadConfig(path, env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Guard.MaxConcurrent != 7 {
		t.Fatalf("env must override file: %d", cfg.Guard.MaxConcurrent)
	}
	if cfg.Extract.OCRLanguage != "deu" {
		t.Fatalf("env file ignored: %q", cfg.Extract.OCRLanguage)
	}
	if cfg.Gate.MaxFileSize != 5_000_000 {
		t.Fatalf("humanized size = %d", cfg.Gate.MaxFileSize)
	}
	if cfg.Guard.BreakerResetTimeout != 2*time.Minute {
		t.Fatalf("duration = %s", cfg.Guard.BreakerResetTimeout)
	}
	if strings.Join(cfg.Gate.AllowedTypes, "|") != "application/pdf|text/plain" {
		t.Fatalf("allowed = %v", cfg.Gate.AllowedTypes)
	}
}

func TestApplyEnv_BadValue(t *testing.T) {
	cfg := DefaultConfig()
	lookup := func(k string) (string, bool) {
		if k == "DOCINGEST_BREAKER_THRESHOLD" {
			return "many", true
		}
		return "", false
	}
	err := cfg.ApplyEnv(lookup)
	if err == nil || !strings.Contains(err.Error(), "DOCINGEST_BREAKER_THRESHOLD") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"min above max", func(c *Config) { c.Gate.MinFileSize = 100; c.Gate.MaxFileSize = 50 }, false},
		{"min above default max", func(c *Config) { c.Gate.MinFileSize = 60 << 20 }, false},
		{"ratios inverted", func(c *Config) { c.Guard.MemoryWarningRatio = 0.9; c.Guard.MemoryCriticalRatio = 0.5 }, false},
		{"critical only, below default warning", func(c *Config) { c.Guard.MemoryCriticalRatio = 0.7 }, false},
		{"critical above one", func(c *Config) { c.Guard.MemoryCriticalRatio = 1.5 }, false},
		{"ocr threshold", func(c *Config) { c.Extract.OCRConfidenceThreshold = 120 }, false},
		{"negative timeout", func(c *Config) { c.Extract.DefaultTimeout = -time.Second }, false},
		{"bad profile", func(c *Config) {
			c.Chunk.Profiles = map[string]chunk.Profile{"x": {TargetChunkSize: 100, MaxChunkSize: 50, Strategy: chunk.StrategyFixed}}
		}, false},
		{"good profile", func(c *Config) {
			c.Chunk.Profiles = map[string]chunk.Profile{"x": {TargetChunkSize: 100, MaxChunkSize: 150, Strategy: chunk.StrategyFixed}}
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestApplyEnv_HardeningOptions(t *testing.T) {
	env := map[string]string{
		"DOCINGEST_RATE_LIMIT_REQUESTS": "20",
		"DOCINGEST_RATE_LIMIT_WINDOW":   "30s",
		"DOCINGEST_TRUST_PROXY":         "true",
		"DOCINGEST_MCP_ROOT":            "/srv/inbox",
	}
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimit.Requests != 20 || cfg.RateLimit.Window != 30*time.Second || !cfg.RateLimit.TrustProxy {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.MCPRoot != "/srv/inbox" {
		t.Fatalf("mcp root = %q", cfg.MCPRoot)
	}
	cfg.RateLimit.Requests = -1
	if cfg.Validate() == nil {
		t.Fatal("negative rate limit must fail validation")
	}
}
