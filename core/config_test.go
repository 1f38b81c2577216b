package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/miesc-hq/miesc/core/finding"
)

func TestLoadScanConfig_NotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := LoadScanConfig(dir)
	if err != nil {
		t.Fatalf("expected no error for missing .miesc.yaml, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.Profile != "" {
		t.Errorf("expected empty profile, got %q", cfg.Profile)
	}
	if len(cfg.Tools) != 0 {
		t.Errorf("expected empty tools list, got %v", cfg.Tools)
	}
}

func TestLoadScanConfig_Valid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `profile: thorough
layers: [1, 2, 3]
tools:
  - slither
  - mythril
skip_tools:
  - manticore
skip_unavailable: true
max_workers: 4
per_adapter_timeout_seconds: 120
run_timeout_seconds: 900
min_severity: medium
min_confidence: low
rag:
  enabled: true
  index_path: .miesc/index
  embedding_backend: hashing
  max_concurrency: 2
  query_rate_limit: 5.0
  cache_capacity: 256
  cache_ttl_seconds: 3600
  hybrid_enabled: true
llm:
  backend: openai
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  timeout_seconds: 30
  rate_limit_per_second: 2.0
  ensemble_size: 3
  consensus_quorum: 0.6
`
	if err := os.WriteFile(filepath.Join(dir, ".miesc.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadScanConfig(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Profile != "thorough" {
		t.Errorf("profile = %q, want %q", cfg.Profile, "thorough")
	}
	if len(cfg.Layers) != 3 || cfg.Layers[0] != 1 || cfg.Layers[2] != 3 {
		t.Errorf("unexpected layers: %v", cfg.Layers)
	}
	if len(cfg.Tools) != 2 || cfg.Tools[0] != "slither" {
		t.Errorf("unexpected tools: %v", cfg.Tools)
	}
	if len(cfg.SkipTools) != 1 || cfg.SkipTools[0] != "manticore" {
		t.Errorf("unexpected skip_tools: %v", cfg.SkipTools)
	}
	if !cfg.SkipUnavailable {
		t.Error("expected skip_unavailable = true")
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("max_workers = %d, want 4", cfg.MaxWorkers)
	}
	if cfg.PerAdapterTimeoutSeconds != 120 {
		t.Errorf("per_adapter_timeout_seconds = %d, want 120", cfg.PerAdapterTimeoutSeconds)
	}
	if cfg.RunTimeoutSeconds != 900 {
		t.Errorf("run_timeout_seconds = %d, want 900", cfg.RunTimeoutSeconds)
	}
	if cfg.MinSeverity != finding.Severity("medium") {
		t.Errorf("min_severity = %q, want %q", cfg.MinSeverity, "medium")
	}
	if cfg.MinConfidence != finding.Confidence("low") {
		t.Errorf("min_confidence = %q, want %q", cfg.MinConfidence, "low")
	}

	if !cfg.RAG.Enabled {
		t.Error("expected rag.enabled = true")
	}
	if cfg.RAG.IndexPath != ".miesc/index" {
		t.Errorf("rag.index_path = %q, want %q", cfg.RAG.IndexPath, ".miesc/index")
	}
	if cfg.RAG.EmbeddingBackend != "hashing" {
		t.Errorf("rag.embedding_backend = %q, want %q", cfg.RAG.EmbeddingBackend, "hashing")
	}
	if cfg.RAG.MaxConcurrency != 2 {
		t.Errorf("rag.max_concurrency = %d, want 2", cfg.RAG.MaxConcurrency)
	}
	if cfg.RAG.QueryRateLimit != 5.0 {
		t.Errorf("rag.query_rate_limit = %f, want 5.0", cfg.RAG.QueryRateLimit)
	}
	if cfg.RAG.CacheCapacity != 256 {
		t.Errorf("rag.cache_capacity = %d, want 256", cfg.RAG.CacheCapacity)
	}
	if !cfg.RAG.HybridEnabled {
		t.Error("expected rag.hybrid_enabled = true")
	}

	if cfg.LLM.Backend != "openai" {
		t.Errorf("llm.backend = %q, want %q", cfg.LLM.Backend, "openai")
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm.model = %q, want %q", cfg.LLM.Model, "gpt-4o-mini")
	}
	if cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("llm.api_key_env = %q, want %q", cfg.LLM.APIKeyEnv, "OPENAI_API_KEY")
	}
	if cfg.LLM.EnsembleSize != 3 {
		t.Errorf("llm.ensemble_size = %d, want 3", cfg.LLM.EnsembleSize)
	}
	if cfg.LLM.ConsensusQuorum != 0.6 {
		t.Errorf("llm.consensus_quorum = %f, want 0.6", cfg.LLM.ConsensusQuorum)
	}
}

func TestLoadScanConfig_Partial(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `profile: quick
tools:
  - slither
`
	if err := os.WriteFile(filepath.Join(dir, ".miesc.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadScanConfig(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Profile != "quick" {
		t.Errorf("profile = %q, want %q", cfg.Profile, "quick")
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0] != "slither" {
		t.Errorf("unexpected tools: %v", cfg.Tools)
	}

	// Unset sections should be zero-valued.
	if cfg.RAG.Enabled {
		t.Error("expected rag.enabled = false when unset")
	}
	if cfg.MaxWorkers != 0 {
		t.Errorf("expected max_workers = 0 when unset, got %d", cfg.MaxWorkers)
	}
}

func TestLoadScanConfig_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `profile: [[[invalid yaml
`
	if err := os.WriteFile(filepath.Join(dir, ".miesc.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadScanConfig(dir)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
	var cfgErr *ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ErrConfiguration, got %T", err)
	}
}

func TestLoadScanConfig_UnknownField(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `profile: quick
not_a_real_field: true
`
	if err := os.WriteFile(filepath.Join(dir, ".miesc.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadScanConfig(dir)
	if err == nil {
		t.Fatal("expected error for unrecognized field, got nil")
	}
}

func TestLoadScanConfig_ReadFileError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	miescPath := filepath.Join(dir, ".miesc.yaml")

	// Create .miesc.yaml as a directory so ReadFile returns a non-ENOENT error.
	if err := os.Mkdir(miescPath, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := LoadScanConfig(dir)
	if err == nil {
		t.Fatal("expected error when .miesc.yaml is a directory, got nil")
	}
}
