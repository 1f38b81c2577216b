package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/miesc-hq/miesc/core/finding"
)

// ErrConfiguration wraps any configuration problem detected before a run
// starts: an unreadable file, a malformed document, or an unrecognized
// option. No adapter is scheduled once this error surfaces.
type ErrConfiguration struct {
	Path string
	Err  error
}

func (e *ErrConfiguration) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ErrConfiguration) Unwrap() error { return e.Err }

// RAGSettings configures the Embedding/Hybrid RAG pipeline.
type RAGSettings struct {
	Enabled           bool    `yaml:"enabled"`
	IndexPath         string  `yaml:"index_path"`
	EmbeddingBackend  string  `yaml:"embedding_backend"` // "hashing" or "remote"
	RemoteEndpoint    string  `yaml:"remote_endpoint"`
	RemoteModel       string  `yaml:"remote_model"`
	RemoteAPIKeyEnv   string  `yaml:"remote_api_key_env"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
	QueryRateLimit    float64 `yaml:"query_rate_limit"`
	CacheCapacity     int     `yaml:"cache_capacity"`
	CacheTTLSeconds   int     `yaml:"cache_ttl_seconds"`
	HybridEnabled     bool    `yaml:"hybrid_enabled"`
}

// LLMSettings configures the LLM-based adapters' shared backend.
type LLMSettings struct {
	Backend          string  `yaml:"backend"` // "openai", "remote", or a registered backend name
	Model            string  `yaml:"model"`
	BaseURL          string  `yaml:"base_url"`
	APIKeyEnv        string  `yaml:"api_key_env"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_second"`
	EnsembleSize     int     `yaml:"ensemble_size"`
	ConsensusQuorum  float64 `yaml:"consensus_quorum"`
}

// ScanConfig holds project-level configuration loaded from .miesc.yaml.
// Every field mirrors one of the recognized options: profile, layers,
// tools, skip_tools, skip_unavailable, max_workers,
// per_adapter_timeout_seconds, run_timeout_seconds, min_severity,
// min_confidence, rag.*, llm.*.
type ScanConfig struct {
	Profile                  string             `yaml:"profile"`
	Layers                   []int              `yaml:"layers"`
	Tools                    []string           `yaml:"tools"`
	SkipTools                []string           `yaml:"skip_tools"`
	SkipUnavailable          bool               `yaml:"skip_unavailable"`
	MaxWorkers               int                `yaml:"max_workers"`
	PerAdapterTimeoutSeconds int                `yaml:"per_adapter_timeout_seconds"`
	RunTimeoutSeconds        int                `yaml:"run_timeout_seconds"`
	MinSeverity              finding.Severity   `yaml:"min_severity"`
	MinConfidence            finding.Confidence `yaml:"min_confidence"`
	RAG                      RAGSettings        `yaml:"rag"`
	LLM                      LLMSettings        `yaml:"llm"`
}

// LoadScanConfig reads .miesc.yaml from root and returns the parsed config.
// A missing file yields a zero-value ScanConfig and no error. A malformed
// document, or one naming a YAML field this struct doesn't recognize,
// returns ErrConfiguration — validation runs before any adapter is
// scheduled.
func LoadScanConfig(root string) (*ScanConfig, error) {
	path := filepath.Join(root, ".miesc.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ScanConfig{}, nil
		}
		return nil, &ErrConfiguration{Path: path, Err: err}
	}

	var cfg ScanConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ErrConfiguration{Path: path, Err: err}
	}

	return &cfg, nil
}
