package core

import (
	"context"
	"testing"

	"github.com/miesc-hq/miesc/core/adapter"
	"github.com/miesc-hq/miesc/core/bus"
	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/registry"
	"github.com/miesc-hq/miesc/core/tool"
)

// stubAdapter is a fake Adapter that returns a fixed Result without
// spawning any process, for exercising the orchestration/aggregation
// wiring in isolation from any real tool.
type stubAdapter struct {
	meta   tool.Metadata
	result adapter.Result
}

func (s *stubAdapter) Metadata() tool.Metadata { return s.meta }
func (s *stubAdapter) Status(context.Context) tool.StatusReport {
	return tool.StatusReport{Status: tool.StatusAvailable}
}
func (s *stubAdapter) Analyze(context.Context, string, adapter.Options) adapter.Result {
	return s.result
}
func (s *stubAdapter) Normalize(raw []byte) ([]finding.Finding, error) { return nil, nil }

func newStubAdapter(name string, layer int, category tool.Category, findings []finding.Finding) *stubAdapter {
	return &stubAdapter{
		meta: tool.Metadata{Name: name, Layer: layer, Category: category, DefaultTimeoutSeconds: 5},
		result: adapter.Result{
			Tool:     name,
			Status:   adapter.ResultSuccess,
			Findings: findings,
		},
	}
}

func TestRunAuditAggregatesSingleLayer(t *testing.T) {
	t.Parallel()

	loc := finding.Location{File: "Vault.sol", Line: 10}
	f := finding.New("slither", 1, "reentrancy-eth", loc, "reentrancy in withdraw()")

	reg := registry.New()
	reg.Register(newStubAdapter("slither", 1, tool.CategoryStatic, []finding.Finding{f}))

	cfg := ScanConfig{Profile: "quick"}
	result, err := RunAudit(context.Background(), reg, nil, "Vault.sol", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ContractPath != "Vault.sol" {
		t.Errorf("contract path = %q, want %q", result.ContractPath, "Vault.sol")
	}
	if result.RunID == "" {
		t.Error("expected a non-empty run id")
	}
	if len(result.LayersRun) != 1 || result.LayersRun[0] != 1 {
		t.Errorf("unexpected layers run: %v", result.LayersRun)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(result.Findings))
	}
	if result.Findings[0].Tool != "slither" {
		t.Errorf("unexpected finding: %+v", result.Findings[0])
	}
	if result.Summary.TotalFindings != 1 {
		t.Errorf("summary.total_findings = %d, want 1", result.Summary.TotalFindings)
	}
}

func TestRunAuditUnknownProfileErrors(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, err := RunAudit(context.Background(), reg, nil, "Vault.sol", ScanConfig{Profile: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized profile")
	}
}

func TestRunAuditTwoPassMergesBothPasses(t *testing.T) {
	t.Parallel()

	staticLoc := finding.Location{File: "Vault.sol", Line: 10}
	staticFinding := finding.New("slither", 1, "reentrancy-eth", staticLoc, "reentrancy in withdraw()")

	aiLoc := finding.Location{File: "Vault.sol", Line: 10}
	aiFinding := finding.New("gpt-reviewer", 7, "reentrancy-eth", aiLoc, "confirms reentrancy in withdraw()")

	reg := registry.New()
	reg.Register(newStubAdapter("slither", 1, tool.CategoryStatic, []finding.Finding{staticFinding}))
	reg.Register(newStubAdapter("gpt-reviewer", 7, tool.CategoryAI, []finding.Finding{aiFinding}))

	cfg := ScanConfig{Profile: "paranoid"}
	b := bus.New(16)
	result, err := RunAuditTwoPass(context.Background(), reg, nil, "Vault.sol", cfg, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.LayersRun) != 18 {
		t.Fatalf("expected both passes' layers recorded (9+9), got %d: %v", len(result.LayersRun), result.LayersRun)
	}

	var sawStatic, sawAI bool
	for _, f := range result.Findings {
		for _, name := range f.Provenance {
			switch name {
			case "slither":
				sawStatic = true
			case "gpt-reviewer":
				sawAI = true
			}
		}
	}
	if !sawStatic || !sawAI {
		t.Errorf("expected findings from both passes, got %+v", result.Findings)
	}
}

// unavailableAdapter reports itself as not installed regardless of status
// probing, to exercise the orchestrator's skip-unavailable path.
type unavailableAdapter struct {
	meta tool.Metadata
}

func (u *unavailableAdapter) Metadata() tool.Metadata { return u.meta }
func (u *unavailableAdapter) Status(context.Context) tool.StatusReport {
	return tool.StatusReport{Status: tool.StatusNotInstalled, Reason: "binary not found on PATH"}
}
func (u *unavailableAdapter) Analyze(context.Context, string, adapter.Options) adapter.Result {
	return adapter.Result{Tool: u.meta.Name, Status: adapter.ResultUnavailable}
}
func (u *unavailableAdapter) Normalize(raw []byte) ([]finding.Finding, error) { return nil, nil }

func TestRunAuditFiltersBelowMinSeverity(t *testing.T) {
	t.Parallel()

	loc := finding.Location{File: "Vault.sol", Line: 10}
	low := finding.New("slither", 1, "gas-optimization", loc, "gas optimization available")
	high := finding.New("slither", 1, "tx-origin-auth", loc, "tx.origin used for auth")

	reg := registry.New()
	reg.Register(newStubAdapter("slither", 1, tool.CategoryStatic, []finding.Finding{low, high}))

	cfg := ScanConfig{Profile: "quick", MinSeverity: finding.SeverityHigh}
	result, err := RunAudit(context.Background(), reg, nil, "Vault.sol", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("expected 1 finding to survive the min_severity filter, got %d: %+v", len(result.Findings), result.Findings)
	}
	if result.Findings[0].Type != "tx-origin-auth" {
		t.Errorf("unexpected surviving finding: %+v", result.Findings[0])
	}
}

func TestRunAuditFiltersBelowMinConfidence(t *testing.T) {
	t.Parallel()

	loc := finding.Location{File: "Vault.sol", Line: 10}
	lowConfidence := finding.New("slither", 1, "gas-optimization", loc, "might be suboptimal")
	lowConfidence.Confidence = finding.ConfidenceLow
	lowConfidence.Score = finding.DefaultConfidenceScore(finding.ConfidenceLow)
	highConfidence := finding.New("slither", 1, "unchecked-call-return", loc, "unchecked external call")
	highConfidence.Confidence = finding.ConfidenceHigh
	highConfidence.Score = finding.DefaultConfidenceScore(finding.ConfidenceHigh)

	reg := registry.New()
	reg.Register(newStubAdapter("slither", 1, tool.CategoryStatic, []finding.Finding{lowConfidence, highConfidence}))

	cfg := ScanConfig{Profile: "quick", MinConfidence: finding.ConfidenceHigh}
	result, err := RunAudit(context.Background(), reg, nil, "Vault.sol", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("expected 1 finding to survive the min_confidence filter, got %d: %+v", len(result.Findings), result.Findings)
	}
	if result.Findings[0].Type != "unchecked-call-return" {
		t.Errorf("unexpected surviving finding: %+v", result.Findings[0])
	}
}

func TestRunAuditSkipsUnavailableWhenConfigured(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	reg.Register(&unavailableAdapter{meta: tool.Metadata{Name: "mythril", Layer: 3, DefaultTimeoutSeconds: 5}})

	cfg := ScanConfig{Profile: "standard", SkipUnavailable: true}
	result, err := RunAudit(context.Background(), reg, nil, "Vault.sol", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Findings) != 0 {
		t.Errorf("expected no findings, got %+v", result.Findings)
	}
	if result.Summary.TotalFindings != 0 {
		t.Errorf("summary.total_findings = %d, want 0", result.Summary.TotalFindings)
	}
}
