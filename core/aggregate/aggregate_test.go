package aggregate

import (
	"testing"
	"time"

	"github.com/miesc-hq/miesc/core/adapter"
	"github.com/miesc-hq/miesc/core/finding"
)

func reentrancyFinding(tool string, layer int, line int, score float64) finding.Finding {
	f := finding.New(tool, layer, "reentrancy", finding.Location{File: "VBank.sol", Line: line, Function: "withdraw"}, "reentrant call detected")
	f.Score = score
	f.Confidence = finding.ConfidenceBand(score)
	return f
}

func TestDeriveSemanticKeyTreatsNearbyLinesAsSame(t *testing.T) {
	a := reentrancyFinding("slither", 1, 10, 0.8)
	b := reentrancyFinding("mythril", 2, 11, 0.7)

	if DeriveSemanticKey(a) != DeriveSemanticKey(b) {
		t.Errorf("expected line 10 and 11 (bucket %d vs %d) to share a semantic key", 10/3, 11/3)
	}
}

func TestDeriveSemanticKeyDiffersAcrossFiles(t *testing.T) {
	a := reentrancyFinding("slither", 1, 10, 0.8)
	b := a
	b.Location.File = "Other.sol"

	if DeriveSemanticKey(a) == DeriveSemanticKey(b) {
		t.Error("expected different files to produce different semantic keys")
	}
}

func TestDeriveSemanticKeyContractLevel(t *testing.T) {
	f := finding.New("slither", 1, "missing-license", finding.Location{File: "VBank.sol"}, "no SPDX header")
	key := DeriveSemanticKey(f)
	if key.Function != contractLevelBucket {
		t.Errorf("expected contract-level bucket for line-less finding, got %q", key.Function)
	}
}

func TestAggregateMergesCrossToolDuplicates(t *testing.T) {
	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess, Findings: []finding.Finding{reentrancyFinding("slither", 1, 10, 0.7)}}},
		{Layer: 2, Result: adapter.Result{Tool: "mythril", Status: adapter.ResultSuccess, Findings: []finding.Finding{reentrancyFinding("mythril", 2, 11, 0.6)}}},
	}

	out := Aggregate(results, Options{}, map[int]int{1: 1, 2: 1})
	if len(out.Findings) != 1 {
		t.Fatalf("expected 1 merged finding, got %d", len(out.Findings))
	}
	merged := out.Findings[0]
	if len(merged.Provenance) != 2 {
		t.Fatalf("expected provenance of 2 tools, got %v", merged.Provenance)
	}
	if merged.Provenance[0] != "slither" || merged.Provenance[1] != "mythril" {
		t.Errorf("expected provenance sorted by layer then name, got %v", merged.Provenance)
	}
	if merged.Status != finding.StatusValidated {
		t.Errorf("expected validated status for provenance size 2, got %q", merged.Status)
	}
	wantScore := 1 - (1-0.7)*(1-0.6)
	if diff := merged.Score - wantScore; diff > 0.002 || diff < -0.002 {
		t.Errorf("noisy-OR score = %v, want ~%v", merged.Score, wantScore)
	}
}

func TestAggregateSingleFindingStaysRaw(t *testing.T) {
	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess, Findings: []finding.Finding{reentrancyFinding("slither", 1, 10, 0.5)}}},
	}
	out := Aggregate(results, Options{}, map[int]int{1: 1})
	if out.Findings[0].Status != finding.StatusRaw {
		t.Errorf("expected raw status for a lone low-confidence finding, got %q", out.Findings[0].Status)
	}
}

func TestAggregateHighConfidenceSinglePromotesToValidated(t *testing.T) {
	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess, Findings: []finding.Finding{reentrancyFinding("slither", 1, 10, 0.9)}}},
	}
	out := Aggregate(results, Options{}, map[int]int{1: 1})
	if out.Findings[0].Status != finding.StatusValidated {
		t.Errorf("expected validated status for confidence >= 0.85, got %q", out.Findings[0].Status)
	}
}

func TestAggregateSuppressesMatchingFinding(t *testing.T) {
	src := []byte("pragma solidity ^0.8.0;\ncontract VBank {\nfunction withdraw() public { // miesc-ignore:audited\n}\n}\n")
	f := reentrancyFinding("slither", 1, 3, 0.9)
	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess, Findings: []finding.Finding{f}}},
	}
	out := Aggregate(results, Options{ContractSource: map[string][]byte{"VBank.sol": src}, Now: time.Unix(0, 0)}, map[int]int{1: 1})
	if len(out.Findings) != 0 {
		t.Fatalf("expected suppression to drop the finding, got %d", len(out.Findings))
	}
}

func TestAggregateCoverage(t *testing.T) {
	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess}},
		{Layer: 1, Result: adapter.Result{Tool: "mythril", Status: adapter.ResultUnavailable}},
	}
	out := Aggregate(results, Options{}, map[int]int{1: 2})
	if out.Summary.Coverage != 0.5 {
		t.Errorf("coverage = %v, want 0.5", out.Summary.Coverage)
	}
	if out.Summary.CoverageByLayer[1] != 0.5 {
		t.Errorf("coverage_by_layer[1] = %v, want 0.5", out.Summary.CoverageByLayer[1])
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess, Findings: []finding.Finding{reentrancyFinding("slither", 1, 10, 0.7)}}},
		{Layer: 2, Result: adapter.Result{Tool: "mythril", Status: adapter.ResultSuccess, Findings: []finding.Finding{reentrancyFinding("mythril", 2, 11, 0.6)}}},
	}

	first := Aggregate(results, Options{}, map[int]int{1: 1, 2: 1})
	if len(first.Findings) != 1 {
		t.Fatalf("expected 1 merged finding, got %d", len(first.Findings))
	}

	// Feed the already-merged finding back through Aggregate as its own
	// single-finding layer, the way a second pass over a combined result
	// set would. Its Provenance/Score must come out unchanged.
	reaggregated := []LayeredResult{
		{Layer: first.Findings[0].Layer, Result: adapter.Result{Tool: first.Findings[0].Tool, Status: adapter.ResultSuccess, Findings: []finding.Finding{first.Findings[0]}}},
	}
	second := Aggregate(reaggregated, Options{}, map[int]int{first.Findings[0].Layer: 1})
	if len(second.Findings) != 1 {
		t.Fatalf("expected 1 finding after re-aggregation, got %d", len(second.Findings))
	}

	got := second.Findings[0]
	want := first.Findings[0]
	if len(got.Provenance) != len(want.Provenance) {
		t.Fatalf("re-aggregation changed provenance: got %v, want %v", got.Provenance, want.Provenance)
	}
	for i := range want.Provenance {
		if got.Provenance[i] != want.Provenance[i] {
			t.Errorf("re-aggregation changed provenance: got %v, want %v", got.Provenance, want.Provenance)
			break
		}
	}
	if diff := got.Score - want.Score; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("re-aggregation changed score: got %v, want %v", got.Score, want.Score)
	}
	if got.Status != want.Status {
		t.Errorf("re-aggregation changed status: got %q, want %q", got.Status, want.Status)
	}
}

func TestAggregateSortDeterministic(t *testing.T) {
	high := finding.New("slither", 1, "tx-origin-auth", finding.Location{File: "A.sol", Line: 3}, "tx.origin used for auth")
	high.Severity = finding.SeverityHigh
	high.Score = 0.9
	crit := finding.New("mythril", 2, "reentrancy", finding.Location{File: "A.sol", Line: 30}, "reentrant call")
	crit.Severity = finding.SeverityCritical
	crit.Score = 0.9

	results := []LayeredResult{
		{Layer: 1, Result: adapter.Result{Tool: "slither", Status: adapter.ResultSuccess, Findings: []finding.Finding{high}}},
		{Layer: 2, Result: adapter.Result{Tool: "mythril", Status: adapter.ResultSuccess, Findings: []finding.Finding{crit}}},
	}
	out := Aggregate(results, Options{}, map[int]int{1: 1, 2: 1})
	if out.Findings[0].Severity != finding.SeverityCritical {
		t.Errorf("expected CRITICAL finding first, got %q", out.Findings[0].Severity)
	}
}
