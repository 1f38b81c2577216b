// Package llm provides the reusable scaffolding every LLM-based adapter
// builds on: a narrow backend interface, prompt assembly with line-aware
// truncation, and the generator/verifier/consensus and ensemble-voting
// strategies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miesc-hq/miesc/core/finding"
)

// Distinguishable backend failure modes; adapters must treat all three as
// analyze-level errors rather than silently emitting an empty finding set.
var (
	ErrRateLimited = errors.New("llm: rate limited")
	ErrTimeout     = errors.New("llm: timeout")
	ErrConnection  = errors.New("llm: connection error")
)

// Options are the recognized knobs for a single generate() call.
type Options struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
	Seed        *int
}

// Backend is the narrow LLM abstraction every adapter depends on instead of
// a concrete SDK client, so a local-model backend and any number of
// remote-API backends are interchangeable.
type Backend interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Candidate is one finding the Generator stage proposed, before the
// Verifier stage has adjusted its confidence or discarded it.
type Candidate struct {
	Finding            finding.Finding
	GeneratorReasoning string
}

// Verdict is the Verifier LLM's judgment on one candidate.
type Verdict struct {
	Keep               bool
	AdjustedConfidence float64
	Reason             string
}

// Verifier evaluates one candidate given its RAG context and returns a
// keep/discard verdict with an adjusted confidence.
type Verifier interface {
	Verify(ctx context.Context, candidate Candidate, ragContext string) (Verdict, error)
}

// StaticFindingSource lets Consensus check whether a candidate agrees with
// an independently produced static finding, for cross-validation.
type StaticFindingSource interface {
	Agrees(candidate finding.Finding, staticFindings []finding.Finding) bool
}

// Consensus runs the Generator -> Verifier -> Consensus pipeline: every
// candidate is verified, then survives if the verifier kept it or if it
// agrees with an independent static finding. Verification runs candidate-
// by-candidate in the order given; callers that want concurrency fan this
// out themselves before calling Consensus per-candidate.
func RunConsensus(ctx context.Context, candidates []Candidate, ragContext map[string]string, verifier Verifier, staticFindings []finding.Finding, source StaticFindingSource) ([]finding.Finding, error) {
	var survivors []finding.Finding
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			// Cancellation discards partial results rather than emitting them.
			return nil, ctx.Err()
		default:
		}

		verdict, err := verifier.Verify(ctx, c, ragContext[c.Finding.Type])
		if err != nil {
			return nil, fmt.Errorf("verify candidate %s: %w", c.Finding.Type, err)
		}

		agrees := source != nil && source.Agrees(c.Finding, staticFindings)
		if !verdict.Keep && !agrees {
			continue
		}

		f := c.Finding
		if verdict.AdjustedConfidence > 0 {
			f.Score = verdict.AdjustedConfidence
			f.Confidence = finding.ConfidenceBand(f.Score)
		}
		survivors = append(survivors, f)
	}
	return survivors, nil
}

// Vote is one backend's weighted opinion that a finding is real.
type Vote struct {
	Backend string
	Weight  float64
	Finding finding.Finding
}

// EnsembleKey identifies "the same candidate finding" across backends for
// vote accumulation: the lowercased raw type plus the exact file and line.
// It does not use the aggregator's normalized type or line bucket.
type EnsembleKey struct {
	Type string
	File string
	Line int
}

func keyFor(f finding.Finding) EnsembleKey {
	return EnsembleKey{Type: strings.ToLower(f.Type), File: f.Location.File, Line: f.Location.Line}
}

// RunEnsemble tallies weighted votes across N backend runs of the same
// prompt and emits only findings whose cumulative weight reaches the 0.5
// threshold; merged confidence is the cumulative weight itself.
func RunEnsemble(votes []Vote) []finding.Finding {
	type accumulator struct {
		weight  float64
		finding finding.Finding
	}
	tally := make(map[EnsembleKey]*accumulator)
	order := make([]EnsembleKey, 0)

	for _, v := range votes {
		k := keyFor(v.Finding)
		acc, ok := tally[k]
		if !ok {
			acc = &accumulator{finding: v.Finding}
			tally[k] = acc
			order = append(order, k)
		}
		acc.weight += v.Weight
	}

	var out []finding.Finding
	for _, k := range order {
		acc := tally[k]
		if acc.weight < 0.5 {
			continue
		}
		f := acc.finding
		f.Score = acc.weight
		if f.Score > 1 {
			f.Score = 1
		}
		f.Confidence = finding.ConfidenceBand(f.Score)
		out = append(out, f)
	}
	return out
}

// DualRoleVerdict is the critic's per-item judgment in the auditor/critic
// pattern.
type DualRoleVerdict struct {
	Finding finding.Finding
	Keep    bool
	Reason  string
}

// Critic reviews the auditor's candidate superset against the contract
// source and returns a keep/discard verdict per item.
type Critic interface {
	Review(ctx context.Context, candidates []finding.Finding, contractSource string) ([]DualRoleVerdict, error)
}

// RunDualRole applies a Critic to an auditor's candidate list and returns
// only the findings the critic kept.
func RunDualRole(ctx context.Context, candidates []finding.Finding, contractSource string, critic Critic) ([]finding.Finding, error) {
	verdicts, err := critic.Review(ctx, candidates, contractSource)
	if err != nil {
		return nil, fmt.Errorf("critic review: %w", err)
	}
	var kept []finding.Finding
	for _, v := range verdicts {
		if v.Keep {
			kept = append(kept, v.Finding)
		}
	}
	return kept, nil
}

// knownTaxonomyIDs backs the hallucination defense: StripUnknownTaxonomy
// only keeps an SWC/CWE ID the registry actually recognizes.
var knownTaxonomyIDs = map[string]bool{
	"SWC-101": true, "SWC-104": true, "SWC-106": true, "SWC-107": true,
	"SWC-112": true, "SWC-115": true, "SWC-116": true, "SWC-120": true,
	"SWC-124": true,
	"CWE-682": true, "CWE-691": true, "CWE-841": true,
}

// StripUnknownTaxonomy implements the hallucination defense: an SWC/CWE ID
// the model fabricated (not present in the known registry) is stripped
// rather than rewritten, leaving only the finding's type.
func StripUnknownTaxonomy(f finding.Finding) finding.Finding {
	if f.SWCID != "" && !knownTaxonomyIDs[f.SWCID] {
		f.SWCID = ""
	}
	if f.CWEID != "" && !knownTaxonomyIDs[f.CWEID] {
		f.CWEID = ""
	}
	return f
}
