package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/miesc-hq/miesc/core/aggregate"
	"github.com/miesc-hq/miesc/core/bus"
	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/orchestrate"
	"github.com/miesc-hq/miesc/core/profile"
	"github.com/miesc-hq/miesc/core/registry"
	"github.com/miesc-hq/miesc/core/tool"
)

// RunResult is the top-level output of one audit run: a stable run_id, the
// aggregated findings and summary, and the per-layer coverage detail the
// orchestrator produced along the way.
type RunResult struct {
	RunID           string
	ContractPath    string
	Findings        []finding.Finding
	Summary         aggregate.Summary
	LayersRun       []int
	ExpectedByLayer map[int]int
}

// aiMLCategories is the set the two-pass entrypoint defers to its second
// pass, so the first pass's purely static/dynamic/symbolic/formal findings
// are available as cross-validation input once the AI/ML layers run.
var aiMLCategories = map[tool.Category]bool{
	tool.CategoryAI: true,
	tool.CategoryML: true,
}

// RunAudit resolves cfg's profile, runs every selected layer once, and
// aggregates the result into a single RunResult. This is the single-pass
// entrypoint; RunAuditTwoPass is preferred whenever the profile includes
// any AI/ML layer, since it lets those adapters cross-validate against
// the static/dynamic pass.
func RunAudit(ctx context.Context, reg *registry.Registry, contractSource map[string][]byte, contractPath string, cfg ScanConfig) (RunResult, error) {
	sel, err := resolveSelection(cfg)
	if err != nil {
		return RunResult{}, err
	}

	orch := orchestrate.New(reg, cfg.SkipUnavailable, orchestrate.WithMaxWorkers(maxWorkersOrDefault(cfg)))
	out := orch.Run(ctx, sel, runOptions(cfg, contractPath, nil))

	return assembleResult(contractPath, out, contractSource, cfg), nil
}

// RunAuditTwoPass runs every non-AI/ML layer first, aggregates that pass's
// findings, then runs the AI/ML layers with the first pass's aggregated
// findings available to the bus as cross-validation context, and finally
// merges both passes' findings through one aggregation so deduplication
// and suppression apply across the full combined set.
func RunAuditTwoPass(ctx context.Context, reg *registry.Registry, contractSource map[string][]byte, contractPath string, cfg ScanConfig, b *bus.Bus) (RunResult, error) {
	sel, err := resolveSelection(cfg)
	if err != nil {
		return RunResult{}, err
	}

	orch := orchestrate.New(reg, cfg.SkipUnavailable, orchestrate.WithMaxWorkers(maxWorkersOrDefault(cfg)), orchestrate.WithBus(b))

	firstPassOut := orch.Run(ctx, sel, runOptions(cfg, contractPath, aiMLCategories))
	firstPass := aggregate.Aggregate(firstPassOut.Results, aggregate.Options{ContractSource: contractSource}, firstPassOut.ExpectedByLayer)

	if b != nil {
		b.Publish(bus.NewEnvelope("core", bus.ContextFindingPublished, contractPath, map[string]any{
			"findings": firstPass.Findings,
		}, nil, time.Now()))
	}

	secondPassOut := orch.Run(ctx, sel, runOptionsOnly(cfg, contractPath, aiMLCategories))

	combined := append(append([]aggregate.LayeredResult{}, firstPassOut.Results...), secondPassOut.Results...)
	expected := mergeExpected(firstPassOut.ExpectedByLayer, secondPassOut.ExpectedByLayer)
	final := aggregate.Aggregate(combined, aggregate.Options{ContractSource: contractSource}, expected)

	return RunResult{
		RunID:           uuid.NewString(),
		ContractPath:    contractPath,
		Findings:        filterByThreshold(final.Findings, cfg.MinSeverity, cfg.MinConfidence),
		Summary:         final.Summary,
		LayersRun:       append(append([]int{}, firstPassOut.LayersRun...), secondPassOut.LayersRun...),
		ExpectedByLayer: expected,
	}, nil
}

// filterByThreshold drops every finding below minSeverity or minConfidence,
// honoring the config options of the same name. An empty threshold imposes
// no filter on that dimension.
func filterByThreshold(findings []finding.Finding, minSeverity finding.Severity, minConfidence finding.Confidence) []finding.Finding {
	if minSeverity == "" && minConfidence == "" {
		return findings
	}
	out := make([]finding.Finding, 0, len(findings))
	for _, f := range findings {
		if minSeverity != "" && f.Severity.Less(minSeverity) {
			continue
		}
		if minConfidence != "" && f.Confidence.Less(minConfidence) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func resolveSelection(cfg ScanConfig) (profile.Selection, error) {
	overrides := profile.Overrides{
		Layers:        cfg.Layers,
		Tools:         cfg.Tools,
		SkipTools:     cfg.SkipTools,
		MinSeverity:   cfg.MinSeverity,
		MinConfidence: cfg.MinConfidence,
	}
	name := profile.Name(cfg.Profile)
	if name == "" {
		name = profile.Standard
	}
	return profile.Resolve(name, overrides)
}

func maxWorkersOrDefault(cfg ScanConfig) int {
	if cfg.MaxWorkers > 0 {
		return cfg.MaxWorkers
	}
	return orchestrate.DefaultMaxWorkers
}

func runOptions(cfg ScanConfig, contractPath string, excludeCategories map[tool.Category]bool) orchestrate.RunOptions {
	return orchestrate.RunOptions{
		ContractPath:      contractPath,
		RunTimeout:        time.Duration(cfg.RunTimeoutSeconds) * time.Second,
		PerAdapterTimeout: time.Duration(cfg.PerAdapterTimeoutSeconds) * time.Second,
		ExcludeCategories: invertExclusion(excludeCategories, false),
	}
}

// runOptionsOnly builds the second-pass options: only the categories named
// in include run, everything else is excluded.
func runOptionsOnly(cfg ScanConfig, contractPath string, include map[tool.Category]bool) orchestrate.RunOptions {
	return orchestrate.RunOptions{
		ContractPath:      contractPath,
		RunTimeout:        time.Duration(cfg.RunTimeoutSeconds) * time.Second,
		PerAdapterTimeout: time.Duration(cfg.PerAdapterTimeoutSeconds) * time.Second,
		ExcludeCategories: invertExclusion(include, true),
	}
}

// invertExclusion turns a "categories to defer" set into the
// ExcludeCategories map orchestrate.Run expects. When invert is true, the
// named set is the one to KEEP (the AI/ML pass), so every other known
// category is excluded instead.
func invertExclusion(categories map[tool.Category]bool, invert bool) map[tool.Category]bool {
	if !invert {
		return categories
	}
	all := []tool.Category{
		tool.CategoryStatic, tool.CategoryDynamic, tool.CategorySymbolic,
		tool.CategoryFormal, tool.CategoryAI, tool.CategoryML,
		tool.CategoryEconomic, tool.CategoryDependency, tool.CategorySpecialized,
	}
	out := make(map[tool.Category]bool)
	for _, c := range all {
		if !categories[c] {
			out[c] = true
		}
	}
	return out
}

func mergeExpected(a, b map[int]int) map[int]int {
	out := make(map[int]int, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

func assembleResult(contractPath string, out orchestrate.RunOutput, contractSource map[string][]byte, cfg ScanConfig) RunResult {
	result := aggregate.Aggregate(out.Results, aggregate.Options{ContractSource: contractSource}, out.ExpectedByLayer)
	return RunResult{
		RunID:           uuid.NewString(),
		ContractPath:    contractPath,
		Findings:        filterByThreshold(result.Findings, cfg.MinSeverity, cfg.MinConfidence),
		Summary:         result.Summary,
		LayersRun:       out.LayersRun,
		ExpectedByLayer: out.ExpectedByLayer,
	}
}
