// Package orchestrate runs the nine fixed analysis layers for a profile,
// fanning adapters out within a layer in a bounded-parallel pool, but
// sequencing layers strictly with respect to each other.
package orchestrate

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miesc-hq/miesc/core/adapter"
	"github.com/miesc-hq/miesc/core/aggregate"
	"github.com/miesc-hq/miesc/core/bus"
	"github.com/miesc-hq/miesc/core/profile"
	"github.com/miesc-hq/miesc/core/registry"
	"github.com/miesc-hq/miesc/core/tool"
)

// TotalLayers is the fixed number of ordered layers every profile selects a
// subset of.
const TotalLayers = 9

// DefaultMaxWorkers bounds per-layer parallelism when the caller doesn't
// override it: min(8, adapters in layer) is applied per layer at schedule
// time, this is just the ceiling.
const DefaultMaxWorkers = 8

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxWorkers overrides DefaultMaxWorkers.
func WithMaxWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithBus attaches a context bus that layer-complete telemetry is
// published on. A nil bus (the default) makes publishing a no-op.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// Orchestrator runs a profile's selected layers against a registry.
type Orchestrator struct {
	registry        *registry.Registry
	logger          *slog.Logger
	maxWorkers      int
	bus             *bus.Bus
	skipUnavailable bool
}

// New constructs an Orchestrator bound to a registry. skipUnavailable
// controls whether an adapter whose status() isn't AVAILABLE is omitted
// from scheduling (yielding "skipped") or still invoked to produce a
// uniform "unavailable" result.
func New(reg *registry.Registry, skipUnavailable bool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:        reg,
		logger:          slog.Default(),
		maxWorkers:      DefaultMaxWorkers,
		skipUnavailable: skipUnavailable,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOptions bounds a single call to Run.
type RunOptions struct {
	ContractPath      string
	RunTimeout        time.Duration
	PerAdapterTimeout time.Duration
	// ExcludeCategories skips every adapter whose tool.Category is in this
	// set; used by the two-pass entrypoint to run non-AI layers first.
	ExcludeCategories map[tool.Category]bool
}

// RunOutput is everything a caller needs after running a selection's
// layers: the per-layer-tagged results ready for the aggregator, the
// layers actually run, and the expected-adapter-count-per-layer used for
// the coverage metric.
type RunOutput struct {
	Results         []aggregate.LayeredResult
	LayersRun       []int
	ExpectedByLayer map[int]int
}

// Run executes every layer in sel.Layers strictly in order; within a
// layer, adapters are invoked in parallel bounded by maxWorkers via
// errgroup.SetLimit, fanning a single invocation out across all
// registered adapters. A run-level cancellation (context done or
// RunTimeout exceeded) stops scheduling of further layers; the layer
// already in flight is allowed to drain so every adapter still reaches a
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, sel profile.Selection, opts RunOptions) RunOutput {
	runCtx := ctx
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	out := RunOutput{ExpectedByLayer: make(map[int]int)}
	for _, layer := range sel.Layers {
		candidates := o.selectLayer(layer, sel, opts)
		out.ExpectedByLayer[layer] = len(candidates)
		out.LayersRun = append(out.LayersRun, layer)

		if len(candidates) == 0 {
			continue
		}

		results := o.runLayer(runCtx, layer, candidates, opts)
		for _, r := range results {
			out.Results = append(out.Results, aggregate.LayeredResult{Layer: layer, Result: r})
		}

		o.publishLayerComplete(layer, results)

		if runCtx.Err() != nil {
			o.logger.Warn("run cancelled, stopping before remaining layers", "layer_completed", layer)
			break
		}
	}
	return out
}

// selectLayer resolves the registered adapters for a layer, filtered by the
// profile's allowlist/denylist and any excluded categories.
func (o *Orchestrator) selectLayer(layer int, sel profile.Selection, opts RunOptions) []adapter.Adapter {
	var out []adapter.Adapter
	for _, a := range o.registry.ForLayer(layer) {
		meta := a.Metadata()
		if !sel.Includes(meta.Name) {
			continue
		}
		if opts.ExcludeCategories[meta.Category] {
			continue
		}
		out = append(out, a)
	}
	return out
}

// runLayer invokes every candidate adapter in the layer concurrently,
// bounded by maxWorkers. Each invocation's own failure never aborts the
// group: adapter.Base.Analyze already folds every failure mode into a
// Result, so the errgroup function here never returns a non-nil error.
func (o *Orchestrator) runLayer(ctx context.Context, layer int, candidates []adapter.Adapter, opts RunOptions) []adapter.Result {
	limit := o.maxWorkers
	if len(candidates) < limit {
		limit = len(candidates)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([]adapter.Result, len(candidates))
	for i, a := range candidates {
		i, a := i, a
		g.Go(func() error {
			results[i] = o.invoke(gCtx, a, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// invoke runs a single adapter, honoring the "skip unavailable" policy and
// the per-adapter timeout = min(adapter default, run-level remaining).
func (o *Orchestrator) invoke(ctx context.Context, a adapter.Adapter, opts RunOptions) adapter.Result {
	status := a.Status(ctx)
	name := a.Metadata().Name

	if status.Status != tool.StatusAvailable {
		if o.skipUnavailable {
			o.logger.Debug("adapter skipped", "tool", name, "status", status.Status)
			return adapter.Skip(name)
		}
		return adapter.Result{Tool: name, Status: adapter.ResultUnavailable, Error: status.Reason}
	}

	timeout := a.Metadata().DefaultTimeout()
	if opts.PerAdapterTimeout > 0 && opts.PerAdapterTimeout < timeout {
		timeout = opts.PerAdapterTimeout
	}

	o.logger.Debug("invoking adapter", "tool", name, "timeout", timeout)
	return a.Analyze(ctx, opts.ContractPath, adapter.Options{Timeout: timeout})
}

func (o *Orchestrator) publishLayerComplete(layer int, results []adapter.Result) {
	if o.bus == nil {
		return
	}
	data := map[string]any{
		"layer":   layer,
		"results": len(results),
	}
	o.bus.Publish(bus.NewEnvelope("orchestrator", bus.ContextLayerComplete, "", data, nil, time.Now()))
}
