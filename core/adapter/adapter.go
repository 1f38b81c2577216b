// Package adapter defines the uniform protocol every tool wrapper
// implements (metadata, status, analyze, normalize) and the subprocess-
// backed base type most concrete adapters embed: spawn the tool's binary,
// enforce a timeout, capture and normalize its output, and recover from a
// crash or hang into a terminal Result rather than propagating a panic.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/tool"
)

// ResultStatus is the terminal outcome of one analyze() call.
type ResultStatus string

const (
	ResultSuccess     ResultStatus = "success"
	ResultError       ResultStatus = "error"
	ResultTimeout     ResultStatus = "timeout"
	ResultUnavailable ResultStatus = "unavailable"
	ResultSkipped     ResultStatus = "skipped"
)

// Result wraps everything the orchestrator and aggregator need from one
// adapter invocation.
type Result struct {
	Tool          string            `json:"tool"`
	Status        ResultStatus      `json:"status"`
	DurationMS    int64             `json:"duration_ms"`
	Findings      []finding.Finding `json:"findings"`
	Error         string            `json:"error,omitempty"`
	StdoutExcerpt string            `json:"stdout_excerpt,omitempty"`
}

// Options carries the per-call knobs analyze() honors.
type Options struct {
	Timeout time.Duration
}

// Adapter is the uniform contract every tool wrapper exposes. metadata and
// status must be pure/idempotent and fast; analyze must never panic across
// the boundary and must honor ctx cancellation by returning a timeout
// Result rather than blocking past it.
type Adapter interface {
	Metadata() tool.Metadata
	Status(ctx context.Context) tool.StatusReport
	Analyze(ctx context.Context, contractPath string, opts Options) Result
	Normalize(raw []byte) ([]finding.Finding, error)
}

// ErrToolUnavailable is returned by helpers that refuse to run against a
// non-AVAILABLE tool; analyze() itself never returns an error this way, it
// folds this into Result.Status = unavailable instead.
var ErrToolUnavailable = errors.New("adapter: tool unavailable")

// CommandSpec describes how to invoke an external CLI-style analyzer.
type CommandSpec struct {
	// Build returns the argv for running the tool against contractPath.
	// argv[0] is resolved on PATH.
	Build func(contractPath string) []string
}

// Base implements the subprocess-backed half of Adapter: spawning a CLI
// tool, bounding it by the caller's timeout, detaching it on timeout rather
// than blocking past the deadline, and capturing stdout for Normalize.
// Concrete adapters embed Base and supply metadata, a status probe chain,
// and a Normalize implementation for their tool's raw output shape.
type Base struct {
	Meta    tool.Metadata
	Probes  []tool.Probe
	Command CommandSpec
	Logger  *slog.Logger

	statusCache *tool.StatusReport
}

// NewBase constructs a Base with a default logger when one isn't supplied.
func NewBase(meta tool.Metadata, command CommandSpec, probes ...tool.Probe) *Base {
	return &Base{Meta: meta, Probes: probes, Command: command, Logger: slog.Default()}
}

func (b *Base) Metadata() tool.Metadata {
	return b.Meta
}

// Status runs the probe chain once per process lifetime and caches the
// result for the rest of the run, per the "status cached for the duration
// of a run" contract.
func (b *Base) Status(ctx context.Context) tool.StatusReport {
	if b.statusCache != nil {
		return *b.statusCache
	}
	probeCtx, cancel := context.WithTimeout(ctx, tool.ProbeTimeout)
	defer cancel()
	report := resolveWithContext(probeCtx, b.Meta.Version != "", "", b.Probes...)
	b.statusCache = &report
	return report
}

func resolveWithContext(ctx context.Context, deprecated bool, deprecatedReason string, probes ...tool.Probe) tool.StatusReport {
	done := make(chan tool.StatusReport, 1)
	go func() {
		done <- tool.Resolve(false, deprecatedReason, probes...)
	}()
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return tool.StatusReport{Status: tool.StatusUnavailableRuntime, Reason: "status probe timed out"}
	}
}

// Analyze spawns the underlying CLI tool and waits for it to finish,
// honoring opts.Timeout and ctx. If status() is not AVAILABLE, it returns
// unavailable without attempting execution, per the adapter contract.
func (b *Base) Analyze(ctx context.Context, contractPath string, opts Options, normalize func([]byte) ([]finding.Finding, error)) (result Result) {
	start := time.Now()
	status := b.Status(ctx)
	if status.Status != tool.StatusAvailable {
		return Result{Tool: b.Meta.Name, Status: ResultUnavailable, Error: status.Reason}
	}

	timeout := opts.Timeout
	if d := b.Meta.DefaultTimeout(); timeout == 0 || d < timeout {
		timeout = d
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := b.Command.Build(contractPath)
	if len(argv) == 0 {
		return Result{Tool: b.Meta.Name, Status: ResultError, Error: "adapter: empty command"}
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if info, statErr := os.Stat(contractPath); statErr == nil && info.IsDir() {
		cmd.Dir = contractPath
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	defer func() {
		if r := recover(); r != nil {
			result = Result{Tool: b.Meta.Name, Status: ResultError, Error: fmt.Sprintf("adapter panicked: %v", r), DurationMS: time.Since(start).Milliseconds()}
		}
	}()

	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		detachProcess(cmd)
		b.Logger.Warn("adapter timed out", "tool", b.Meta.Name, "timeout", timeout)
		return Result{Tool: b.Meta.Name, Status: ResultTimeout, DurationMS: duration, StdoutExcerpt: excerpt(stdout.Bytes())}
	}
	if err != nil {
		return Result{Tool: b.Meta.Name, Status: ResultError, DurationMS: duration, Error: err.Error(), StdoutExcerpt: excerpt(stdout.Bytes())}
	}

	findings, nerr := normalize(stdout.Bytes())
	if nerr != nil {
		return Result{Tool: b.Meta.Name, Status: ResultError, DurationMS: duration, Error: fmt.Errorf("normalize: %w", nerr).Error(), StdoutExcerpt: excerpt(stdout.Bytes())}
	}

	return Result{Tool: b.Meta.Name, Status: ResultSuccess, DurationMS: duration, Findings: findings}
}

// detachProcess lets an unresponsive subprocess continue running detached
// rather than blocking the caller past its deadline: it sends SIGTERM to the
// subprocess itself and does not wait on it. Child processes the subprocess
// started are not signaled.
func detachProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func excerpt(b []byte) string {
	const max = 2048
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}

// Skip builds the Result an orchestrator synthesizes for an adapter it
// decided not to run (e.g. "skip unavailable" policy).
func Skip(toolName string) Result {
	return Result{Tool: toolName, Status: ResultSkipped}
}
