// Package server implements the MCP server that exposes a triage run as a
// tool and the knowledge base / adapter status as resources, for agents
// that want pre-audit findings without shelling out to a CLI.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/miesc-hq/miesc/core"
	"github.com/miesc-hq/miesc/core/bus"
	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/rag/kb"
	"github.com/miesc-hq/miesc/core/registry"
)

// Server is the MIESC MCP server: a thin bridge between an MCP client and
// the triage core, scoped to three tools (run_audit, get_findings,
// tool_status) and two read-only resources (the knowledge base, and
// adapter status).
type Server struct {
	version      string
	allowedPaths []string

	registry *registry.Registry
	corpus   *kb.Corpus
	bus      *bus.Bus

	mu         sync.RWMutex
	lastResult *core.RunResult
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithBus attaches a context bus that two-pass audits publish cross-pass
// findings on. A nil bus (the default) disables two-pass context sharing.
func WithBus(b *bus.Bus) ServerOption {
	return func(s *Server) { s.bus = b }
}

// New creates a Server bound to reg (the registered adapters) and corpus
// (the vulnerability knowledge base). If allowedPaths is empty, any
// contract path is accepted.
func New(version string, allowedPaths []string, reg *registry.Registry, corpus *kb.Corpus, opts ...ServerOption) *Server {
	resolved := make([]string, 0, len(allowedPaths))
	for _, p := range allowedPaths {
		abs, err := filepath.Abs(p)
		if err == nil {
			resolved = append(resolved, abs)
		}
	}
	s := &Server{
		version:      version,
		allowedPaths: resolved,
		registry:     reg,
		corpus:       corpus,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve starts the MCP server on stdio and blocks until the client disconnects.
func (s *Server) Serve() error {
	srv := mcpserver.NewMCPServer(
		"miesc",
		s.version,
		mcpserver.WithRecovery(),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
	)

	s.registerTools(srv)
	s.registerResources(srv)

	return mcpserver.ServeStdio(srv)
}

func (s *Server) registerTools(srv *mcpserver.MCPServer) {
	srv.AddTool(
		mcp.NewTool("run_audit",
			mcp.WithDescription("Run a pre-audit triage pass over a contract and return the aggregated findings"),
			mcp.WithString("path",
				mcp.Description("Absolute path to the contract file or project root to analyze"),
				mcp.Required(),
			),
			mcp.WithString("profile",
				mcp.Description("Run profile: quick, standard, thorough, or paranoid (default: standard)"),
				mcp.Enum("quick", "standard", "thorough", "paranoid"),
			),
			mcp.WithBoolean("two_pass",
				mcp.Description("Run AI/ML adapters in a second pass, cross-validating against the first pass's findings (default: false)"),
			),
			mcp.WithString("min_severity",
				mcp.Description("Drop findings below this severity: critical, high, medium, low, info"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleRunAudit,
	)

	srv.AddTool(
		mcp.NewTool("get_findings",
			mcp.WithDescription("Get the findings and summary from the last run_audit call"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetFindings,
	)

	srv.AddTool(
		mcp.NewTool("tool_status",
			mcp.WithDescription("Report availability status for every registered adapter"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleToolStatus,
	)
}

func (s *Server) registerResources(srv *mcpserver.MCPServer) {
	srv.AddResource(
		mcp.NewResource("miesc://knowledge-base", "Vulnerability Knowledge Base",
			mcp.WithResourceDescription("The fixed corpus of known vulnerability patterns the RAG pipeline searches"),
			mcp.WithMIMEType("application/json"),
		),
		s.handleResourceKnowledgeBase,
	)

	srv.AddResource(
		mcp.NewResource("miesc://tool-status", "Adapter Status",
			mcp.WithResourceDescription("Availability status for every registered adapter"),
			mcp.WithMIMEType("application/json"),
		),
		s.handleResourceToolStatus,
	)
}

// isPathAllowed checks if the given path is under one of the allowed workspace roots.
func (s *Server) isPathAllowed(path string) error {
	if len(s.allowedPaths) == 0 {
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("cannot resolve path: %w", err)
	}

	for _, allowed := range s.allowedPaths {
		rel, err := filepath.Rel(allowed, abs)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(rel, "..") {
			return nil
		}
	}

	return fmt.Errorf("path %q is outside allowed workspaces", path)
}

func (s *Server) handleRunAudit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: path"), nil
	}
	if err := s.isPathAllowed(path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cfg := core.ScanConfig{
		Profile:     request.GetString("profile", "standard"),
		MinSeverity: finding.Severity(strings.ToUpper(request.GetString("min_severity", ""))),
	}

	var result core.RunResult
	twoPass := request.GetBool("two_pass", false)
	if twoPass {
		result, err = core.RunAuditTwoPass(ctx, s.registry, nil, path, cfg, s.bus)
	} else {
		result, err = core.RunAudit(ctx, s.registry, nil, path, cfg)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit failed: %v", err)), nil
	}

	s.mu.Lock()
	s.lastResult = &result
	s.mu.Unlock()

	return jsonToolResult(result)
}

func (s *Server) handleGetFindings(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	result := s.lastResult
	s.mu.RUnlock()

	if result == nil {
		return mcp.NewToolResultError("no audit has run yet; call run_audit first"), nil
	}
	return jsonToolResult(*result)
}

func (s *Server) handleToolStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonToolResult(s.registry.Snapshot(ctx))
}

func (s *Server) handleResourceKnowledgeBase(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResourceContents("miesc://knowledge-base", s.corpus.All())
}

func (s *Server) handleResourceToolStatus(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResourceContents("miesc://tool-status", s.registry.Snapshot(ctx))
}

func jsonToolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func jsonResourceContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
