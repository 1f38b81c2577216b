package adapter

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/tool"
)

// MythrilAnalyzer wraps `myth analyze -o json`, whose output is a single
// JSON document with a top-level "issues" array.
type MythrilAnalyzer struct {
	*Base
}

// NewMythrilAnalyzer builds the layer-3 symbolic-execution adapter for
// Mythril, resolved on PATH.
func NewMythrilAnalyzer() *MythrilAnalyzer {
	meta := tool.Metadata{
		Name:                   "mythril",
		Layer:                  3,
		Category:               tool.CategorySymbolic,
		DetectionTypes:         []string{"reentrancy", "integer-overflow", "unprotected-selfdestruct", "delegatecall-to-untrusted"},
		License:                "MIT",
		DefaultTimeoutSeconds:  300,
		RequiresExternalBinary: true,
	}
	command := CommandSpec{
		Build: func(contractPath string) []string {
			return []string{"myth", "analyze", contractPath, "-o", "json"}
		},
	}
	return &MythrilAnalyzer{Base: NewBase(meta, command, tool.BinaryProbe{Binary: "myth"})}
}

func (m *MythrilAnalyzer) Analyze(ctx context.Context, contractPath string, opts Options) Result {
	return m.Base.Analyze(ctx, contractPath, opts, m.Normalize)
}

// Normalize maps each issue in Mythril's JSON report to a Finding. Mythril
// reports severity directly ("High"/"Medium"/"Low") and a SWC identifier
// per issue, which the canonical Finding carries as SWCID.
func (m *MythrilAnalyzer) Normalize(raw []byte) ([]finding.Finding, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil
	}

	var findings []finding.Finding
	issues := gjson.GetBytes(raw, "issues")
	issues.ForEach(func(_, issue gjson.Result) bool {
		title := issue.Get("title").String()
		loc := finding.Location{
			File: issue.Get("filename").String(),
			Line: int(issue.Get("lineno").Int()),
		}

		f := finding.New("mythril", m.Meta.Layer, title, loc, issue.Get("description").String())
		f.SWCID = issue.Get("swc-id").String()
		f.Severity = mapMythrilSeverity(issue.Get("severity").String())
		findings = append(findings, f)
		return true
	})
	return findings, nil
}

func mapMythrilSeverity(severity string) finding.Severity {
	switch severity {
	case "High":
		return finding.SeverityHigh
	case "Medium":
		return finding.SeverityMedium
	case "Low":
		return finding.SeverityLow
	default:
		return finding.SeverityMedium
	}
}
