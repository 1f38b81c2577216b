package adapter

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/tool"
)

// SlitherDetector wraps Slither's `--json -` output: one JSON document with
// a top-level "results.detectors" array, each entry carrying a check name,
// impact, confidence, and one or more source mappings.
type SlitherDetector struct {
	*Base
}

// NewSlitherDetector builds the layer-1 static adapter for Slither,
// resolved on PATH.
func NewSlitherDetector() *SlitherDetector {
	meta := tool.Metadata{
		Name:                   "slither",
		Layer:                  1,
		Category:               tool.CategoryStatic,
		DetectionTypes:         []string{"reentrancy", "unchecked-call-return", "integer-overflow", "tx-origin-auth"},
		License:                "AGPL-3.0",
		DefaultTimeoutSeconds:  120,
		RequiresExternalBinary: true,
	}
	command := CommandSpec{
		Build: func(contractPath string) []string {
			return []string{"slither", contractPath, "--json", "-"}
		},
	}
	return &SlitherDetector{Base: NewBase(meta, command, tool.BinaryProbe{Binary: "slither"})}
}

func (s *SlitherDetector) Analyze(ctx context.Context, contractPath string, opts Options) Result {
	return s.Base.Analyze(ctx, contractPath, opts, s.Normalize)
}

// Normalize maps each detector entry in Slither's JSON report to a Finding.
// Impact ("High"/"Medium"/"Low"/"Informational") and confidence
// ("High"/"Medium"/"Low") are mapped onto the canonical upper-case enums;
// Slither's own severity always wins over the adapter-side default table
// since it is tool-reported, not inferred.
func (s *SlitherDetector) Normalize(raw []byte) ([]finding.Finding, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil
	}

	var findings []finding.Finding
	detectors := gjson.GetBytes(raw, "results.detectors")
	detectors.ForEach(func(_, detector gjson.Result) bool {
		check := detector.Get("check").String()
		message := detector.Get("description").String()

		loc := finding.Location{}
		if elements := detector.Get("elements"); elements.IsArray() && len(elements.Array()) > 0 {
			first := elements.Array()[0]
			loc.File = first.Get("source_mapping.filename_relative").String()
			if lines := first.Get("source_mapping.lines"); lines.IsArray() && len(lines.Array()) > 0 {
				loc.Line = int(lines.Array()[0].Int())
			}
		}

		f := finding.New("slither", s.Meta.Layer, check, loc, message)
		f.Severity = mapSlitherImpact(detector.Get("impact").String())
		f.Confidence = mapSlitherConfidence(detector.Get("confidence").String())
		f.Score = finding.DefaultConfidenceScore(f.Confidence)
		findings = append(findings, f)
		return true
	})
	return findings, nil
}

func mapSlitherImpact(impact string) finding.Severity {
	switch impact {
	case "High":
		return finding.SeverityHigh
	case "Medium":
		return finding.SeverityMedium
	case "Low":
		return finding.SeverityLow
	case "Informational":
		return finding.SeverityInfo
	default:
		return finding.SeverityMedium
	}
}

func mapSlitherConfidence(confidence string) finding.Confidence {
	switch confidence {
	case "High":
		return finding.ConfidenceHigh
	case "Medium":
		return finding.ConfidenceMedium
	case "Low":
		return finding.ConfidenceLow
	default:
		return finding.ConfidenceMedium
	}
}
