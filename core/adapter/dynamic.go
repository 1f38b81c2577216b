package adapter

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/tool"
)

// EchidnaFuzzer wraps `echidna <target> --format json`, whose output is a
// JSON array of test results; a failing property carries a "status" of
// "fuzzing failed" or "error" alongside the counterexample call sequence.
type EchidnaFuzzer struct {
	*Base
}

// NewEchidnaFuzzer builds the layer-2 property-based fuzzing adapter for
// Echidna, resolved on PATH.
func NewEchidnaFuzzer() *EchidnaFuzzer {
	meta := tool.Metadata{
		Name:                   "echidna",
		Layer:                  2,
		Category:               tool.CategoryDynamic,
		DetectionTypes:         []string{"invariant-violation", "assertion-failure"},
		License:                "AGPL-3.0",
		DefaultTimeoutSeconds:  600,
		RequiresExternalBinary: true,
	}
	command := CommandSpec{
		Build: func(contractPath string) []string {
			return []string{"echidna", contractPath, "--format", "json"}
		},
	}
	return &EchidnaFuzzer{Base: NewBase(meta, command, tool.BinaryProbe{Binary: "echidna"})}
}

func (e *EchidnaFuzzer) Analyze(ctx context.Context, contractPath string, opts Options) Result {
	return e.Base.Analyze(ctx, contractPath, opts, e.Normalize)
}

// Normalize maps each non-passing test result to a Finding. A passing
// property ("status": "passed" or "optimized") carries no security
// signal and is dropped.
func (e *EchidnaFuzzer) Normalize(raw []byte) ([]finding.Finding, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil
	}

	var findings []finding.Finding
	results := gjson.ParseBytes(raw)
	results.ForEach(func(_, test gjson.Result) bool {
		status := test.Get("status").String()
		if status == "passed" || status == "optimized" {
			return true
		}

		name := test.Get("contract").String() + "." + test.Get("name").String()
		loc := finding.Location{Function: test.Get("name").String()}

		f := finding.New("echidna", e.Meta.Layer, "invariant-violation", loc, "property violated: "+name)
		f.Evidence = map[string]string{"call_sequence": callSequenceEvidence(test)}
		findings = append(findings, f)
		return true
	})
	return findings, nil
}

// callSequenceEvidence tags a property's raw counterexample transactions
// with the contract and property name it belongs to, so the evidence
// blob is self-describing once it's detached from the rest of the report.
func callSequenceEvidence(test gjson.Result) string {
	out, err := sjson.SetRaw("{}", "transactions", test.Get("transactions").Raw)
	if err != nil {
		return test.Get("transactions").Raw
	}
	if out, err = sjson.Set(out, "contract", test.Get("contract").String()); err != nil {
		return out
	}
	if out, err = sjson.Set(out, "property", test.Get("name").String()); err != nil {
		return out
	}
	return out
}
