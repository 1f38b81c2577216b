// Package aggregate deduplicates and correlates findings from many tool
// adapters into one merged set, scan-merging across many layered adapters
// with cross-tool confidence fusion.
package aggregate

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/miesc-hq/miesc/core/adapter"
	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/suppress"
)

// synonymDictionary maps a raw type/swc_id/cwe_id tag to its canonical
// normalized_type. Both the raw type and any taxonomy IDs present on a
// finding are looked up; the first hit wins.
var synonymDictionary = map[string]string{
	"reentrancy":                "reentrancy",
	"reentrant-call":            "reentrancy",
	"external-call-reentrancy":  "reentrancy",
	"read-only-reentrancy":      "reentrancy",
	"erc777-reentrancy":         "reentrancy",
	"swc-107":                   "reentrancy",
	"tx-origin-auth":            "tx-origin-auth",
	"tx-origin":                 "tx-origin-auth",
	"swc-115":                   "tx-origin-auth",
	"unchecked-call-return":     "unchecked-call-return",
	"unchecked-low-level-call":  "unchecked-call-return",
	"swc-104":                   "unchecked-call-return",
	"integer-overflow":          "integer-overflow",
	"arithmetic-overflow":       "integer-overflow",
	"swc-101":                   "integer-overflow",
	"integer-underflow":         "integer-underflow",
	"arbitrary-storage-write":   "arbitrary-storage-write",
	"swc-124":                   "arbitrary-storage-write",
	"unprotected-selfdestruct":  "unprotected-selfdestruct",
	"swc-106":                   "unprotected-selfdestruct",
	"delegatecall-to-untrusted": "delegatecall-to-untrusted",
	"swc-112":                   "delegatecall-to-untrusted",
	"weak-randomness":           "weak-randomness",
	"swc-120":                   "weak-randomness",
	"timestamp-dependence":      "timestamp-dependence",
	"swc-116":                   "timestamp-dependence",
	"flash-loan-price-manipulation": "flash-loan-price-manipulation",
	"oracle-spot-manipulation":      "oracle-spot-manipulation",
	"proxy-storage-collision":       "proxy-storage-collision",
	"uninitialized-proxy":           "uninitialized-proxy",
}

// NormalizedType derives the canonical vulnerability category a finding
// belongs to, consulting type, then swc_id, then cwe_id against the
// synonym dictionary, falling back to the lowercased raw type when none
// match.
func NormalizedType(f finding.Finding) string {
	for _, candidate := range []string{f.Type, f.SWCID, f.CWEID} {
		key := strings.ToLower(candidate)
		if key == "" {
			continue
		}
		if norm, ok := synonymDictionary[key]; ok {
			return norm
		}
	}
	return strings.ToLower(f.Type)
}

// taxonomyBackfillSWC is the backfill source for swc_id: a finding with no
// swc_id whose normalized type is listed here gets that SWC ID. Only swc_id
// is backfilled; a missing cwe_id is left empty.
var taxonomyBackfillSWC = map[string]string{
	"reentrancy":                "SWC-107",
	"tx-origin-auth":            "SWC-115",
	"unchecked-call-return":     "SWC-104",
	"integer-overflow":          "SWC-101",
	"arbitrary-storage-write":   "SWC-124",
	"unprotected-selfdestruct":  "SWC-106",
	"delegatecall-to-untrusted": "SWC-112",
	"weak-randomness":           "SWC-120",
	"timestamp-dependence":      "SWC-116",
}

// SemanticKey is the deduplication key: two findings with an equal key are
// considered the same observation regardless of which tool produced them.
type SemanticKey struct {
	NormalizedType string
	FileBasename   string
	LineBucket     int
	Function       string
}

const freeFunctionKey = "__free__"
const contractLevelBucket = "__contract__"

// DeriveSemanticKey computes the semantic key for a finding per the
// aggregator's grouping rule: line_bucket = line/3 tolerates +-2 lines of
// drift between tools reporting the same defect at slightly different
// lines; a finding with no line number (contract-level) is keyed on a
// fixed sentinel bucket instead of a numeric one.
func DeriveSemanticKey(f finding.Finding) SemanticKey {
	fn := f.Location.Function
	if fn == "" {
		fn = freeFunctionKey
	}
	key := SemanticKey{
		NormalizedType: NormalizedType(f),
		FileBasename:   filepath.Base(f.Location.File),
	}
	if f.Location.Line <= 0 {
		key.Function = contractLevelBucket
		return key
	}
	key.LineBucket = f.Location.Line / 3
	key.Function = fn
	return key
}

// String gives SemanticKey a stable map-safe representation; SemanticKey
// itself is already comparable and usable as a map key directly, this
// exists only for log/debug output.
func (k SemanticKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%s", k.NormalizedType, k.FileBasename, k.LineBucket, k.Function)
}

// ByTool, ByLayer, and BySeverity partition Summary counters.
type Summary struct {
	TotalFindings   int                      `json:"total_findings"`
	BySeverity      map[finding.Severity]int `json:"by_severity"`
	ByLayer         map[int]int              `json:"by_layer"`
	ByTool          map[string]int           `json:"by_tool"`
	Coverage        float64                  `json:"coverage"`
	CoverageByLayer map[int]float64          `json:"coverage_by_layer"`
}

// Result is the aggregator's full output: the merged, suppressed,
// deterministically sorted finding list plus the run summary.
type Result struct {
	Findings []finding.Finding
	Summary  Summary
}

// Options configures suppression-aware aggregation.
type Options struct {
	// ContractSource, keyed by file basename, is scanned for inline
	// suppression directives before the suppression pass runs. Nil or a
	// missing entry means "no suppressions for this file".
	ContractSource map[string][]byte
	Now            time.Time
}

// LayeredResult pairs one adapter's AnalysisResult with the layer the
// orchestrator ran it in, so the aggregator can compute per-layer coverage
// without inferring layer membership from surviving findings (a zero-
// finding success must still count toward coverage).
type LayeredResult struct {
	Layer  int
	Result adapter.Result
}

// Aggregate runs the seven-step pipeline: flatten, taxonomy backfill,
// semantic key derivation, grouping, merge, suppression, and deterministic
// sort. expectedByLayer is the number of adapters the orchestrator
// considered for each layer, used only for the coverage metric.
func Aggregate(results []LayeredResult, opts Options, expectedByLayer map[int]int) Result {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	flat := flatten(results)
	for i := range flat {
		backfillTaxonomy(&flat[i])
	}

	groups := make(map[SemanticKey][]finding.Finding)
	for _, f := range flat {
		key := DeriveSemanticKey(f)
		groups[key] = append(groups[key], f)
	}

	merged := make([]finding.Finding, 0, len(groups))
	for _, group := range groups {
		merged = append(merged, mergeGroup(group))
	}

	merged = applySuppressions(merged, opts.ContractSource, now)

	sortDeterministic(merged)

	return Result{
		Findings: merged,
		Summary:  summarize(merged, results, expectedByLayer),
	}
}

func flatten(results []LayeredResult) []finding.Finding {
	var out []finding.Finding
	for _, r := range results {
		out = append(out, r.Result.Findings...)
	}
	return out
}

func backfillTaxonomy(f *finding.Finding) {
	if f.SWCID != "" && f.CWEID != "" {
		return
	}
	norm := NormalizedType(*f)
	if f.SWCID == "" {
		if swc, ok := taxonomyBackfillSWC[norm]; ok {
			f.SWCID = swc
		}
	}
}

// mergeGroup folds one semantic-key group of findings into a single
// merged finding per the aggregator's seven merge rules. A group of size 1
// is returned effectively unchanged (no fake promotion to validated).
func mergeGroup(group []finding.Finding) finding.Finding {
	merged := group[0]
	merged.Severity = maxSeverity(group)
	merged.Score = noisyOR(group)
	merged.Confidence = finding.ConfidenceBand(merged.Score)
	merged.Provenance = provenanceList(group)
	merged.Location = narrowestLocation(group)
	merged.Message = longestMessage(group)
	merged.Evidence = evidenceByTool(group)
	merged.Status = mergedStatus(group, merged.Score)
	return merged
}

func maxSeverity(group []finding.Finding) finding.Severity {
	max := group[0].Severity
	for _, f := range group[1:] {
		if max.Less(f.Severity) {
			max = f.Severity
		}
	}
	return max
}

// provenanceSignature joins a finding's full provenance (every tool behind
// it, not just its own Tool field) into a stable dedup key, so two findings
// that already carry the exact same constituent tool set — including a
// single already-merged finding re-aggregated on its own — are treated as
// one contribution rather than double-counted.
func provenanceSignature(f finding.Finding) string {
	tools := append([]string(nil), f.Provenance...)
	sort.Strings(tools)
	return strings.Join(tools, ",")
}

// noisyOR fuses confidence across distinct provenance sets: 1 - prod(1 -
// c_i). Folding over each finding's full Provenance rather than its single
// Tool field keeps this idempotent: re-aggregating an already-merged
// finding (Provenance size >= 2) as its own group of one must return the
// same score it already carries.
func noisyOR(group []finding.Finding) float64 {
	seen := make(map[string]float64)
	for _, f := range group {
		key := provenanceSignature(f)
		if existing, ok := seen[key]; !ok || f.Score > existing {
			seen[key] = f.Score
		}
	}
	product := 1.0
	for _, score := range seen {
		product *= 1 - score
	}
	return math.Round((1-product)*1000) / 1000
}

// provenanceList returns the distinct tools behind the group, sorted by
// (layer, name). It unions every finding's full Provenance, not just its
// Tool field, so merging an already-merged finding back in doesn't shrink
// its recorded tool set. A tool known only through another finding's
// Provenance takes that finding's layer and keeps its position in that
// list, so re-aggregating an already-merged finding leaves its order as it
// was.
func provenanceList(group []finding.Finding) []string {
	type toolLayer struct {
		name  string
		layer int
		pos   int
		own   bool
	}
	seen := make(map[string]toolLayer)
	for _, f := range group {
		for i, name := range f.Provenance {
			entry := toolLayer{name: name, layer: f.Layer, pos: i, own: name == f.Tool}
			if prev, ok := seen[name]; !ok || (entry.own && !prev.own) {
				seen[name] = entry
			}
		}
	}
	list := make([]toolLayer, 0, len(seen))
	for _, tl := range seen {
		list = append(list, tl)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].layer != list[j].layer {
			return list[i].layer < list[j].layer
		}
		if list[i].pos != list[j].pos {
			return list[i].pos < list[j].pos
		}
		return list[i].name < list[j].name
	})
	names := make([]string, len(list))
	for i, tl := range list {
		names[i] = tl.name
	}
	return names
}

// narrowestLocation picks the constituent with the smallest line span.
// Location carries a single line, so locationSpan is 0 for every finding
// and the tie-break decides: the constituent whose tool comes earliest in
// provenance order wins.
func narrowestLocation(group []finding.Finding) finding.Location {
	provenance := provenanceList(group)
	rank := make(map[string]int, len(provenance))
	for i, name := range provenance {
		rank[name] = i
	}

	best := group[0]
	bestSpan := locationSpan(best.Location)
	for _, f := range group[1:] {
		span := locationSpan(f.Location)
		if span < bestSpan || (span == bestSpan && rank[f.Tool] < rank[best.Tool]) {
			best = f
			bestSpan = span
		}
	}
	return best.Location
}

func locationSpan(loc finding.Location) int {
	return 0 // every adapter in this corpus reports a single line, not a range
}

// longestMessage returns the longest non-empty message, as a heuristic for
// "most informative".
func longestMessage(group []finding.Finding) string {
	best := ""
	for _, f := range group {
		if len(f.Message) > len(best) {
			best = f.Message
		}
	}
	return best
}

func evidenceByTool(group []finding.Finding) map[string]string {
	evidence := make(map[string]string)
	for _, f := range group {
		if f.Message == "" {
			continue
		}
		if _, ok := evidence[f.Tool]; !ok {
			evidence[f.Tool] = f.Message
		}
	}
	return evidence
}

// mergedStatus implements the validated/raw decision: validated if
// provenance size >= 2, or any constituent's confidence >= 0.85, or a
// constituent was already marked validated by an upstream validator
// adapter.
func mergedStatus(group []finding.Finding, fusedScore float64) finding.Status {
	if len(provenanceList(group)) >= 2 {
		return finding.StatusValidated
	}
	for _, f := range group {
		if f.Score >= 0.85 || f.Status == finding.StatusValidated {
			return finding.StatusValidated
		}
	}
	return finding.StatusRaw
}

// applySuppressions drops findings whose location matches an inline
// suppression directive found in that file's source.
func applySuppressions(findings []finding.Finding, sources map[string][]byte, now time.Time) []finding.Finding {
	if len(sources) == 0 {
		return findings
	}

	cache := make(map[string][]suppress.Suppression)
	out := findings[:0:0]
	for _, f := range findings {
		base := filepath.Base(f.Location.File)
		supps, ok := cache[base]
		if !ok {
			if src, exists := sources[base]; exists {
				supps = suppress.ScanForSuppressions(src, base)
			}
			cache[base] = supps
		}

		suppressed := false
		for _, s := range supps {
			if s.MatchesFinding(f.Tool, f.Type, f.Location.Line, now) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out = append(out, f)
		}
	}
	return out
}

// sortDeterministic orders findings by severity desc, confidence desc,
// layer asc, tool name asc.
func sortDeterministic(findings []finding.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return b.Severity.Less(a.Severity)
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		return a.Tool < b.Tool
	})
}

func summarize(merged []finding.Finding, results []LayeredResult, expectedByLayer map[int]int) Summary {
	s := Summary{
		TotalFindings:   len(merged),
		BySeverity:      make(map[finding.Severity]int),
		ByLayer:         make(map[int]int),
		ByTool:          make(map[string]int),
		CoverageByLayer: make(map[int]float64),
	}
	for _, f := range merged {
		s.BySeverity[f.Severity]++
		s.ByLayer[f.Layer]++
		for _, tool := range f.Provenance {
			s.ByTool[tool]++
		}
	}

	successByLayer := make(map[int]int)
	for _, r := range results {
		if r.Result.Status == adapter.ResultSuccess {
			successByLayer[r.Layer]++
		}
	}

	totalExpected, totalSuccess := 0, 0
	for layer, expected := range expectedByLayer {
		totalExpected += expected
		success := successByLayer[layer]
		totalSuccess += success
		if expected > 0 {
			s.CoverageByLayer[layer] = float64(success) / float64(expected)
		}
	}
	if totalExpected > 0 {
		s.Coverage = float64(totalSuccess) / float64(totalExpected)
	}
	return s
}
