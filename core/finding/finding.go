// Package finding defines the canonical security finding model used across
// every MIESC tool adapter. Every adapter produces Finding values from its
// own analyzer's raw output; only the aggregator mutates them afterward.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Severity indicates how critical a finding is, ordered from most to least
// severe.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// severityWeight orders severities for sorting and for the aggregator's
// "max over group" merge rule.
func severityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Less reports whether s is strictly less severe than o.
func (s Severity) Less(o Severity) bool {
	return severityWeight(s) < severityWeight(o)
}

// Confidence is the coarse confidence band alongside a numeric score.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// confidenceWeight orders confidence bands for the min_confidence filter.
func confidenceWeight(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Less reports whether c is a lower confidence band than o.
func (c Confidence) Less(o Confidence) bool {
	return confidenceWeight(c) < confidenceWeight(o)
}

// DefaultConfidenceScore returns the documented numeric default for a
// confidence band when an adapter only supplies the band.
func DefaultConfidenceScore(c Confidence) float64 {
	switch c {
	case ConfidenceHigh:
		return 0.9
	case ConfidenceMedium:
		return 0.6
	case ConfidenceLow:
		return 0.3
	default:
		return 0.3
	}
}

// ConfidenceBand snaps a numeric score to a band using the thresholds the
// aggregator's noisy-OR merge uses: HIGH >= 0.8, MEDIUM >= 0.5, else LOW.
func ConfidenceBand(score float64) Confidence {
	switch {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Status is the finding's disposition within a run.
type Status string

const (
	StatusRaw             Status = "raw"
	StatusValidated       Status = "validated"
	StatusRejected        Status = "rejected"
	StatusDuplicateMerged Status = "duplicate-merged"
)

// Location pinpoints where a finding was detected.
type Location struct {
	File     string `yaml:"file" json:"file"`
	Line     int    `yaml:"line,omitempty" json:"line,omitempty"`
	Column   int    `yaml:"column,omitempty" json:"column,omitempty"`
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	Address  string `yaml:"address,omitempty" json:"address,omitempty"`
}

// Finding is the canonical record for one issue detected by any adapter.
type Finding struct {
	ID         string            `json:"id"`
	Tool       string            `json:"tool"`
	Layer      int               `json:"layer"`
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Confidence Confidence        `json:"confidence"`
	Score      float64           `json:"confidence_score"`
	Location   Location          `json:"location"`
	Message    string            `json:"message"`
	SWCID      string            `json:"swc_id,omitempty"`
	CWEID      string            `json:"cwe_id,omitempty"`
	OWASPID    string            `json:"owasp_id,omitempty"`
	Evidence   map[string]string `json:"evidence,omitempty"`
	Provenance []string          `json:"provenance"`
	Status     Status            `json:"status"`
}

// CriticalTypes and HighTypes are the configured tag sets used by the
// default-severity table when an adapter's upstream tool supplies no
// severity of its own.
var (
	CriticalTypes = map[string]bool{
		"reentrancy":                     true,
		"arbitrary-storage-write":        true,
		"unprotected-selfdestruct":       true,
		"delegatecall-to-untrusted":      true,
		"flash-loan-price-manipulation":  true,
	}
	HighTypes = map[string]bool{
		"tx-origin-auth":           true,
		"unchecked-call-return":    true,
		"integer-overflow":         true,
		"integer-underflow":        true,
		"oracle-spot-manipulation": true,
		"proxy-storage-collision":  true,
	}
)

// DefaultSeverity applies the severity default table: CRITICAL if the type
// is in the configured CRITICAL set, else HIGH if in the HIGH set, else
// MEDIUM.
func DefaultSeverity(findingType string) Severity {
	t := strings.ToLower(findingType)
	if CriticalTypes[t] {
		return SeverityCritical
	}
	if HighTypes[t] {
		return SeverityHigh
	}
	return SeverityMedium
}

// New constructs a Finding from adapter-local data, with the default
// severity for its type and the MEDIUM confidence band at its default
// score. Equality between Finding values is by ID; SemanticKey (see the
// aggregate package) is used solely by the aggregator and is not part of
// this contract. Every call assigns a fresh uuid as ID, so every finding is
// unique within a run even before aggregation groups them by semantic key.
func New(tool string, layer int, findingType string, loc Location, message string) Finding {
	f := Finding{
		Tool:       tool,
		Layer:      layer,
		Type:       findingType,
		Location:   loc,
		Message:    message,
		Provenance: []string{tool},
		Status:     StatusRaw,
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Severity == "" {
		f.Severity = DefaultSeverity(findingType)
	}
	if f.Confidence == "" {
		f.Confidence = ConfidenceMedium
	}
	if f.Score == 0 {
		f.Score = DefaultConfidenceScore(f.Confidence)
	}
	return f
}

// HasTaxonomy reports whether the finding carries at least one of
// (swc_id, cwe_id, type) non-empty.
func (f Finding) HasTaxonomy() bool {
	return f.SWCID != "" || f.CWEID != "" || f.Type != ""
}

// Fingerprint returns a stable hash of the fields that identify "the same
// observation" independent of run order, for use by adapters/tests that need
// a deterministic ID rather than a random uuid.
func Fingerprint(tool, findingType, file string, line int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", tool, findingType, file, line)))
	return hex.EncodeToString(h[:])[:16]
}
