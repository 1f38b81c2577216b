// Package profile maps a named run profile to the set of layers to run and
// the per-layer adapter allowlist.
package profile

import (
	"fmt"

	"github.com/miesc-hq/miesc/core/finding"
)

// Name is one of the four recognized profile names.
type Name string

const (
	Quick    Name = "quick"
	Standard Name = "standard"
	Thorough Name = "thorough"
	Paranoid Name = "paranoid"
)

var defaultLayers = map[Name][]int{
	Quick:    {1},
	Standard: {1, 2, 3},
	Thorough: {1, 2, 3, 4, 5, 6},
	Paranoid: {1, 2, 3, 4, 5, 6, 7, 8, 9},
}

// Selection is the resolved (layers_to_run, adapter_allowlist) pair a
// profile plus overrides produces.
type Selection struct {
	Layers        []int
	ToolAllowlist []string // empty means "no allowlist restriction"
	ToolDenylist  []string
	MinSeverity   finding.Severity
	MinConfidence finding.Confidence
}

// Overrides carries the optional run-time adjustments to a named profile.
// Zero-value fields mean "no override"; Layers being non-empty always takes
// precedence over the profile's default layer set.
type Overrides struct {
	Layers        []int
	Tools         []string
	SkipTools     []string
	MinSeverity   finding.Severity
	MinConfidence finding.Confidence
}

// ErrUnknownProfile is returned when the requested profile name isn't one
// of the four recognized names.
type ErrUnknownProfile struct {
	Name Name
}

func (e *ErrUnknownProfile) Error() string {
	return fmt.Sprintf("profile: unknown profile %q", e.Name)
}

// Resolve is the pure function (profile_name, overrides) → Selection.
// Explicit overrides.Layers replaces the profile's default layer subset
// entirely, per the "explicit layer-list overrides the profile" rule; every
// other override field augments rather than replaces.
func Resolve(name Name, overrides Overrides) (Selection, error) {
	layers, ok := defaultLayers[name]
	if !ok {
		return Selection{}, &ErrUnknownProfile{Name: name}
	}

	sel := Selection{
		Layers:        layers,
		ToolAllowlist: overrides.Tools,
		ToolDenylist:  overrides.SkipTools,
		MinSeverity:   overrides.MinSeverity,
		MinConfidence: overrides.MinConfidence,
	}
	if len(overrides.Layers) > 0 {
		sel.Layers = overrides.Layers
	}
	return sel, nil
}

// Includes reports whether a tool name survives this selection's allowlist
// and denylist: present in the allowlist (if one is set) and absent from
// the denylist.
func (s Selection) Includes(toolName string) bool {
	if len(s.ToolDenylist) > 0 && contains(s.ToolDenylist, toolName) {
		return false
	}
	if len(s.ToolAllowlist) > 0 && !contains(s.ToolAllowlist, toolName) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
