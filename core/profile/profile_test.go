package profile

import (
	"reflect"
	"testing"
)

func TestResolveDefaults(t *testing.T) {
	cases := []struct {
		name   Name
		layers []int
	}{
		{Quick, []int{1}},
		{Standard, []int{1, 2, 3}},
		{Thorough, []int{1, 2, 3, 4, 5, 6}},
		{Paranoid, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}
	for _, c := range cases {
		sel, err := Resolve(c.name, Overrides{})
		if err != nil {
			t.Fatalf("Resolve(%s): %v", c.name, err)
		}
		if !reflect.DeepEqual(sel.Layers, c.layers) {
			t.Errorf("Resolve(%s).Layers = %v, want %v", c.name, sel.Layers, c.layers)
		}
	}
}

func TestResolveUnknownProfile(t *testing.T) {
	if _, err := Resolve(Name("nonsense"), Overrides{}); err == nil {
		t.Error("expected error for unknown profile name")
	}
}

func TestExplicitLayerOverrideWins(t *testing.T) {
	sel, err := Resolve(Quick, Overrides{Layers: []int{5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(sel.Layers, []int{5, 6}) {
		t.Errorf("Layers = %v, want [5 6]", sel.Layers)
	}
}

func TestIncludesAllowlistAndDenylist(t *testing.T) {
	sel := Selection{ToolAllowlist: []string{"slither", "mythril"}, ToolDenylist: []string{"mythril"}}
	if sel.Includes("mythril") {
		t.Error("mythril is on the denylist, should be excluded")
	}
	if !sel.Includes("slither") {
		t.Error("slither is allowlisted and not denied, should be included")
	}
	if sel.Includes("echidna") {
		t.Error("echidna is not on the allowlist, should be excluded")
	}
}

func TestIncludesNoRestrictions(t *testing.T) {
	sel := Selection{}
	if !sel.Includes("anything") {
		t.Error("with no allowlist/denylist every tool should be included")
	}
}
