package kb

import "testing"

func TestNewCorpusMeetsMinimumSize(t *testing.T) {
	c, err := NewCorpus()
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() < MinSeedDocuments {
		t.Errorf("corpus has %d documents, want at least %d", c.Len(), MinSeedDocuments)
	}
}

func TestNewCorpusCoversCoreCategories(t *testing.T) {
	c, err := NewCorpus()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"reentrancy", "tx-origin-auth", "unchecked-call-return",
		"integer-overflow", "delegatecall-to-untrusted", "weak-randomness",
		"flash-loan-price-manipulation", "oracle-spot-manipulation",
		"proxy-storage-collision", "uninitialized-proxy", "erc4626-inflation",
	}
	seen := make(map[string]bool)
	for _, d := range c.All() {
		seen[d.Category] = true
	}
	for _, category := range want {
		if !seen[category] {
			t.Errorf("expected category %q to be represented in the corpus", category)
		}
	}
}

func TestGetByID(t *testing.T) {
	c, err := NewCorpus()
	if err != nil {
		t.Fatal(err)
	}
	doc, ok := c.Get("reentrancy-classic")
	if !ok {
		t.Fatal("expected reentrancy-classic to exist")
	}
	if doc.SWCID != "SWC-107" {
		t.Errorf("swc_id = %q, want SWC-107", doc.SWCID)
	}
}

func TestTextConcatenation(t *testing.T) {
	d := VulnerabilityDocument{
		Title:          "T",
		Description:    "D",
		AttackScenario: "A",
		Tags:           []string{"x", "y"},
	}
	if got, want := d.Text(), "T D A x y"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestAddCustomVulnerabilityRejectsDuplicateID(t *testing.T) {
	c, err := NewCorpus()
	if err != nil {
		t.Fatal(err)
	}
	err = c.AddCustomVulnerability(VulnerabilityDocument{ID: "reentrancy-classic", Title: "dup"})
	if err == nil {
		t.Error("expected duplicate id to be rejected")
	}
}

func TestAddCustomVulnerability(t *testing.T) {
	c, err := NewCorpus()
	if err != nil {
		t.Fatal(err)
	}
	before := c.Len()
	if err := c.AddCustomVulnerability(VulnerabilityDocument{ID: "custom-one", Title: "Custom"}); err != nil {
		t.Fatal(err)
	}
	if c.Len() != before+1 {
		t.Errorf("Len() = %d, want %d", c.Len(), before+1)
	}
}
