package registry

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestDefaultRules(t *testing.T) {
	r := DefaultRules()
	tests := []struct {
		parent, child string
		want          bool
	}{
		{"Container", "Text", true},
		{"Container", "Page", false},
		{"Text", "Text", false},
		{"Button", "Container", false},
		{"Nav", "Button", true},
		{"Nav", "Form", false},
		{"Form", "Form", false},
		{"Gallery", "Image", true},
	}
	for _, tt := range tests {
		if got := r.CanAcceptChild(tt.parent, tt.child); got != tt.want {
			t.Errorf("CanAcceptChild(%s, %s) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}

func TestParseRules(t *testing.T) {
	r, err := ParseRules([]byte("default: deny\ntypes:\n  Box:\n    accepts: [Text]\n"))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if r.CanAcceptChild("Unknown", "Text") {
		t.Fatal("deny default should reject unknown parents")
	}
	if !r.CanAcceptChild("Box", "Text") || r.CanAcceptChild("Box", "Image") {
		t.Fatal("accepts list not honored")
	}

	for name, doc := range map[string]string{
		"bad default": "default: maybe\n",
		"leaf lists":  "types:\n  Text:\n    leaf: true\n    accepts: [Text]\n",
		"not yaml":    "types: [\n",
	} {
		if _, err := ParseRules([]byte(doc)); err == nil {
			t.Errorf("%s: ParseRules() error = nil", name)
		}
	}
}

func TestLoadRules(t *testing.T) {
	r, err := LoadRules("")
	if err != nil || !r.CanAcceptChild("Container", "Text") {
		t.Fatalf("LoadRules(\"\") = %v, %v", r, err)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("types:\n  Card:\n    leaf: true\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	r, err = LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if r.CanAcceptChild("Card", "Text") {
		t.Fatal("Card is a leaf")
	}
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadRules(missing) error = nil")
	}
}

func TestComponents(t *testing.T) {
	c := NewComponents(map[string]string{"Hero": "m1"})
	if id, ok := c.Master("Hero"); !ok || id != "m1" {
		t.Fatalf("Master(Hero) = %q, %v", id, ok)
	}
	if err := c.Register("Footer", "m2"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register("Footer", "m2"); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	if err := c.Register("Footer", "m3"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("Register(taken) error = %v", err)
	}
	if err := c.Register(" ", "m3"); err == nil {
		t.Fatal("Register(blank) error = nil")
	}

	// Renaming a master frees its old name.
	if err := c.Register("Banner", "m1"); err != nil {
		t.Fatalf("Register(rename) error = %v", err)
	}
	if _, ok := c.Master("Hero"); ok {
		t.Fatal("old name still registered")
	}
	if got := c.Names(); !slices.Equal(got, []string{"Banner", "Footer"}) {
		t.Fatalf("Names() = %v", got)
	}
	if got := c.Masters(); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Fatalf("Masters() = %v", got)
	}

	if !c.Unregister("m2") || c.Unregister("m2") {
		t.Fatal("Unregister() should succeed exactly once")
	}
	if c.IsMaster("m2") {
		t.Fatal("m2 still a master")
	}
	if name, ok := c.NameOf("m1"); !ok || name != "Banner" {
		t.Fatalf("NameOf(m1) = %q, %v", name, ok)
	}
	if got := c.Map(); len(got) != 1 || got["Banner"] != "m1" {
		t.Fatalf("Map() = %v", got)
	}
}
