package tree

import (
	"errors"
	"slices"
	"testing"
)

func TestDeleteInstanceSeversMasterHasMany(t *testing.T) {
	s := sampleStore(t)
	ids := &seqIDs{prefix: "i"}
	first := instantiate(t, s, ids, "row", "ROOT", RelationFull)
	second := instantiate(t, s, ids, "row", "ROOT", RelationStyle)

	res, err := Delete(s, first)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := mustNode(t, s, "row").Props.HasMany; !slices.Equal(got, []string{second}) {
		t.Fatalf("master hasMany = %v, want [%s]", got, second)
	}
	if res.Selected != "sec" {
		t.Fatalf("Selected = %q, want previous sibling sec", res.Selected)
	}
	for _, id := range res.Removed {
		if s.Has(id) {
			t.Fatalf("%s survived delete", id)
		}
	}
}

func TestDeleteMasterOrphansInstances(t *testing.T) {
	s := sampleStore(t)
	ids := &seqIDs{prefix: "i"}
	a := instantiate(t, s, ids, "row", "ROOT", RelationFull)
	b := instantiate(t, s, ids, "row", "ROOT", RelationStyle)

	res, err := Delete(s, "sec")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !slices.Equal(res.Orphaned, []string{a, b}) {
		t.Fatalf("Orphaned = %v", res.Orphaned)
	}
	for _, id := range []string{a, b} {
		node := mustNode(t, s, id)
		if node.Props.BelongsTo != "" {
			t.Fatalf("%s still belongs to %q", id, node.Props.BelongsTo)
		}
		if len(node.ChildIDs) != 2 {
			t.Fatalf("orphaned instance %s lost content", id)
		}
	}
	if res.Selected != "ROOT" {
		t.Fatalf("Selected = %q, want parent ROOT", res.Selected)
	}
}

func TestDeleteSelectionHandoff(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "a", "Text", "ROOT", nil)
	addNode(t, s, "b", "Text", "ROOT", nil)

	res, err := Delete(s, "a")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if res.Selected != "ROOT" {
		t.Fatalf("Selected = %q, want parent ROOT even though b follows", res.Selected)
	}
	addNode(t, s, "c", "Text", "ROOT", nil)
	res, err = Delete(s, "c")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if res.Selected != "b" {
		t.Fatalf("Selected = %q, want previous sibling b", res.Selected)
	}
	res, err = Delete(s, "b")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if res.Selected != "ROOT" {
		t.Fatalf("Selected = %q, want parent", res.Selected)
	}
}

func TestDeleteGuards(t *testing.T) {
	s := newTestStore(t)
	no := false
	addNode(t, s, "locked", "Text", "ROOT", nil)
	if err := s.UpdateProps("locked", func(p *Props) { p.CanDelete = &no }); err != nil {
		t.Fatalf("UpdateProps() error = %v", err)
	}
	if _, err := Delete(s, "locked"); !errors.Is(err, ErrStructuralViolation) {
		t.Fatalf("Delete(canDelete=false) error = %v", err)
	}
	if _, err := Delete(s, "ROOT"); !errors.Is(err, ErrStructuralViolation) {
		t.Fatalf("Delete(root) error = %v", err)
	}
	if _, err := Delete(s, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(missing) error = %v", err)
	}
}

func TestDeletePlainCopyPrunesProvenance(t *testing.T) {
	s := sampleStore(t)
	src, _ := s.Subtree("btn")
	res := Clone(src, s, &seqIDs{prefix: "c"})
	if err := s.Add(res.Nodes); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Attach(res.RootID, "row", 0); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := Delete(s, res.RootID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := mustNode(t, s, "btn").Props.HasMany; len(got) != 0 {
		t.Fatalf("btn.hasMany = %v, want empty", got)
	}
}
