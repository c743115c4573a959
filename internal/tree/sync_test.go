package tree

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSignature(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "m", "Container", "ROOT", nil)
	addNode(t, s, "t", "Text", "m", map[string]any{"color": "red"})
	addNode(t, s, "b", "Button", "m", nil)

	base := Signature(s, "m")
	if base != "Container2:[Text0:[],Button0:[]]" {
		t.Fatalf("Signature() = %q", base)
	}
	if again := Signature(s, "m"); again != base {
		t.Fatalf("Signature() not stable: %q vs %q", again, base)
	}

	if err := s.UpdateProps("t", func(p *Props) { p.Extra["color"] = "blue" }); err != nil {
		t.Fatalf("UpdateProps() error = %v", err)
	}
	if got := Signature(s, "m"); got != base {
		t.Fatalf("style change altered signature: %q", got)
	}

	if err := s.Move("b", "m", 0); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if got := Signature(s, "m"); got == base {
		t.Fatal("reorder did not change signature")
	}
	if err := s.Move("b", "m", 2); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if got := Signature(s, "m"); got != base {
		t.Fatalf("restoring order did not restore signature: %q", got)
	}

	addNode(t, s, "i", "Image", "m", nil)
	if got := Signature(s, "m"); got == base {
		t.Fatal("adding a child did not change signature")
	}
	if _, err := s.Remove("i"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	s.nodes["t"].TypeTag = "Heading"
	if got := Signature(s, "m"); got == base {
		t.Fatal("type change did not change signature")
	}
}

// Master M = [Text, Button]; I1 is "full", I2 is "style" with a background
// override. Adding an Image to M rebuilds both.
func TestCheckAndSyncRebuildsInstances(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "M", "Container", "ROOT", map[string]any{"background": "white", "padding": "p-4"})
	addNode(t, s, "Mt", "Text", "M", map[string]any{"text": "hello"})
	addNode(t, s, "Mb", "Button", "M", nil)
	addNode(t, s, "body", "Container", "ROOT", nil)
	addNode(t, s, "spacer", "Container", "body", nil)

	ids := &seqIDs{prefix: "n"}
	i1 := instantiate(t, s, ids, "M", "body", RelationFull)
	i2 := instantiate(t, s, ids, "M", "body", RelationStyle)
	if err := s.UpdateProps(i2, func(p *Props) { p.Extra["background"] = "red" }); err != nil {
		t.Fatalf("UpdateProps() error = %v", err)
	}

	engine := NewEngine(s, ids)
	if res, err := engine.CheckAndSync("M"); err != nil || !res.Baseline {
		t.Fatalf("first CheckAndSync() = %+v, %v; want baseline", res, err)
	}
	if res, _ := engine.CheckAndSync("M"); res.Drift {
		t.Fatal("unchanged master reported drift")
	}

	addNode(t, s, "Mi", "Image", "M", nil)

	res, err := engine.CheckAndSync("M")
	if err != nil {
		t.Fatalf("CheckAndSync() error = %v", err)
	}
	if !res.Drift || len(res.Rebuilt) != 2 {
		t.Fatalf("CheckAndSync() = %+v, want 2 rebuilds", res)
	}
	if res.Rebuilt[0].OldRootID != i1 || res.Rebuilt[1].OldRootID != i2 {
		t.Fatalf("rebuild order = %+v", res.Rebuilt)
	}

	children := s.Children("body")
	newI1, newI2 := res.Rebuilt[0].NewRootID, res.Rebuilt[1].NewRootID
	if !slices.Equal(children, []string{"spacer", newI1, newI2}) {
		t.Fatalf("body children = %v, want positions preserved", children)
	}
	for _, rb := range res.Rebuilt {
		if s.Has(rb.OldRootID) {
			t.Fatalf("old instance %s still present", rb.OldRootID)
		}
		if got, want := shape(s, rb.NewRootID), shape(s, "M"); got != want {
			t.Fatalf("instance shape %q, master %q", got, want)
		}
	}

	full := mustNode(t, s, newI1)
	if diff := cmp.Diff(mustNode(t, s, "M").Props.WithoutRelations(), full.Props.WithoutRelations()); diff != "" {
		t.Fatalf("full instance props differ from master (-master +instance):\n%s", diff)
	}
	if full.Props.BelongsTo != "M" || full.Props.RelationType != RelationFull {
		t.Fatalf("full instance relation = %+v", full.Props)
	}

	styled := mustNode(t, s, newI2)
	if styled.Props.Extra["background"] != "red" {
		t.Fatalf("style override lost: %+v", styled.Props.Extra)
	}
	if styled.Props.RelationType != RelationStyle {
		t.Fatalf("style relation lost: %+v", styled.Props)
	}

	if got := mustNode(t, s, "M").Props.HasMany; !slices.Equal(got, []string{newI1, newI2}) {
		t.Fatalf("master hasMany = %v", got)
	}
	if err := s.Snapshot().Validate(); err != nil {
		t.Fatalf("document invalid after sync: %v", err)
	}
	if res, _ := engine.CheckAndSync("M"); res.Drift {
		t.Fatal("drift reported again after sync")
	}
}

func TestCheckAndSyncKeepsNestedStyleOverrides(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "M", "Container", "ROOT", nil)
	addNode(t, s, "Mt", "Text", "M", map[string]any{"text": "master"})
	ids := &seqIDs{prefix: "n"}
	inst := instantiate(t, s, ids, "M", "ROOT", RelationStyle)
	textID := s.Children(inst)[0]
	if err := s.UpdateProps(textID, func(p *Props) { p.Extra["text"] = "local" }); err != nil {
		t.Fatalf("UpdateProps() error = %v", err)
	}

	engine := NewEngine(s, ids)
	engine.Baseline("M")
	addNode(t, s, "Mb", "Button", "M", nil)

	res, err := engine.CheckAndSync("M")
	if err != nil || len(res.Rebuilt) != 1 {
		t.Fatalf("CheckAndSync() = %+v, %v", res, err)
	}
	newText := s.Children(res.Rebuilt[0].NewRootID)[0]
	if got := mustNode(t, s, newText).Props.Extra["text"]; got != "local" {
		t.Fatalf("nested override = %v, want local", got)
	}
}

func TestCheckAndSyncNetEffectOnly(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "M", "Container", "ROOT", nil)
	addNode(t, s, "Mt", "Text", "M", nil)
	ids := &seqIDs{prefix: "n"}
	inst := instantiate(t, s, ids, "M", "ROOT", RelationFull)

	engine := NewEngine(s, ids)
	engine.Baseline("M")
	addNode(t, s, "tmp", "Image", "M", nil)
	if _, err := s.Remove("tmp"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	res, err := engine.CheckAndSync("M")
	if err != nil {
		t.Fatalf("CheckAndSync() error = %v", err)
	}
	if res.Drift || !s.Has(inst) {
		t.Fatalf("intermediate state caused a rebuild: %+v", res)
	}
}

func TestCheckAndSyncOrphanedMaster(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "M", "Container", "ROOT", nil)
	ids := &seqIDs{prefix: "n"}
	inst := instantiate(t, s, ids, "M", "ROOT", RelationFull)

	engine := NewEngine(s, ids)
	engine.Baseline("M")
	if _, err := s.Remove("M"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	res, err := engine.CheckAndSync("M")
	if err != nil || res.Drift {
		t.Fatalf("CheckAndSync() on missing master = %+v, %v", res, err)
	}
	if got := mustNode(t, s, inst).Props.BelongsTo; got != "M" {
		t.Fatalf("orphan belongsTo = %q, want it left in place", got)
	}
	if _, ok := engine.LastSignature("M"); ok {
		t.Fatal("signature of a missing master should be forgotten")
	}
}

func TestCheckAndSyncOnClosedStore(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "M", "Container", "ROOT", nil)
	engine := NewEngine(s, nil)
	engine.Baseline("M")
	s.Close()
	if _, err := engine.CheckAndSync("M"); !errors.Is(err, ErrClosed) {
		t.Fatalf("CheckAndSync() error = %v, want ErrClosed", err)
	}
}

func TestRebuildIsSingleEvent(t *testing.T) {
	s := newTestStore(t)
	addNode(t, s, "M", "Container", "ROOT", nil)
	ids := &seqIDs{prefix: "n"}
	instantiate(t, s, ids, "M", "ROOT", RelationFull)
	engine := NewEngine(s, ids)
	engine.Baseline("M")
	addNode(t, s, "Mt", "Text", "M", nil)

	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })
	if _, err := engine.CheckAndSync("M"); err != nil {
		t.Fatalf("CheckAndSync() error = %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventBatch {
		t.Fatalf("events = %+v, want a single batch", events)
	}
}
