package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// Signature fingerprints the shape of the subtree at id: its type tag, then
// "{childCount}:[{child sigs}]" with every child prefixed by its type tag.
// Linked slots, when present, follow as "{slot=sig,...}". Props never
// contribute.
func Signature(s *Store, id string) string {
	node, ok := s.nodes[id]
	if !ok {
		return "?"
	}
	var b strings.Builder
	b.WriteString(node.TypeTag)
	writeShape(&b, s, node, map[string]struct{}{})
	return b.String()
}

func writeShape(b *strings.Builder, s *Store, node *Node, path map[string]struct{}) {
	if _, loop := path[node.ID]; loop {
		b.WriteString("!")
		return
	}
	path[node.ID] = struct{}{}
	defer delete(path, node.ID)

	b.WriteString(strconv.Itoa(len(node.ChildIDs)))
	b.WriteString(":[")
	for i, childID := range node.ChildIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		child, ok := s.nodes[childID]
		if !ok {
			b.WriteString("?")
			continue
		}
		b.WriteString(child.TypeTag)
		writeShape(b, s, child, path)
	}
	b.WriteByte(']')
	if len(node.LinkedNodes) == 0 {
		return
	}
	b.WriteByte('{')
	for i, slot := range node.linkedSlots() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(slot)
		b.WriteByte('=')
		linked, ok := s.nodes[node.LinkedNodes[slot]]
		if !ok {
			b.WriteString("?")
			continue
		}
		b.WriteString(linked.TypeTag)
		writeShape(b, s, linked, path)
	}
	b.WriteByte('}')
}

// Rebuild records one instance replaced after structural drift.
type Rebuild struct {
	OldRootID string       `json:"oldRootId"`
	NewRootID string       `json:"newRootId"`
	ParentID  string       `json:"parentId"`
	Index     int          `json:"index"`
	Relation  RelationType `json:"relationType"`
}

// SyncResult is the outcome of one CheckAndSync call.
type SyncResult struct {
	MasterID  string    `json:"masterId"`
	Signature string    `json:"signature"`
	Baseline  bool      `json:"baseline,omitempty"`
	Drift     bool      `json:"drift"`
	Rebuilt   []Rebuild `json:"rebuilt,omitempty"`
	Warnings  []Warning `json:"warnings,omitempty"`
}

// Engine detects structural drift in masters and rebuilds their instances.
// Last-seen signatures live here, never in the document. One Engine serves
// one Store for the lifetime of an open document.
type Engine struct {
	store   *Store
	ids     IDGenerator
	lastSig map[string]string
}

func NewEngine(s *Store, ids IDGenerator) *Engine {
	if ids == nil {
		ids = DefaultIDs
	}
	return &Engine{store: s, ids: ids, lastSig: make(map[string]string)}
}

// Baseline records the current signature of masterID without syncing.
func (e *Engine) Baseline(masterID string) {
	if e.store.Has(masterID) {
		e.lastSig[masterID] = Signature(e.store, masterID)
	}
}

// Forget drops the recorded signature of masterID.
func (e *Engine) Forget(masterID string) {
	delete(e.lastSig, masterID)
}

// LastSignature returns the signature recorded for masterID.
func (e *Engine) LastSignature(masterID string) (string, bool) {
	sig, ok := e.lastSig[masterID]
	return sig, ok
}

type instanceRecord struct {
	rootID   string
	parentID string
	index    int
	relation RelationType
	// style maps master-counterpart id to the instance node's overrides.
	style map[string]styleSnapshot
}

type styleSnapshot struct {
	typeTag string
	props   map[string]any
}

// CheckAndSync compares the master's signature with the last one seen and,
// on drift, replaces every instance with a fresh clone of the master at the
// same position. "style" instances get their overrides replayed.
//
// A master that no longer exists is a no-op: its instances stay as they are.
func (e *Engine) CheckAndSync(masterID string) (SyncResult, error) {
	s := e.store
	if s.closed {
		return SyncResult{}, ErrClosed
	}
	res := SyncResult{MasterID: masterID}
	if !s.Has(masterID) {
		e.Forget(masterID)
		return res, nil
	}

	current := Signature(s, masterID)
	res.Signature = current
	last, seen := e.lastSig[masterID]
	if !seen {
		e.lastSig[masterID] = current
		res.Baseline = true
		return res, nil
	}
	if current == last {
		return res, nil
	}
	res.Drift = true

	for _, inst := range e.collectInstances(masterID) {
		rebuild, warnings, err := e.rebuild(masterID, inst)
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			return res, fmt.Errorf("rebuild instance %s of %s: %w", inst.rootID, masterID, err)
		}
		res.Rebuilt = append(res.Rebuilt, rebuild)
	}
	e.lastSig[masterID] = current
	return res, nil
}

// Instances lists the instance roots of masterID in store scan order.
func (e *Engine) Instances(masterID string) []string {
	var out []string
	for _, inst := range e.collectInstances(masterID) {
		out = append(out, inst.rootID)
	}
	return out
}

func (e *Engine) collectInstances(masterID string) []instanceRecord {
	s := e.store
	var out []instanceRecord
	s.each(func(n *Node) bool {
		if n.Props.BelongsTo != masterID || n.ParentID == "" {
			return true
		}
		if root, _ := InstanceRoot(s, n.ID); root != n.ID {
			return true
		}
		// An instance inside its own master would rebuild forever.
		if s.Within(n.ID, masterID) {
			return true
		}
		parentID, index, _ := s.Position(n.ID)
		rel := n.Props.RelationType
		if !rel.Valid() {
			rel = RelationFull
		}
		rec := instanceRecord{rootID: n.ID, parentID: parentID, index: index, relation: rel}
		if rel == RelationStyle {
			rec.style = e.snapshotStyle(n.ID)
		}
		out = append(out, rec)
		return true
	})
	return out
}

func (e *Engine) snapshotStyle(rootID string) map[string]styleSnapshot {
	s := e.store
	out := make(map[string]styleSnapshot)
	for _, id := range s.subtreeIDs(rootID) {
		node := s.nodes[id]
		if node.Props.BelongsTo == "" {
			continue
		}
		out[node.Props.BelongsTo] = styleSnapshot{typeTag: node.TypeTag, props: node.Props.Style()}
	}
	return out
}

func (e *Engine) rebuild(masterID string, inst instanceRecord) (Rebuild, []Warning, error) {
	s := e.store
	src, ok := s.Subtree(masterID)
	if !ok {
		return Rebuild{}, nil, notFound(masterID)
	}
	// Build and validate the replacement before the old instance is touched.
	cloned := Clone(src, nil, e.ids)
	if cloned.RootID == "" {
		return Rebuild{}, cloned.Warnings, fmt.Errorf("%w: clone of %q is empty", ErrStructuralViolation, masterID)
	}
	if err := cloned.Tree().Validate(); err != nil {
		return Rebuild{}, cloned.Warnings, err
	}

	out := Rebuild{
		OldRootID: inst.rootID,
		NewRootID: cloned.RootID,
		ParentID:  inst.parentID,
		Index:     inst.index,
		Relation:  inst.relation,
	}
	warnings := cloned.Warnings
	var replay LinkCallback
	if inst.relation == RelationStyle {
		replay = func(instanceID, counterpartID string) {
			snap, ok := inst.style[counterpartID]
			node, exists := s.nodes[instanceID]
			if !ok || !exists || snap.typeTag != node.TypeTag {
				return
			}
			err := s.UpdateProps(instanceID, func(p *Props) {
				p.Extra = deepCopyMap(snap.props)
			})
			if err != nil {
				warnings = append(warnings, Warning{Kind: WarnRelationUpdate, NodeID: instanceID, Ref: counterpartID, Detail: err.Error()})
			}
		}
	}

	err := s.Batch(func() error {
		if err := s.Add(cloned.Nodes); err != nil {
			return err
		}
		if _, err := severRelations(s, s.subtreeIDs(inst.rootID)); err != nil {
			return err
		}
		if err := s.Replace(inst.rootID, cloned.RootID); err != nil {
			return err
		}
		if err := s.UpdateProps(masterID, func(p *Props) {
			if !p.hasInstance(cloned.RootID) {
				p.HasMany = append(p.HasMany, cloned.RootID)
			}
		}); err != nil {
			return err
		}
		return Link(s, cloned.RootID, masterID, inst.relation, replay)
	})
	return out, warnings, err
}
