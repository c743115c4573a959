package tree

import (
	"fmt"
	"slices"
	"sort"
)

// EventKind identifies the mutation that produced an Event.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventAttached EventKind = "attached"
	EventMoved    EventKind = "moved"
	EventRemoved  EventKind = "removed"
	EventProps    EventKind = "props"
	EventReplaced EventKind = "replaced"
	EventBatch    EventKind = "batch"
)

// Event is delivered to subscribers after each mutation. NodeIDs lists the
// nodes whose own fields changed; for removals the ids are already gone.
type Event struct {
	Kind    EventKind
	NodeIDs []string
}

// Store holds every node of one open document by id. It is the only source of
// truth for parent/child/link relationships.
//
// A Store is not safe for concurrent use; callers serialize access (see the
// editor package). Read accessors return copies so callers never hold on to
// live node data.
type Store struct {
	rootID string
	nodes  map[string]*Node
	// order is the scan order: document order at load time, then insertion order.
	order []string

	subs    map[int]func(Event)
	nextSub int

	batchDepth int
	batchIDs   []string

	closed bool
}

// NewTree returns a single-node tree suitable as an empty page.
func NewTree(rootID, typeTag string) Tree {
	return Tree{
		RootID: rootID,
		Nodes: map[string]*Node{
			rootID: {ID: rootID, TypeTag: typeTag, ChildIDs: []string{}},
		},
	}
}

// NewStore loads a validated deep copy of t.
func NewStore(t Tree) (*Store, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		rootID: t.RootID,
		nodes:  make(map[string]*Node, len(t.Nodes)),
		order:  make([]string, 0, len(t.Nodes)),
		subs:   make(map[int]func(Event)),
	}
	var walk func(id string)
	walk = func(id string) {
		node := t.Nodes[id].Copy()
		node.ID = id
		s.nodes[id] = node
		s.order = append(s.order, id)
		for _, childID := range node.ChildIDs {
			walk(childID)
		}
		for _, slot := range node.linkedSlots() {
			walk(node.LinkedNodes[slot])
		}
	}
	walk(t.RootID)
	// Detached nodes (not reachable from the root) are kept so nothing is lost.
	for _, id := range t.IDs() {
		if _, ok := s.nodes[id]; ok {
			continue
		}
		node := t.Nodes[id].Copy()
		node.ID = id
		s.nodes[id] = node
		s.order = append(s.order, id)
	}
	return s, nil
}

func (s *Store) RootID() string { return s.rootID }

func (s *Store) Len() int { return len(s.nodes) }

func (s *Store) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (*Node, bool) {
	node, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Copy(), true
}

// Children returns a copy of the ordered child ids of id.
func (s *Store) Children(id string) []string {
	node, ok := s.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(node.ChildIDs)
}

// Position returns the parent of id and its index in the parent's childIds.
// The index is -1 when id is attached through a linked slot.
func (s *Store) Position(id string) (parentID string, index int, ok bool) {
	node, found := s.nodes[id]
	if !found || node.ParentID == "" {
		return "", -1, false
	}
	parent, found := s.nodes[node.ParentID]
	if !found {
		return "", -1, false
	}
	return parent.ID, parent.indexOf(id), true
}

// Each calls fn with a copy of every node in scan order until fn returns false.
func (s *Store) Each(fn func(*Node) bool) {
	s.each(func(n *Node) bool { return fn(n.Copy()) })
}

func (s *Store) each(fn func(*Node) bool) {
	for _, id := range s.order {
		node, ok := s.nodes[id]
		if !ok {
			continue
		}
		if !fn(node) {
			return
		}
	}
}

// Ancestors returns the ids from id's parent up to the root.
func (s *Store) Ancestors(id string) []string {
	var out []string
	node, ok := s.nodes[id]
	for ok && node.ParentID != "" {
		if slices.Contains(out, node.ParentID) {
			break
		}
		out = append(out, node.ParentID)
		node, ok = s.nodes[node.ParentID]
	}
	return out
}

// Within reports whether id is ancestorID or one of its descendants
// (through children or linked nodes).
func (s *Store) Within(id, ancestorID string) bool {
	if id == ancestorID {
		return true
	}
	return slices.Contains(s.Ancestors(id), ancestorID)
}

// Subtree returns a deep copy of id and everything reachable from it. The
// copy's root has no parent. References to missing nodes are kept as-is so
// that a later Clone can report them.
func (s *Store) Subtree(id string) (Tree, bool) {
	if _, ok := s.nodes[id]; !ok {
		return Tree{}, false
	}
	out := Tree{RootID: id, Nodes: make(map[string]*Node)}
	for _, nodeID := range s.subtreeIDs(id) {
		out.Nodes[nodeID] = s.nodes[nodeID].Copy()
	}
	out.Nodes[id].ParentID = ""
	return out, true
}

// subtreeIDs lists id and every present descendant, depth-first.
func (s *Store) subtreeIDs(id string) []string {
	var ids []string
	seen := make(map[string]struct{})
	var walk func(nodeID string)
	walk = func(nodeID string) {
		node, ok := s.nodes[nodeID]
		if !ok {
			return
		}
		if _, dup := seen[nodeID]; dup {
			return
		}
		seen[nodeID] = struct{}{}
		ids = append(ids, nodeID)
		for _, childID := range node.ChildIDs {
			walk(childID)
		}
		for _, slot := range node.linkedSlots() {
			walk(node.LinkedNodes[slot])
		}
	}
	walk(id)
	return ids
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() Tree {
	out := Tree{RootID: s.rootID, Nodes: make(map[string]*Node, len(s.nodes))}
	for id, node := range s.nodes {
		out.Nodes[id] = node.Copy()
	}
	return out
}

// Add puts detached nodes into the store. Ids must not collide with live
// nodes. Nodes whose parent is outside the batch must have no parent; attach
// them afterwards with Attach.
func (s *Store) Add(nodes map[string]*Node) error {
	if s.closed {
		return ErrClosed
	}
	for id, node := range nodes {
		if _, exists := s.nodes[id]; exists {
			return fmt.Errorf("%w: id %q already in store", ErrStructuralViolation, id)
		}
		if node.ParentID != "" {
			if _, inBatch := nodes[node.ParentID]; !inBatch {
				return fmt.Errorf("%w: node %q parent %q outside added set", ErrStructuralViolation, id, node.ParentID)
			}
		}
	}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := nodes[id].Copy()
		node.ID = id
		if node.ChildIDs == nil {
			node.ChildIDs = []string{}
		}
		s.nodes[id] = node
		s.order = append(s.order, id)
	}
	s.emit(EventAdded, ids)
	return nil
}

// Attach places the detached node id into parentID's children at index.
func (s *Store) Attach(id, parentID string, index int) error {
	if s.closed {
		return ErrClosed
	}
	node, parent, err := s.checkPlacement(id, parentID, index)
	if err != nil {
		return err
	}
	if node.ParentID != "" {
		return fmt.Errorf("%w: node %q already attached to %q", ErrStructuralViolation, id, node.ParentID)
	}
	insertChild(parent, id, index)
	node.ParentID = parentID
	s.emit(EventAttached, []string{id, parentID})
	return nil
}

// AttachLinked places the detached node id into ownerID's linked slot.
func (s *Store) AttachLinked(id, ownerID, slot string) error {
	if s.closed {
		return ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	owner, ok := s.nodes[ownerID]
	if !ok {
		return notFound(ownerID)
	}
	if node.ParentID != "" || id == s.rootID {
		return fmt.Errorf("%w: node %q is not detached", ErrStructuralViolation, id)
	}
	if existing, taken := owner.LinkedNodes[slot]; taken && existing != "" {
		return fmt.Errorf("%w: slot %q of %q already holds %q", ErrStructuralViolation, slot, ownerID, existing)
	}
	if s.Within(ownerID, id) {
		return fmt.Errorf("%w: linking %q under %q would create a cycle", ErrStructuralViolation, id, ownerID)
	}
	if owner.LinkedNodes == nil {
		owner.LinkedNodes = make(map[string]string)
	}
	owner.LinkedNodes[slot] = id
	node.ParentID = ownerID
	s.emit(EventAttached, []string{id, ownerID})
	return nil
}

// Move re-parents id under parentID at index. The index is interpreted
// against parentID's children as they are before the move.
func (s *Store) Move(id, parentID string, index int) error {
	if s.closed {
		return ErrClosed
	}
	node, parent, err := s.checkPlacement(id, parentID, index)
	if err != nil {
		return err
	}
	if id == s.rootID {
		return fmt.Errorf("%w: the root cannot be moved", ErrStructuralViolation)
	}
	oldParentID := node.ParentID
	if oldParent, ok := s.nodes[oldParentID]; ok {
		if old := oldParent.indexOf(id); old >= 0 {
			oldParent.ChildIDs = slices.Delete(oldParent.ChildIDs, old, old+1)
			if oldParentID == parentID && old < index {
				index--
			}
		} else {
			detachLinked(oldParent, id)
		}
	}
	insertChild(parent, id, index)
	node.ParentID = parentID
	s.emit(EventMoved, []string{id, oldParentID, parentID})
	return nil
}

func (s *Store) checkPlacement(id, parentID string, index int) (*Node, *Node, error) {
	node, ok := s.nodes[id]
	if !ok {
		return nil, nil, notFound(id)
	}
	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, nil, notFound(parentID)
	}
	if index < 0 || index > len(parent.ChildIDs) {
		return nil, nil, fmt.Errorf("%w: index %d out of range [0,%d] for %q", ErrStructuralViolation, index, len(parent.ChildIDs), parentID)
	}
	if s.Within(parentID, id) {
		return nil, nil, fmt.Errorf("%w: placing %q under %q would create a cycle", ErrStructuralViolation, id, parentID)
	}
	return node, parent, nil
}

// Remove deletes id and its whole subtree. It returns the removed ids.
// Relation cleanup is not done here; see Delete.
func (s *Store) Remove(id string) ([]string, error) {
	if s.closed {
		return nil, ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	if id == s.rootID {
		return nil, fmt.Errorf("%w: the root cannot be removed", ErrStructuralViolation)
	}
	if parent, ok := s.nodes[node.ParentID]; ok {
		if idx := parent.indexOf(id); idx >= 0 {
			parent.ChildIDs = slices.Delete(parent.ChildIDs, idx, idx+1)
		} else {
			detachLinked(parent, id)
		}
	}
	removed := s.subtreeIDs(id)
	s.drop(removed)
	s.emit(EventRemoved, append(removed, node.ParentID))
	return removed, nil
}

// Replace swaps the attached node oldID for the detached node newID at the
// same position, then removes oldID's subtree. Observers see one event.
func (s *Store) Replace(oldID, newID string) error {
	if s.closed {
		return ErrClosed
	}
	oldNode, ok := s.nodes[oldID]
	if !ok {
		return notFound(oldID)
	}
	newNode, ok := s.nodes[newID]
	if !ok {
		return notFound(newID)
	}
	if newNode.ParentID != "" || newID == s.rootID {
		return fmt.Errorf("%w: replacement %q is not detached", ErrStructuralViolation, newID)
	}
	parent, ok := s.nodes[oldNode.ParentID]
	if !ok {
		return fmt.Errorf("%w: %q has no parent to be replaced in", ErrStructuralViolation, oldID)
	}
	if s.Within(parent.ID, newID) {
		return fmt.Errorf("%w: replacing %q with %q would create a cycle", ErrStructuralViolation, oldID, newID)
	}
	if idx := parent.indexOf(oldID); idx >= 0 {
		parent.ChildIDs[idx] = newID
	} else {
		for slot, linkedID := range parent.LinkedNodes {
			if linkedID == oldID {
				parent.LinkedNodes[slot] = newID
			}
		}
	}
	newNode.ParentID = parent.ID
	oldNode.ParentID = ""
	removed := s.subtreeIDs(oldID)
	s.drop(removed)
	s.emit(EventReplaced, append([]string{newID, parent.ID}, removed...))
	return nil
}

// UpdateProps applies fn to the live props of id.
func (s *Store) UpdateProps(id string, fn func(*Props)) error {
	if s.closed {
		return ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	fn(&node.Props)
	s.emit(EventProps, []string{id})
	return nil
}

// SetCustom sets one display-metadata key on id.
func (s *Store) SetCustom(id, key string, value any) error {
	if s.closed {
		return ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	if node.CustomMeta == nil {
		node.CustomMeta = make(map[string]any)
	}
	node.CustomMeta[key] = value
	s.emit(EventProps, []string{id})
	return nil
}

// Batch runs fn with notifications held back; subscribers get a single
// EventBatch afterwards. fn must validate before it mutates: a failing fn
// does not roll back what it already did.
func (s *Store) Batch(fn func() error) error {
	s.batchDepth++
	err := fn()
	s.batchDepth--
	if s.batchDepth == 0 && len(s.batchIDs) > 0 {
		ids := s.batchIDs
		s.batchIDs = nil
		s.notify(Event{Kind: EventBatch, NodeIDs: ids})
	}
	return err
}

// Subscribe registers fn for mutation events and returns a cancel func.
func (s *Store) Subscribe(fn func(Event)) func() {
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

// Close tears the store down. Every later mutation fails with ErrClosed.
func (s *Store) Close() {
	s.closed = true
	s.subs = make(map[int]func(Event))
	s.batchIDs = nil
}

func (s *Store) Closed() bool { return s.closed }

func (s *Store) emit(kind EventKind, ids []string) {
	if s.batchDepth > 0 {
		s.batchIDs = append(s.batchIDs, ids...)
		return
	}
	s.notify(Event{Kind: kind, NodeIDs: ids})
}

func (s *Store) notify(ev Event) {
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if fn, ok := s.subs[k]; ok {
			fn(ev)
		}
	}
}

func (s *Store) drop(ids []string) {
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		delete(s.nodes, id)
		gone[id] = struct{}{}
	}
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		_, ok := gone[id]
		return ok
	})
}

func insertChild(parent *Node, id string, index int) {
	parent.ChildIDs = slices.Insert(parent.ChildIDs, index, id)
}

func detachLinked(owner *Node, id string) {
	for slot, linkedID := range owner.LinkedNodes {
		if linkedID == id {
			delete(owner.LinkedNodes, slot)
		}
	}
}
