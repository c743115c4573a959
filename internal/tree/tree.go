package tree

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Tree is a snapshot of a document or subtree.
type Tree struct {
	RootID string
	Nodes  map[string]*Node
}

type serializedTree struct {
	RootNodeID string           `json:"rootNodeId"`
	Nodes      map[string]*Node `json:"nodes"`
}

// MarshalJSON writes the flat {rootNodeId, nodes} form. Node ids are the map keys.
func (t Tree) MarshalJSON() ([]byte, error) {
	nodes := t.Nodes
	if nodes == nil {
		nodes = map[string]*Node{}
	}
	return json.Marshal(serializedTree{RootNodeID: t.RootID, Nodes: nodes})
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw serializedTree
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode tree: %w", err)
	}
	t.RootID = raw.RootNodeID
	t.Nodes = make(map[string]*Node, len(raw.Nodes))
	for id, node := range raw.Nodes {
		if node == nil {
			continue
		}
		node.ID = id
		if node.ChildIDs == nil {
			node.ChildIDs = []string{}
		}
		t.Nodes[id] = node
	}
	return nil
}

// Copy returns a deep copy of the tree.
func (t Tree) Copy() Tree {
	out := Tree{RootID: t.RootID, Nodes: make(map[string]*Node, len(t.Nodes))}
	for id, node := range t.Nodes {
		out.Nodes[id] = node.Copy()
	}
	return out
}

// IDs returns the node ids in sorted order.
func (t Tree) IDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the tree invariants: every id reachable from the root via
// childIds or linkedNodeIds exists, every reachable node points back at the
// node that owns it, and the root has no parent.
func (t Tree) Validate() error {
	root, ok := t.Nodes[t.RootID]
	if !ok {
		return fmt.Errorf("%w: root %q missing", ErrStructuralViolation, t.RootID)
	}
	if root.ParentID != "" {
		return fmt.Errorf("%w: root %q has parent %q", ErrStructuralViolation, t.RootID, root.ParentID)
	}
	seen := make(map[string]struct{}, len(t.Nodes))
	var walk func(id string) error
	walk = func(id string) error {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: node %q reachable twice", ErrStructuralViolation, id)
		}
		seen[id] = struct{}{}
		node := t.Nodes[id]
		owned := make([]string, 0, len(node.ChildIDs)+len(node.LinkedNodes))
		owned = append(owned, node.ChildIDs...)
		for _, slot := range node.linkedSlots() {
			owned = append(owned, node.LinkedNodes[slot])
		}
		for _, childID := range owned {
			child, ok := t.Nodes[childID]
			if !ok {
				return fmt.Errorf("%w: node %q references missing %q", ErrStructuralViolation, id, childID)
			}
			if child.ParentID != id {
				return fmt.Errorf("%w: node %q parent is %q, owned by %q", ErrStructuralViolation, childID, child.ParentID, id)
			}
			if err := walk(childID); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.RootID)
}
