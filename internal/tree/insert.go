package tree

import "fmt"

// Position is where a new subtree goes relative to the selected node.
type Position string

const (
	PositionInside       Position = "inside"
	PositionBefore       Position = "before"
	PositionAfter        Position = "after"
	PositionBeforeParent Position = "beforeParent"
	PositionAfterParent  Position = "afterParent"
)

func (p Position) Valid() bool {
	switch p {
	case PositionInside, PositionBefore, PositionAfter, PositionBeforeParent, PositionAfterParent:
		return true
	}
	return false
}

// Selection is the user's current anchor. An empty NodeID means nothing is
// selected and the root is used. Index, when set, overrides the append
// position for PositionInside.
type Selection struct {
	NodeID   string   `json:"nodeId"`
	Position Position `json:"position"`
	Index    *int     `json:"index,omitempty"`
}

// Insertion is a resolved (parent, index) pair, valid against the store as
// it was when it was resolved.
type Insertion struct {
	ParentID string `json:"parentId"`
	Index    int    `json:"index"`
}

// PlacementRules decides whether a node of childType may live under a node of parentType.
type PlacementRules interface {
	CanAcceptChild(parentTypeTag, childTypeTag string) bool
}

// ResolveInsertion turns a selection into an exact insertion point for a node
// of childType. It never mutates the store. Failures wrap
// ErrStructuralViolation.
func ResolveInsertion(sel Selection, childType string, s *Store, rules PlacementRules) (Insertion, error) {
	position := sel.Position
	if position == "" {
		position = PositionInside
	}
	if !position.Valid() {
		return Insertion{}, fmt.Errorf("%w: unknown position %q", ErrStructuralViolation, position)
	}

	anchorID := sel.NodeID
	if anchorID == "" {
		anchorID = s.RootID()
	}
	anchor, ok := s.nodes[anchorID]
	if !ok {
		return Insertion{}, notFound(anchorID)
	}

	switch position {
	case PositionBeforeParent, PositionAfterParent:
		if anchor.ID != s.RootID() {
			parent, ok := s.nodes[anchor.ParentID]
			if !ok {
				return Insertion{}, notFound(anchor.ParentID)
			}
			anchor = parent
		}
		if position == PositionBeforeParent {
			position = PositionBefore
		} else {
			position = PositionAfter
		}
	}

	var target Insertion
	var parent *Node
	if position == PositionInside {
		parent = anchor
		target = Insertion{ParentID: anchor.ID, Index: len(anchor.ChildIDs)}
		if sel.Index != nil {
			target.Index = *sel.Index
		}
	} else {
		if anchor.ParentID == "" {
			return Insertion{}, fmt.Errorf("%w: %q has no parent to insert %s", ErrStructuralViolation, anchor.ID, position)
		}
		parent, ok = s.nodes[anchor.ParentID]
		if !ok {
			return Insertion{}, notFound(anchor.ParentID)
		}
		idx := parent.indexOf(anchor.ID)
		if idx < 0 {
			return Insertion{}, fmt.Errorf("%w: %q is a linked node of %q", ErrStructuralViolation, anchor.ID, parent.ID)
		}
		if position == PositionAfter {
			idx++
		}
		target = Insertion{ParentID: parent.ID, Index: idx}
	}

	if target.Index < 0 || target.Index > len(parent.ChildIDs) {
		return Insertion{}, fmt.Errorf("%w: index %d out of range [0,%d]", ErrStructuralViolation, target.Index, len(parent.ChildIDs))
	}
	if rules != nil && !rules.CanAcceptChild(parent.TypeTag, childType) {
		return Insertion{}, fmt.Errorf("%w: %s does not accept %s", ErrStructuralViolation, parent.TypeTag, childType)
	}
	return target, nil
}
