package tree

import (
	"fmt"
	"slices"
)

// DeleteResult reports what a Delete did.
type DeleteResult struct {
	Removed []string `json:"removed"`
	// Orphaned are former instances whose master was deleted; they keep their
	// content but no longer belong to anything.
	Orphaned []string `json:"orphaned,omitempty"`
	// Selected is where the selection should move: the previous sibling,
	// else the parent.
	Selected string `json:"selected"`
}

// Delete removes id and its subtree after severing every belongsTo/hasMany
// cross-reference that would otherwise dangle.
func Delete(s *Store, id string) (DeleteResult, error) {
	if s.closed {
		return DeleteResult{}, ErrClosed
	}
	if !s.Has(id) {
		return DeleteResult{}, notFound(id)
	}
	if id == s.rootID {
		return DeleteResult{}, fmt.Errorf("%w: the root cannot be deleted", ErrStructuralViolation)
	}
	if node := s.nodes[id]; node.Props.CanDelete != nil && !*node.Props.CanDelete {
		return DeleteResult{}, fmt.Errorf("%w: %q is not deletable", ErrStructuralViolation, id)
	}

	res := DeleteResult{Selected: NextSelection(s, id)}
	err := s.Batch(func() error {
		orphaned, err := severRelations(s, s.subtreeIDs(id))
		if err != nil {
			return err
		}
		res.Orphaned = orphaned
		res.Removed, err = s.Remove(id)
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

// NextSelection picks the node to select once id is gone: the previous
// sibling, else the parent.
func NextSelection(s *Store, id string) string {
	node, ok := s.nodes[id]
	if !ok {
		return s.rootID
	}
	parent, ok := s.nodes[node.ParentID]
	if !ok {
		return s.rootID
	}
	idx := parent.indexOf(id)
	switch {
	case idx > 0:
		return parent.ChildIDs[idx-1]
	default:
		return parent.ID
	}
}

// severRelations clears relations between the nodes about to be removed and
// the nodes that stay: instances of a removed master are unlinked, and
// removed ids are dropped from surviving hasMany lists.
func severRelations(s *Store, removed []string) ([]string, error) {
	gone := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		gone[id] = struct{}{}
	}
	var orphaned []string
	for _, id := range removed {
		node := s.nodes[id]
		for _, instanceID := range node.Props.HasMany {
			if _, dead := gone[instanceID]; dead {
				continue
			}
			inst, ok := s.nodes[instanceID]
			if !ok || inst.Props.BelongsTo != id {
				continue
			}
			if err := Unlink(s, instanceID); err != nil {
				return nil, err
			}
			orphaned = append(orphaned, instanceID)
		}
	}

	var owners []string
	s.each(func(n *Node) bool {
		if _, dead := gone[n.ID]; dead || len(n.Props.HasMany) == 0 {
			return true
		}
		for _, ref := range n.Props.HasMany {
			if _, dead := gone[ref]; dead {
				owners = append(owners, n.ID)
				break
			}
		}
		return true
	})
	for _, ownerID := range owners {
		err := s.UpdateProps(ownerID, func(p *Props) {
			p.HasMany = slices.DeleteFunc(p.HasMany, func(ref string) bool {
				_, dead := gone[ref]
				return dead
			})
		})
		if err != nil {
			return nil, err
		}
	}
	return orphaned, nil
}
