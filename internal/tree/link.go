package tree

import (
	"fmt"
	"slices"
)

// LinkCallback runs for every (instance, master) pair visited by Link, after
// the instance node's relation fields have been set.
type LinkCallback func(instanceID, masterID string)

// Link walks the instance and master subtrees in lock-step by child position
// (and by linked slot name) and points every instance node at its master
// counterpart. Where the two disagree on child count the walk does not
// descend into that branch.
func Link(s *Store, instanceRootID, masterRootID string, rel RelationType, cb LinkCallback) error {
	if !rel.Valid() {
		return fmt.Errorf("%w: unknown relation type %q", ErrRelationInconsistency, rel)
	}
	if !s.Has(instanceRootID) {
		return notFound(instanceRootID)
	}
	if !s.Has(masterRootID) {
		return notFound(masterRootID)
	}
	return s.Batch(func() error {
		var walk func(instanceID, masterID string) error
		walk = func(instanceID, masterID string) error {
			inst, ok := s.nodes[instanceID]
			if !ok {
				return nil
			}
			master, ok := s.nodes[masterID]
			if !ok {
				return nil
			}
			if err := s.UpdateProps(instanceID, func(p *Props) {
				p.BelongsTo = masterID
				p.RelationType = rel
			}); err != nil {
				return err
			}
			if cb != nil {
				cb(instanceID, masterID)
			}
			if len(inst.ChildIDs) == len(master.ChildIDs) {
				// Copy: the callback may mutate the store.
				instChildren := slices.Clone(inst.ChildIDs)
				masterChildren := slices.Clone(master.ChildIDs)
				for i := range instChildren {
					if err := walk(instChildren[i], masterChildren[i]); err != nil {
						return err
					}
				}
			}
			for _, slot := range inst.linkedSlots() {
				masterLinked, ok := master.LinkedNodes[slot]
				if !ok {
					continue
				}
				if err := walk(inst.LinkedNodes[slot], masterLinked); err != nil {
					return err
				}
			}
			return nil
		}
		return walk(instanceRootID, masterRootID)
	})
}

// Unlink clears the relation on the instance root only. Descendants keep
// their bookkeeping; without the root relation they are never synced.
func Unlink(s *Store, instanceRootID string) error {
	return s.UpdateProps(instanceRootID, func(p *Props) {
		p.BelongsTo = ""
		p.RelationType = RelationNone
	})
}

// Detach converts an instance back into a regular component: the root is
// unlinked and removed from its master's hasMany.
func Detach(s *Store, instanceRootID string) error {
	node, ok := s.nodes[instanceRootID]
	if !ok {
		return notFound(instanceRootID)
	}
	masterID := node.Props.BelongsTo
	if masterID == "" {
		return fmt.Errorf("%w: %q is not an instance", ErrRelationInconsistency, instanceRootID)
	}
	return s.Batch(func() error {
		if err := Unlink(s, instanceRootID); err != nil {
			return err
		}
		if s.Has(masterID) {
			return s.UpdateProps(masterID, func(p *Props) {
				p.HasMany = slices.DeleteFunc(p.HasMany, func(id string) bool { return id == instanceRootID })
			})
		}
		return nil
	})
}

// InstanceRoot returns the root of the "full" or "style" instance that id is
// part of, walking up while ancestors are still bound to the same master.
func InstanceRoot(s *Store, id string) (string, bool) {
	node, ok := s.nodes[id]
	if !ok || node.Props.BelongsTo == "" {
		return "", false
	}
	current := node
	for {
		parent, ok := s.nodes[current.ParentID]
		if !ok || parent.Props.BelongsTo == "" {
			break
		}
		master, ok := s.nodes[current.Props.BelongsTo]
		if !ok || master.ParentID != parent.Props.BelongsTo {
			break
		}
		current = parent
	}
	return current.ID, true
}

// FullInstanceOf reports whether id sits inside a live "full" instance, and
// of which master. A relation only counts while the master still lists the
// instance root in hasMany, so detached or orphaned copies are editable.
func FullInstanceOf(s *Store, id string) (string, bool) {
	rootID, ok := InstanceRoot(s, id)
	if !ok {
		return "", false
	}
	root := s.nodes[rootID]
	if root.Props.RelationType != RelationFull {
		return "", false
	}
	master, ok := s.nodes[root.Props.BelongsTo]
	if !ok || !master.Props.hasInstance(rootID) {
		return "", false
	}
	return master.ID, true
}

// EffectiveProps returns the props the rendering layer should use for id. Nodes
// of a live "full" instance mirror their master counterpart; only the relation
// bookkeeping is the node's own. Detached or orphaned copies show their own props.
func EffectiveProps(s *Store, id string) (Props, bool) {
	node, ok := s.nodes[id]
	if !ok {
		return Props{}, false
	}
	if node.Props.BelongsTo == "" {
		return node.Props.Copy(), true
	}
	if _, live := FullInstanceOf(s, id); !live {
		return node.Props.Copy(), true
	}
	master, ok := s.nodes[node.Props.BelongsTo]
	if !ok {
		return node.Props.Copy(), true
	}
	out := master.Props.WithoutRelations()
	out.BelongsTo = node.Props.BelongsTo
	out.RelationType = node.Props.RelationType
	out.HasMany = slices.Clone(node.Props.HasMany)
	return out, true
}
