package tree

// CloneResult is a detached copy of a subtree with fresh identities.
type CloneResult struct {
	RootID         string
	Nodes          map[string]*Node
	OriginalRootID string
	Warnings       []Warning
}

// Clone deep-copies src into fresh ids, preserving child order and linked
// slots. Props and custom metadata are copied by value, except hasMany: a
// fresh copy has no instances of its own.
//
// Dangling child or linked references are skipped and reported as
// WarnCloneIntegrityGap; the rest of the subtree is still cloned.
//
// When live is non-nil and still holds src's root, the new root id is
// appended to that node's hasMany.
func Clone(src Tree, live *Store, ids IDGenerator) CloneResult {
	if ids == nil {
		ids = DefaultIDs
	}
	res := CloneResult{
		OriginalRootID: src.RootID,
		Nodes:          make(map[string]*Node, len(src.Nodes)),
	}
	visiting := make(map[string]struct{})

	var cloneNode func(id, newParentID string) (string, bool)
	cloneNode = func(id, newParentID string) (string, bool) {
		node, ok := src.Nodes[id]
		if !ok || node == nil {
			return "", false
		}
		// A reference cycle in malformed input would never terminate.
		if _, loop := visiting[id]; loop {
			return "", false
		}
		visiting[id] = struct{}{}
		defer delete(visiting, id)

		newID := ids.NewID()
		cloned := &Node{
			ID:         newID,
			TypeTag:    node.TypeTag,
			Props:      node.Props.Copy(),
			ParentID:   newParentID,
			ChildIDs:   make([]string, 0, len(node.ChildIDs)),
			CustomMeta: deepCopyMap(node.CustomMeta),
		}
		cloned.Props.HasMany = nil

		for _, childID := range node.ChildIDs {
			newChildID, ok := cloneNode(childID, newID)
			if !ok {
				res.Warnings = append(res.Warnings, Warning{Kind: WarnCloneIntegrityGap, NodeID: id, Ref: childID})
				continue
			}
			cloned.ChildIDs = append(cloned.ChildIDs, newChildID)
		}
		for _, slot := range node.linkedSlots() {
			linkedID := node.LinkedNodes[slot]
			newLinkedID, ok := cloneNode(linkedID, newID)
			if !ok {
				res.Warnings = append(res.Warnings, Warning{Kind: WarnCloneIntegrityGap, NodeID: id, Ref: linkedID, Slot: slot})
				continue
			}
			if cloned.LinkedNodes == nil {
				cloned.LinkedNodes = make(map[string]string, len(node.LinkedNodes))
			}
			cloned.LinkedNodes[slot] = newLinkedID
		}
		res.Nodes[newID] = cloned
		return newID, true
	}

	rootID, ok := cloneNode(src.RootID, "")
	if !ok {
		res.Warnings = append(res.Warnings, Warning{Kind: WarnCloneIntegrityGap, Ref: src.RootID})
		return res
	}
	res.RootID = rootID

	if live != nil && live.Has(src.RootID) {
		err := live.UpdateProps(src.RootID, func(p *Props) {
			if !p.hasInstance(rootID) {
				p.HasMany = append(p.HasMany, rootID)
			}
		})
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnRelationUpdate, NodeID: src.RootID, Ref: rootID, Detail: err.Error()})
		}
	}
	return res
}

// Tree returns the clone as a standalone tree.
func (r CloneResult) Tree() Tree {
	return Tree{RootID: r.RootID, Nodes: r.Nodes}
}
