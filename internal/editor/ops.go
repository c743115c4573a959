package editor

import (
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

// Insert creates a fresh node at the position sel resolves to and returns
// its id. Relation fields in n.Props are ignored.
func (d *Document) Insert(sel tree.Selection, n NewNode) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", tree.ErrClosed
	}
	if strings.TrimSpace(n.TypeTag) == "" {
		return "", fmt.Errorf("%w: typeTag is required", tree.ErrStructuralViolation)
	}
	at, err := tree.ResolveInsertion(sel, n.TypeTag, d.store, d.rules)
	if err != nil {
		return "", err
	}
	if err := d.checkContainer(at.ParentID); err != nil {
		return "", err
	}
	id := d.ids.NewID()
	node := &tree.Node{
		ID:         id,
		TypeTag:    n.TypeTag,
		Props:      n.Props.WithoutRelations(),
		ChildIDs:   []string{},
		CustomMeta: n.CustomMeta,
	}
	err = d.store.Batch(func() error {
		if err := d.store.Add(map[string]*tree.Node{id: node}); err != nil {
			return err
		}
		return d.store.Attach(id, at.ParentID, at.Index)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// InsertTree clones an external tree (a pasted fragment or a template) into
// the document at sel. Relations in src are dropped: the copy is plain
// content.
func (d *Document) InsertTree(sel tree.Selection, src tree.Tree) (string, []tree.Warning, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", nil, tree.ErrClosed
	}
	root, ok := src.Nodes[src.RootID]
	if !ok {
		return "", nil, fmt.Errorf("%w: fragment root %q missing", tree.ErrStructuralViolation, src.RootID)
	}
	at, err := tree.ResolveInsertion(sel, root.TypeTag, d.store, d.rules)
	if err != nil {
		return "", nil, err
	}
	if err := d.checkContainer(at.ParentID); err != nil {
		return "", nil, err
	}
	cloned := tree.Clone(src, nil, d.ids)
	d.logWarnings("insert tree", cloned.Warnings)
	if cloned.RootID == "" {
		return "", cloned.Warnings, fmt.Errorf("%w: fragment is empty", tree.ErrStructuralViolation)
	}
	for _, node := range cloned.Nodes {
		node.Props = node.Props.WithoutRelations()
	}
	err = d.store.Batch(func() error {
		if err := d.store.Add(cloned.Nodes); err != nil {
			return err
		}
		return d.store.Attach(cloned.RootID, at.ParentID, at.Index)
	})
	if err != nil {
		return "", cloned.Warnings, err
	}
	return cloned.RootID, cloned.Warnings, nil
}

// Duplicate copies id and places the copy right after it. A duplicated
// instance root becomes another instance of the same master.
func (d *Document) Duplicate(id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", tree.ErrClosed
	}
	if id == d.store.RootID() {
		return "", fmt.Errorf("%w: the root cannot be duplicated", tree.ErrStructuralViolation)
	}
	src, ok := d.store.Subtree(id)
	if !ok {
		return "", fmt.Errorf("%w: %q", tree.ErrNotFound, id)
	}
	parentID, index, _ := d.store.Position(id)
	if index < 0 {
		return "", fmt.Errorf("%w: linked node %q cannot be duplicated", tree.ErrStructuralViolation, id)
	}
	if err := d.checkContainer(parentID); err != nil {
		return "", err
	}

	instRoot, rel, isInstance := d.liveInstanceRoot(id)
	isInstance = isInstance && instRoot == id
	var live *tree.Store
	if !isInstance {
		live = d.store
	}
	var cloned tree.CloneResult
	err := d.store.Batch(func() error {
		cloned = tree.Clone(src, live, d.ids)
		d.logWarnings("duplicate", cloned.Warnings)
		if cloned.RootID == "" {
			return fmt.Errorf("%w: nothing to duplicate", tree.ErrStructuralViolation)
		}
		if err := d.store.Add(cloned.Nodes); err != nil {
			return err
		}
		if err := d.store.Attach(cloned.RootID, parentID, index+1); err != nil {
			return err
		}
		if isInstance {
			node, _ := d.store.Node(id)
			return d.adopt(cloned.RootID, node.Props.BelongsTo, rel)
		}
		return d.adoptNested(cloned.RootID)
	})
	if err != nil {
		return "", err
	}
	return cloned.RootID, nil
}

// adopt registers instanceRootID as an instance of masterID and links it.
func (d *Document) adopt(instanceRootID, masterID string, rel tree.RelationType) error {
	if err := d.store.UpdateProps(masterID, func(p *tree.Props) {
		if !slices.Contains(p.HasMany, instanceRootID) {
			p.HasMany = append(p.HasMany, instanceRootID)
		}
	}); err != nil {
		return err
	}
	return tree.Link(d.store, instanceRootID, masterID, rel, nil)
}

// adoptNested keeps hasMany consistent for instance roots copied along with
// an enclosing subtree.
func (d *Document) adoptNested(rootID string) error {
	sub, ok := d.store.Subtree(rootID)
	if !ok {
		return nil
	}
	for _, id := range sub.IDs() {
		if id == rootID {
			continue
		}
		node := sub.Nodes[id]
		masterID := node.Props.BelongsTo
		if masterID == "" || !d.components.IsMaster(masterID) {
			continue
		}
		if r, _ := tree.InstanceRoot(d.store, id); r != id {
			continue
		}
		if err := d.store.UpdateProps(masterID, func(p *tree.Props) {
			if !slices.Contains(p.HasMany, id) {
				p.HasMany = append(p.HasMany, id)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// Move re-parents id to the position sel resolves to.
func (d *Document) Move(id string, sel tree.Selection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return tree.ErrClosed
	}
	node, ok := d.store.Node(id)
	if !ok {
		return fmt.Errorf("%w: %q", tree.ErrNotFound, id)
	}
	if err := d.checkStructural(id); err != nil {
		return err
	}
	at, err := tree.ResolveInsertion(sel, node.TypeTag, d.store, d.rules)
	if err != nil {
		return err
	}
	if err := d.checkContainer(at.ParentID); err != nil {
		return err
	}
	src, _ := d.store.Subtree(id)
	if err := d.checkNesting(src, at.ParentID); err != nil {
		return err
	}
	return d.store.Move(id, at.ParentID, at.Index)
}

// PatchProps applies an RFC 7386 merge patch to the props of id. Relation
// bookkeeping cannot be patched.
func (d *Document) PatchProps(id string, patch []byte) (tree.Props, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return tree.Props{}, tree.ErrClosed
	}
	node, ok := d.store.Node(id)
	if !ok {
		return tree.Props{}, fmt.Errorf("%w: %q", tree.ErrNotFound, id)
	}
	if masterID, locked := tree.FullInstanceOf(d.store, id); locked {
		return tree.Props{}, fmt.Errorf("%w: %s mirrors %s", ErrInstanceLocked, id, masterID)
	}
	original, err := json.Marshal(node.Props)
	if err != nil {
		return tree.Props{}, fmt.Errorf("encode props: %w", err)
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return tree.Props{}, fmt.Errorf("%w: merge patch: %v", tree.ErrStructuralViolation, err)
	}
	var next tree.Props
	if err := json.Unmarshal(merged, &next); err != nil {
		return tree.Props{}, fmt.Errorf("%w: decode patched props: %v", tree.ErrStructuralViolation, err)
	}
	next.BelongsTo = node.Props.BelongsTo
	next.RelationType = node.Props.RelationType
	next.HasMany = node.Props.HasMany
	if err := d.store.UpdateProps(id, func(p *tree.Props) { *p = next }); err != nil {
		return tree.Props{}, err
	}
	return next, nil
}

// SetDisplayName stores a user-facing name in the node's custom metadata.
func (d *Document) SetDisplayName(id, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return tree.ErrClosed
	}
	return d.store.SetCustom(id, "displayName", name)
}

// Delete removes id and its subtree. Deleting a master unregisters its
// component name and orphans its instances.
func (d *Document) Delete(id string) (tree.DeleteResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return tree.DeleteResult{}, tree.ErrClosed
	}
	if err := d.checkStructural(id); err != nil {
		return tree.DeleteResult{}, err
	}
	res, err := tree.Delete(d.store, id)
	if err != nil {
		return tree.DeleteResult{}, err
	}
	for _, removed := range res.Removed {
		if d.components.Unregister(removed) {
			d.engine.Forget(removed)
		}
	}
	return res, nil
}

// CreateComponent registers the subtree at nodeID as a master under name.
func (d *Document) CreateComponent(nodeID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return tree.ErrClosed
	}
	if !d.store.Has(nodeID) {
		return fmt.Errorf("%w: %q", tree.ErrNotFound, nodeID)
	}
	if nodeID == d.store.RootID() {
		return fmt.Errorf("%w: the page root cannot be a component", tree.ErrStructuralViolation)
	}
	if _, _, ok := d.liveInstanceRoot(nodeID); ok {
		return fmt.Errorf("%w: %s already belongs to a master", ErrInstanceLocked, nodeID)
	}
	if err := d.components.Register(name, nodeID); err != nil {
		return err
	}
	d.engine.Baseline(nodeID)
	return nil
}

// InsertInstance places a new instance of the named component at sel.
func (d *Document) InsertInstance(name string, rel tree.RelationType, sel tree.Selection) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", tree.ErrClosed
	}
	if rel == tree.RelationNone {
		rel = tree.RelationFull
	}
	if !rel.Valid() {
		return "", fmt.Errorf("%w: unknown relation type %q", tree.ErrRelationInconsistency, rel)
	}
	masterID, ok := d.components.Master(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	src, ok := d.store.Subtree(masterID)
	if !ok {
		return "", fmt.Errorf("%w: master %q of %q", tree.ErrNotFound, masterID, name)
	}
	at, err := tree.ResolveInsertion(sel, src.Nodes[masterID].TypeTag, d.store, d.rules)
	if err != nil {
		return "", err
	}
	if err := d.checkContainer(at.ParentID); err != nil {
		return "", err
	}
	if at.ParentID == masterID || d.store.Within(at.ParentID, masterID) {
		return "", fmt.Errorf("%w: %q cannot contain an instance of itself", tree.ErrStructuralViolation, name)
	}

	var rootID string
	err = d.store.Batch(func() error {
		cloned := tree.Clone(src, d.store, d.ids)
		d.logWarnings("instantiate "+name, cloned.Warnings)
		if cloned.RootID == "" {
			return fmt.Errorf("%w: master %q is empty", tree.ErrStructuralViolation, name)
		}
		if err := d.store.Add(cloned.Nodes); err != nil {
			return err
		}
		if err := d.store.Attach(cloned.RootID, at.ParentID, at.Index); err != nil {
			return err
		}
		rootID = cloned.RootID
		return tree.Link(d.store, cloned.RootID, cloned.OriginalRootID, rel, nil)
	})
	if err != nil {
		return "", err
	}
	return rootID, nil
}

// Detach converts the instance rooted at id into regular content.
func (d *Document) Detach(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return tree.ErrClosed
	}
	if !d.store.Has(id) {
		return fmt.Errorf("%w: %q", tree.ErrNotFound, id)
	}
	if rootID, ok := tree.InstanceRoot(d.store, id); ok && rootID != id {
		return fmt.Errorf("%w: %s is inside instance %s; detach the root", tree.ErrRelationInconsistency, id, rootID)
	}
	return tree.Detach(d.store, id)
}

func (d *Document) logWarnings(op string, warnings []tree.Warning) {
	for _, w := range warnings {
		log.Printf("editor: %s: %s", op, w)
	}
}
