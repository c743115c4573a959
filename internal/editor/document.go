package editor

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/gcphost/pagehub.dev-sub001/internal/registry"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

var (
	// ErrInstanceLocked is returned for edits inside a live instance that the
	// relation does not allow: any edit in a "full" instance, and structural
	// edits below the root of a "style" instance.
	ErrInstanceLocked = errors.New("node is locked by its master")
	// ErrUnknownComponent is returned when a component name is not registered.
	ErrUnknownComponent = errors.New("unknown component")
)

// maxSyncRounds bounds how many cascading passes Flush runs. A rebuild in one
// master can change the shape of another master that contains its instance.
const maxSyncRounds = 8

// Options configures a Document.
type Options struct {
	Rules    tree.PlacementRules
	IDs      tree.IDGenerator
	Debounce time.Duration
	// OnSync sees every pass result that found drift. It runs with the
	// document lock held and must not call back into the Document.
	OnSync func(tree.SyncResult)
}

// NewNode describes a fresh node created by an authoring action.
type NewNode struct {
	TypeTag    string         `json:"typeTag"`
	Props      tree.Props     `json:"props"`
	CustomMeta map[string]any `json:"customMeta,omitempty"`
}

// Document is one open page. It owns the node store, the sync engine and the
// scheduler for that page, and serializes every authoring action and sync
// pass behind one lock.
type Document struct {
	mu         sync.Mutex
	store      *tree.Store
	engine     *tree.Engine
	sched      *tree.Scheduler
	components *registry.Components
	rules      tree.PlacementRules
	ids        tree.IDGenerator
	onSync     func(tree.SyncResult)
	cancel     func()
	closed     bool
}

// Open loads t into a new Document. components maps component names to
// master root ids; entries pointing at missing nodes are dropped.
func Open(t tree.Tree, components map[string]string, opts Options) (*Document, error) {
	store, err := tree.NewStore(t)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	ids := opts.IDs
	if ids == nil {
		ids = tree.DefaultIDs
	}
	rules := opts.Rules
	if rules == nil {
		rules = registry.DefaultRules()
	}
	d := &Document{
		store:      store,
		engine:     tree.NewEngine(store, ids),
		components: registry.NewComponents(nil),
		rules:      rules,
		ids:        ids,
		onSync:     opts.OnSync,
	}
	for name, masterID := range components {
		if !store.Has(masterID) {
			log.Printf("editor: component %q points at missing node %s", name, masterID)
			continue
		}
		if err := d.components.Register(name, masterID); err != nil {
			log.Printf("editor: register component %q: %v", name, err)
			continue
		}
		d.engine.Baseline(masterID)
	}
	d.sched = tree.NewScheduler(opts.Debounce, d.runScheduled)
	d.cancel = store.Subscribe(d.observe)
	return d, nil
}

// observe runs inside store mutations, so the document lock is already held.
func (d *Document) observe(ev tree.Event) {
	if ev.Kind == tree.EventProps {
		return
	}
	marked := make(map[string]struct{})
	for _, id := range ev.NodeIDs {
		if !d.store.Has(id) {
			continue
		}
		for _, candidate := range append([]string{id}, d.store.Ancestors(id)...) {
			if _, done := marked[candidate]; done {
				continue
			}
			if d.components.IsMaster(candidate) {
				marked[candidate] = struct{}{}
				d.sched.Mark(candidate)
			}
		}
	}
}

func (d *Document) runScheduled(masterIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.syncLocked(masterIDs)
}

func (d *Document) syncLocked(masterIDs []string) []tree.SyncResult {
	var out []tree.SyncResult
	for _, masterID := range masterIDs {
		res, err := d.engine.CheckAndSync(masterID)
		for _, w := range res.Warnings {
			log.Printf("editor: sync warning: %s", w)
		}
		if err != nil {
			log.Printf("editor: sync %s: %v", masterID, err)
			continue
		}
		if !res.Drift {
			continue
		}
		if d.onSync != nil {
			d.onSync(res)
		}
		out = append(out, res)
	}
	return out
}

// Flush runs the pending sync passes now instead of waiting for the
// debounce window, and returns the passes that rebuilt something.
func (d *Document) Flush() ([]tree.SyncResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, tree.ErrClosed
	}
	var out []tree.SyncResult
	for range maxSyncRounds {
		pending := d.sched.Drain()
		if len(pending) == 0 {
			break
		}
		out = append(out, d.syncLocked(pending)...)
	}
	return out, nil
}

// Pending lists masters waiting for a sync pass.
func (d *Document) Pending() []string {
	return d.sched.Pending()
}

// Close tears the document down. A pending sync pass is discarded.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.sched.Stop()
	d.cancel()
	d.store.Close()
}

func (d *Document) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Snapshot returns the serializable tree and the component table.
func (d *Document) Snapshot() (tree.Tree, map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Snapshot(), d.components.Map()
}

// Node returns a copy of id with its effective props.
func (d *Document) Node(id string) (*tree.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.store.Node(id)
	if !ok {
		return nil, false
	}
	if props, ok := tree.EffectiveProps(d.store, id); ok {
		node.Props = props
	}
	return node, true
}

// Subscribe registers fn for store events. Events are delivered while the
// document lock is held.
func (d *Document) Subscribe(fn func(tree.Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel := d.store.Subscribe(fn)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		cancel()
	}
}

// Components returns the component name table.
func (d *Document) Components() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.components.Map()
}

// Instances lists the live instance roots of the named component.
func (d *Document) Instances(name string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	masterID, ok := d.components.Master(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return d.engine.Instances(masterID), nil
}

// liveInstanceRoot returns the root of the instance id belongs to, but only
// while the master still lists that root in hasMany.
func (d *Document) liveInstanceRoot(id string) (string, tree.RelationType, bool) {
	rootID, ok := tree.InstanceRoot(d.store, id)
	if !ok {
		return "", "", false
	}
	root, _ := d.store.Node(rootID)
	master, ok := d.store.Node(root.Props.BelongsTo)
	if !ok || !slices.Contains(master.Props.HasMany, rootID) {
		return "", "", false
	}
	return rootID, root.Props.RelationType, true
}

// checkStructural rejects structural edits of id when it sits below the root
// of a live instance.
func (d *Document) checkStructural(id string) error {
	if rootID, _, ok := d.liveInstanceRoot(id); ok && rootID != id {
		return fmt.Errorf("%w: %s is part of instance %s", ErrInstanceLocked, id, rootID)
	}
	return nil
}

// checkContainer rejects adding children under parentID when it is part of
// a live instance.
func (d *Document) checkContainer(parentID string) error {
	if rootID, _, ok := d.liveInstanceRoot(parentID); ok {
		return fmt.Errorf("%w: %s is part of instance %s", ErrInstanceLocked, parentID, rootID)
	}
	return nil
}

// checkNesting rejects placing the subtree at id under parentID when it
// holds an instance of a master that contains parentID.
func (d *Document) checkNesting(src tree.Tree, parentID string) error {
	for _, id := range src.IDs() {
		masterID := src.Nodes[id].Props.BelongsTo
		if masterID == "" {
			continue
		}
		if parentID == masterID || d.store.Within(parentID, masterID) {
			return fmt.Errorf("%w: an instance of %s cannot live inside it", tree.ErrStructuralViolation, masterID)
		}
	}
	return nil
}
