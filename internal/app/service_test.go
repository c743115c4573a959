package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/gcphost/pagehub.dev-sub001/internal/cache"
	"github.com/gcphost/pagehub.dev-sub001/internal/config"
	"github.com/gcphost/pagehub.dev-sub001/internal/editor"
	"github.com/gcphost/pagehub.dev-sub001/internal/history"
	"github.com/gcphost/pagehub.dev-sub001/internal/registry"
	"github.com/gcphost/pagehub.dev-sub001/internal/search"
	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
	"github.com/gcphost/pagehub.dev-sub001/internal/store"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

// fakeStore keeps pages in memory. The fn fields override single methods.
type fakeStore struct {
	mu         sync.Mutex
	pages      map[string]store.Page
	components map[string][]store.Component
	saves      int

	savePageFn func(context.Context, string, int64, []byte, string) (int64, error)
	pingFn     func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages:      make(map[string]store.Page),
		components: make(map[string][]store.Component),
	}
}

func (f *fakeStore) ListPages(context.Context) ([]store.PageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.PageSummary, 0, len(f.pages))
	for _, p := range f.pages {
		out = append(out, store.PageSummary{ID: p.ID, Name: p.Name, Version: p.Version, UpdatedBy: p.UpdatedBy, UpdatedAt: p.UpdatedAt})
	}
	slices.SortFunc(out, func(a, b store.PageSummary) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (f *fakeStore) GetPage(_ context.Context, pageID string) (store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return store.Page{}, fmt.Errorf("page %s: %w", pageID, store.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) CreatePage(_ context.Context, item store.Page) (store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.Version = 1
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.pages[item.ID] = item
	return item, nil
}

func (f *fakeStore) SavePage(ctx context.Context, pageID string, expected int64, blob []byte, updatedBy string) (int64, error) {
	if f.savePageFn != nil {
		return f.savePageFn(ctx, pageID, expected, blob, updatedBy)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return 0, fmt.Errorf("page %s: %w", pageID, store.ErrNotFound)
	}
	if p.Version != expected {
		return 0, store.ErrVersionConflict
	}
	p.Version++
	p.Snapshot = blob
	p.UpdatedBy = updatedBy
	p.UpdatedAt = time.Now()
	f.pages[pageID] = p
	f.saves++
	return p.Version, nil
}

func (f *fakeStore) ReplaceComponents(_ context.Context, pageID string, items []store.Component) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.components[pageID] = items
	return nil
}

func (f *fakeStore) AllComponents(context.Context) ([]store.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Component
	for _, items := range f.components {
		out = append(out, items...)
	}
	return out, nil
}

func (f *fakeStore) SearchComponents(_ context.Context, query string, limit int) ([]store.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Component
	for _, items := range f.components {
		for _, c := range items {
			if strings.Contains(strings.ToLower(c.Name), strings.ToLower(query)) {
				out = append(out, c)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("n%d", g.n)
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	svc := &Service{
		cfg:     config.Config{SyncDebounce: time.Hour},
		store:   fs,
		history: history.New(t.TempDir()),
		search:  search.NewService(nil, search.NewPostgres(fs)),
		rules:   registry.DefaultRules(),
		ids:     &seqIDs{},
		pages:   make(map[string]*openPage),
	}
	t.Cleanup(svc.Close)
	return svc
}

func withTestCache(t *testing.T, svc *Service) *cache.PageCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewPageCache("redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewPageCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	svc.WithCache(c)
	return c
}

func mustCreatePage(t *testing.T, svc *Service, name string) PageView {
	t.Helper()
	page, err := svc.CreatePage(context.Background(), name, "Avery")
	if err != nil {
		t.Fatalf("CreatePage() error = %v", err)
	}
	return page
}

func mustInsertNode(t *testing.T, svc *Service, pageID, parentID, typeTag string) string {
	t.Helper()
	id, err := svc.InsertNode(context.Background(), pageID, tree.Selection{NodeID: parentID, Position: tree.PositionInside}, editor.NewNode{TypeTag: typeTag})
	if err != nil {
		t.Fatalf("InsertNode(%s into %s) error = %v", typeTag, parentID, err)
	}
	return id
}

// heroComponent builds ROOT > hero > text, registers it as "Hero" and places a
// full instance at the end of the page.
func heroComponent(t *testing.T, svc *Service, pageID string) (hero, instance string) {
	t.Helper()
	ctx := context.Background()
	hero = mustInsertNode(t, svc, pageID, rootNodeID, "Container")
	mustInsertNode(t, svc, pageID, hero, "Text")
	if err := svc.CreateComponent(ctx, pageID, hero, "Hero"); err != nil {
		t.Fatalf("CreateComponent() error = %v", err)
	}
	instance, err := svc.InsertInstance(ctx, pageID, "Hero", tree.RelationFull, tree.Selection{})
	if err != nil {
		t.Fatalf("InsertInstance() error = %v", err)
	}
	return hero, instance
}

func TestCreatePage(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)

	page := mustCreatePage(t, svc, "  Landing ")
	if page.Name != "Landing" || page.Version != 1 {
		t.Fatalf("CreatePage() = %+v", page)
	}
	root := page.Tree.Nodes[rootNodeID]
	if root == nil || root.TypeTag != rootTypeTag {
		t.Fatalf("root = %+v", root)
	}
	if _, ok := fs.pages[page.ID]; !ok {
		t.Fatal("page not stored")
	}
	versions, err := svc.Versions(context.Background(), page.ID, 0)
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("Versions() = %+v", versions)
	}

	if _, err := svc.CreatePage(context.Background(), " ", "Avery"); err == nil {
		t.Fatal("CreatePage(blank) error = nil")
	}
}

func TestSavePagePersistsEverywhere(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	c := withTestCache(t, svc)
	ctx := context.Background()

	page := mustCreatePage(t, svc, "Landing")
	hero, _ := heroComponent(t, svc, page.ID)

	res, err := svc.SavePage(ctx, page.ID, SaveInput{Author: "Blair", Message: "Add hero"})
	if err != nil {
		t.Fatalf("SavePage() error = %v", err)
	}
	if res.Page.Version != 2 || res.Commit.Author != "Blair" || !strings.HasPrefix(res.Commit.Message, "Add hero") {
		t.Fatalf("SavePage() = %+v", res)
	}

	rows := fs.components[page.ID]
	if len(rows) != 1 || rows[0].MasterID != hero || rows[0].NodeCount != 2 || rows[0].TypeTag != "Container" {
		t.Fatalf("component rows = %+v", rows)
	}

	cached, version, err := c.Get(ctx, page.ID)
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if version != 2 || cached.Components["Hero"] != hero || cached.Name != "Landing" {
		t.Fatalf("cached = v%d %+v", version, cached.Components)
	}

	stored, err := snapshot.Decode(fs.pages[page.ID].Snapshot)
	if err != nil {
		t.Fatalf("Decode(stored) error = %v", err)
	}
	if stored.Tree.Nodes[hero] == nil {
		t.Fatal("stored snapshot lacks the hero node")
	}

	found := svc.SearchComponents(ctx, search.Query{Text: "her"})
	if found.Total != 1 || found.Results[0].MasterID != hero || found.Results[0].PageName != "Landing" {
		t.Fatalf("SearchComponents() = %+v", found)
	}

	versions, _ := svc.Versions(ctx, page.ID, 0)
	if len(versions) != 2 {
		t.Fatalf("Versions() len = %d, want 2", len(versions))
	}
}

func TestSavePageReplacesTree(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	ctx := context.Background()
	page := mustCreatePage(t, svc, "Landing")

	replacement := tree.NewTree("R2", "Page")
	replacement.Nodes["R2"].ChildIDs = []string{"box"}
	replacement.Nodes["box"] = &tree.Node{ID: "box", TypeTag: "Container", ParentID: "R2", ChildIDs: []string{}}
	res, err := svc.SavePage(ctx, page.ID, SaveInput{Tree: &replacement, Components: map[string]string{"Box": "box"}})
	if err != nil {
		t.Fatalf("SavePage(tree) error = %v", err)
	}
	if res.Page.Tree.RootID != "R2" || res.Page.Components["Box"] != "box" {
		t.Fatalf("SavePage(tree) = %+v", res.Page)
	}

	broken := tree.NewTree("R3", "Page")
	broken.Nodes["R3"].ChildIDs = []string{"ghost"}
	_, err = svc.SavePage(ctx, page.ID, SaveInput{Tree: &broken})
	var de *DomainError
	if !errors.As(err, &de) || de.Code != "INVALID_TREE" {
		t.Fatalf("SavePage(broken) error = %v, want INVALID_TREE", err)
	}
}

func TestSavePageVersionConflictEvicts(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	ctx := context.Background()
	page := mustCreatePage(t, svc, "Landing")

	// Someone else saved in the meantime.
	fs.mu.Lock()
	stored := fs.pages[page.ID]
	stored.Version = 5
	fs.pages[page.ID] = stored
	fs.mu.Unlock()

	_, err := svc.SavePage(ctx, page.ID, SaveInput{})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("SavePage() error = %v, want ErrVersionConflict", err)
	}
	svc.mu.Lock()
	_, stillOpen := svc.pages[page.ID]
	svc.mu.Unlock()
	if stillOpen {
		t.Fatal("stale page still open after conflict")
	}

	reloaded, err := svc.GetPage(ctx, page.ID)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if reloaded.Version != 5 {
		t.Fatalf("reloaded version = %d, want 5", reloaded.Version)
	}
	if _, err := svc.SavePage(ctx, page.ID, SaveInput{}); err != nil {
		t.Fatalf("SavePage() after reload error = %v", err)
	}
}

func TestGetPageLoadsFromStoreAndCache(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	c := withTestCache(t, svc)
	ctx := context.Background()

	if _, err := svc.GetPage(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetPage(missing) error = %v, want store.ErrNotFound", err)
	}

	cachedPage := snapshot.Page{Name: "From cache", Tree: tree.NewTree("ROOT", "Page"), Components: map[string]string{}}
	if err := c.Put(ctx, "cached", 7, cachedPage); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}
	got, err := svc.GetPage(ctx, "cached")
	if err != nil {
		t.Fatalf("GetPage(cached) error = %v", err)
	}
	if got.Version != 7 || got.Name != "From cache" {
		t.Fatalf("GetPage(cached) = %+v", got)
	}

	blob, _ := snapshot.Encode(snapshot.Page{Tree: tree.NewTree("ROOT", "Page")})
	fs.pages["stored"] = store.Page{ID: "stored", Name: "From store", Version: 3, Snapshot: blob}
	got, err = svc.GetPage(ctx, "stored")
	if err != nil {
		t.Fatalf("GetPage(stored) error = %v", err)
	}
	if got.Version != 3 || got.Name != "From store" {
		t.Fatalf("GetPage(stored) = %+v", got)
	}
	if _, v, err := c.Get(ctx, "stored"); err != nil || v != 3 {
		t.Fatalf("store load was not cached: v%d %v", v, err)
	}
}

func TestSyncRebuildsInstances(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	ctx := context.Background()
	page := mustCreatePage(t, svc, "Landing")
	hero, instance := heroComponent(t, svc, page.ID)

	if res, err := svc.Sync(ctx, page.ID); err != nil || len(res) != 0 {
		t.Fatalf("Sync() with no drift = %+v, %v", res, err)
	}

	mustInsertNode(t, svc, page.ID, hero, "Button")
	view, _ := svc.GetPage(ctx, page.ID)
	if !slices.Contains(view.PendingSync, hero) {
		t.Fatalf("PendingSync = %v, want %s", view.PendingSync, hero)
	}

	results, err := svc.Sync(ctx, page.ID)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(results) != 1 || len(results[0].Rebuilt) != 1 || results[0].Rebuilt[0].OldRootID != instance {
		t.Fatalf("Sync() = %+v", results)
	}
	newRoot := results[0].Rebuilt[0].NewRootID

	components, err := svc.Components(ctx, page.ID)
	if err != nil {
		t.Fatalf("Components() error = %v", err)
	}
	if len(components) != 1 || !slices.Equal(components[0].Instances, []string{newRoot}) || components[0].TypeTag != "Container" {
		t.Fatalf("Components() = %+v", components)
	}
	node, err := svc.Node(ctx, page.ID, newRoot)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if len(node.ChildIDs) != 2 {
		t.Fatalf("rebuilt instance children = %v, want 2", node.ChildIDs)
	}
}

func TestInstanceEditsAreLocked(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	ctx := context.Background()
	page := mustCreatePage(t, svc, "Landing")
	hero, instance := heroComponent(t, svc, page.ID)

	if _, err := svc.PatchProps(ctx, page.ID, instance, []byte(`{"background":"red"}`)); !errors.Is(err, editor.ErrInstanceLocked) {
		t.Fatalf("PatchProps(full instance) error = %v, want ErrInstanceLocked", err)
	}
	if _, err := svc.InsertNode(ctx, page.ID, tree.Selection{NodeID: hero, Position: tree.PositionInside}, editor.NewNode{TypeTag: "Text"}); err != nil {
		t.Fatalf("InsertNode(master) error = %v", err)
	}
	if _, err := svc.InsertInstance(ctx, page.ID, "Hero", tree.RelationFull, tree.Selection{NodeID: hero, Position: tree.PositionInside}); !errors.Is(err, tree.ErrStructuralViolation) {
		t.Fatalf("InsertInstance(into master) error = %v, want ErrStructuralViolation", err)
	}
	if err := svc.DetachInstance(ctx, page.ID, instance); err != nil {
		t.Fatalf("DetachInstance() error = %v", err)
	}
	if _, err := svc.PatchProps(ctx, page.ID, instance, []byte(`{"background":"red"}`)); err != nil {
		t.Fatalf("PatchProps(detached) error = %v", err)
	}
}

func TestRestoreMakesOldVersionCurrent(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	ctx := context.Background()
	page := mustCreatePage(t, svc, "Landing")

	first, err := svc.Versions(ctx, page.ID, 0)
	if err != nil || len(first) != 1 {
		t.Fatalf("Versions() = %+v, %v", first, err)
	}
	box := mustInsertNode(t, svc, page.ID, rootNodeID, "Container")
	if _, err := svc.SavePage(ctx, page.ID, SaveInput{Message: "Add box"}); err != nil {
		t.Fatalf("SavePage() error = %v", err)
	}

	diff, err := svc.Diff(ctx, page.ID, first[0].Hash, "")
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !slices.Equal(diff.Added, []string{box}) {
		t.Fatalf("Diff().Added = %v, want [%s]", diff.Added, box)
	}

	res, err := svc.Restore(ctx, page.ID, first[0].Hash, "Blair")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, ok := res.Page.Tree.Nodes[box]; ok {
		t.Fatal("restored page still has the box")
	}
	if res.Page.Version != 3 || !strings.Contains(res.Commit.Message, first[0].Hash) {
		t.Fatalf("Restore() = version %d commit %+v", res.Page.Version, res.Commit)
	}
	if fs.saves != 2 {
		t.Fatalf("store saves = %d, want 2", fs.saves)
	}
	versions, _ := svc.Versions(ctx, page.ID, 0)
	if len(versions) != 3 {
		t.Fatalf("Versions() len = %d, want 3", len(versions))
	}

	if _, err := svc.Restore(ctx, page.ID, "deadbee", "Blair"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("Restore(unknown) error = %v, want history.ErrNotFound", err)
	}
	if _, err := svc.Diff(ctx, page.ID, "", ""); err == nil {
		t.Fatal("Diff() without from error = nil")
	}
}

func TestInsertTreeReportsWarnings(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	ctx := context.Background()
	page := mustCreatePage(t, svc, "Landing")

	src := tree.NewTree("frag", "Container")
	src.Nodes["frag"].ChildIDs = []string{"gone"}
	id, warnings, err := svc.InsertTree(ctx, page.ID, tree.Selection{}, src)
	if err != nil {
		t.Fatalf("InsertTree() error = %v", err)
	}
	if id == "" || len(warnings) != 1 || warnings[0].Kind != tree.WarnCloneIntegrityGap {
		t.Fatalf("InsertTree() = %q, %+v", id, warnings)
	}
}

func TestBootstrapReindexes(t *testing.T) {
	fs := newFakeStore()
	fs.components["p1"] = []store.Component{{PageID: "p1", Name: "Hero", MasterID: "n1"}}
	idx := &recordingSearch{}
	svc := newTestService(t, fs)
	svc.search = idx

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(idx.reindexed) != 1 || idx.reindexed[0].ID != search.RecordID("p1", "n1") {
		t.Fatalf("reindexed = %+v", idx.reindexed)
	}
}

func TestComponentRowsAndRemovedMasters(t *testing.T) {
	tr := tree.NewTree("ROOT", "Page")
	tr.Nodes["ROOT"].ChildIDs = []string{"a"}
	tr.Nodes["a"] = &tree.Node{ID: "a", TypeTag: "Container", ParentID: "ROOT", ChildIDs: []string{"b"}, LinkedNodes: map[string]string{"overlay": "c"}}
	tr.Nodes["b"] = &tree.Node{ID: "b", TypeTag: "Text", ParentID: "a", ChildIDs: []string{}}
	tr.Nodes["c"] = &tree.Node{ID: "c", TypeTag: "Container", ChildIDs: []string{}}

	rows := componentRows("p", "Page", tr, map[string]string{"A": "a", "Ghost": "zz"})
	if len(rows) != 1 || rows[0].NodeCount != 3 || rows[0].TypeTag != "Container" {
		t.Fatalf("componentRows() = %+v", rows)
	}

	removed := removedMasters(map[string]string{"A": "a", "B": "b"}, map[string]string{"A2": "a"})
	if !slices.Equal(removed, []string{"b"}) {
		t.Fatalf("removedMasters() = %v", removed)
	}
}

type recordingSearch struct {
	reindexed []search.ComponentRecord
}

func (r *recordingSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordingSearch) IndexPage(string, []search.ComponentRecord, []string) {}

func (r *recordingSearch) ReindexAll(records []search.ComponentRecord) {
	r.reindexed = append(r.reindexed, records...)
}
