package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gcphost/pagehub.dev-sub001/internal/archive"
	"github.com/gcphost/pagehub.dev-sub001/internal/cache"
	"github.com/gcphost/pagehub.dev-sub001/internal/config"
	"github.com/gcphost/pagehub.dev-sub001/internal/editor"
	"github.com/gcphost/pagehub.dev-sub001/internal/history"
	"github.com/gcphost/pagehub.dev-sub001/internal/search"
	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
	"github.com/gcphost/pagehub.dev-sub001/internal/store"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
	"github.com/gcphost/pagehub.dev-sub001/internal/util"
)

const (
	rootNodeID    = "ROOT"
	rootTypeTag   = "Page"
	defaultAuthor = "Anonymous"
)

type pageStore interface {
	ListPages(context.Context) ([]store.PageSummary, error)
	GetPage(context.Context, string) (store.Page, error)
	CreatePage(context.Context, store.Page) (store.Page, error)
	SavePage(context.Context, string, int64, []byte, string) (int64, error)
	ReplaceComponents(context.Context, string, []store.Component) error
	AllComponents(context.Context) ([]store.Component, error)
	SearchComponents(context.Context, string, int) ([]store.Component, error)
	Ping(context.Context) error
}

type pageCache interface {
	Put(context.Context, string, int64, snapshot.Page) error
	Get(context.Context, string) (snapshot.Page, int64, error)
	Invalidate(context.Context, string) error
	Ping(context.Context) error
}

type historyService interface {
	EnsurePageRepo(string, snapshot.Page, string) error
	Commit(string, snapshot.Page, string, string) (history.Version, error)
	Get(string, string) (snapshot.Page, history.Version, error)
	History(string, int) ([]history.Version, error)
	Restore(string, string, string) (snapshot.Page, history.Version, error)
}

type snapshotArchive interface {
	Put(context.Context, string, int64, snapshot.Page) (string, error)
	List(context.Context, string) ([]archive.Entry, error)
	Ping(context.Context) error
}

type componentSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexPage(string, []search.ComponentRecord, []string)
	ReindexAll([]search.ComponentRecord)
}

// openPage is one page held in memory. mu serializes every operation on the
// page so the document can be swapped out on save or restore.
type openPage struct {
	mu      sync.Mutex
	id      string
	name    string
	version int64
	doc     *editor.Document
	// masters indexed at the last load or save, for search cleanup.
	indexed map[string]string
}

// PageView is a page as the client sees it.
type PageView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     int64             `json:"version"`
	Tree        tree.Tree         `json:"tree"`
	Components  map[string]string `json:"components"`
	PendingSync []string          `json:"pendingSync,omitempty"`
}

type PageSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SaveInput struct {
	// Tree replaces the open document when set; otherwise the document is
	// saved as it stands.
	Tree       *tree.Tree
	Components map[string]string
	Author     string
	Message    string
}

type SaveResult struct {
	Page       PageView          `json:"page"`
	Commit     history.Version   `json:"commit"`
	ArchiveKey string            `json:"archiveKey,omitempty"`
	Synced     []tree.SyncResult `json:"synced,omitempty"`
}

type ComponentView struct {
	Name      string   `json:"name"`
	MasterID  string   `json:"masterId"`
	TypeTag   string   `json:"typeTag"`
	Instances []string `json:"instances"`
}

type VersionView struct {
	Version history.Version `json:"version"`
	Page    snapshot.Page   `json:"page"`
}

type Service struct {
	cfg     config.Config
	store   pageStore
	cache   pageCache
	history historyService
	archive snapshotArchive
	search  componentSearch
	rules   tree.PlacementRules
	ids     tree.IDGenerator

	mu    sync.Mutex
	pages map[string]*openPage
}

func New(cfg config.Config, pages *store.PostgresStore, hist *history.Service, rules tree.PlacementRules) *Service {
	return &Service{
		cfg:     cfg,
		store:   pages,
		history: hist,
		search:  search.NewService(nil, search.NewPostgres(pages)),
		rules:   rules,
		pages:   make(map[string]*openPage),
	}
}

// WithCache enables the snapshot cache.
func (s *Service) WithCache(c *cache.PageCache) *Service {
	if c != nil {
		s.cache = c
	}
	return s
}

// WithArchive enables archiving every saved version.
func (s *Service) WithArchive(a *archive.Archive) *Service {
	if a != nil {
		s.archive = a
	}
	return s
}

// WithSearch replaces the Postgres-only component search.
func (s *Service) WithSearch(svc *search.Service) *Service {
	if svc != nil {
		s.search = svc
	}
	return s
}

// Bootstrap pushes every stored component into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	rows, err := s.store.AllComponents(ctx)
	if err != nil {
		return fmt.Errorf("load components: %w", err)
	}
	records := make([]search.ComponentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, search.FromComponent(row))
	}
	s.search.ReindexAll(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Checks reports the health of the optional backends that are enabled.
func (s *Service) Checks(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.cache != nil {
		checks["cache"] = s.cache.Ping(ctx)
	}
	if s.archive != nil {
		checks["archive"] = s.archive.Ping(ctx)
	}
	return checks
}

// Close tears down every open document. Pending sync passes are discarded.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pages {
		p.mu.Lock()
		p.doc.Close()
		p.mu.Unlock()
		delete(s.pages, id)
	}
	openDocuments.Set(0)
}

func (s *Service) ListPages(ctx context.Context) ([]PageSummary, error) {
	rows, err := s.store.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PageSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, PageSummary{
			ID:        row.ID,
			Name:      row.Name,
			Version:   row.Version,
			UpdatedBy: row.UpdatedBy,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *Service) CreatePage(ctx context.Context, name, author string) (PageView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return PageView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	author = authorOrDefault(author)
	page := snapshot.Page{
		Name:       name,
		Tree:       tree.NewTree(rootNodeID, rootTypeTag),
		Components: map[string]string{},
	}
	blob, err := snapshot.Encode(page)
	if err != nil {
		return PageView{}, err
	}
	row, err := s.store.CreatePage(ctx, store.Page{ID: util.NewID(""), Name: name, Snapshot: blob, UpdatedBy: author})
	if err != nil {
		return PageView{}, err
	}
	if err := s.history.EnsurePageRepo(row.ID, page, author); err != nil {
		return PageView{}, fmt.Errorf("create page history: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, row.ID, row.Version, page); err != nil {
			log.Printf("app: cache put %s: %v", row.ID, err)
		}
	}

	p, err := s.register(row.ID, row.Version, page)
	if err != nil {
		return PageView{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view(), nil
}

func (s *Service) GetPage(ctx context.Context, pageID string) (PageView, error) {
	var out PageView
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		out = p.view()
		return nil
	})
	return out, err
}

// SavePage persists the page: Postgres first (optimistic on version), then
// cache, history, archive and the search index.
func (s *Service) SavePage(ctx context.Context, pageID string, in SaveInput) (SaveResult, error) {
	var out SaveResult
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		if in.Tree != nil {
			if err := in.Tree.Validate(); err != nil {
				return domainError(http.StatusUnprocessableEntity, "INVALID_TREE", err.Error(), nil)
			}
			components := in.Components
			if components == nil {
				components = map[string]string{}
			}
			if err := s.replaceDocument(p, snapshot.Page{Name: p.name, Tree: *in.Tree, Components: components}); err != nil {
				return err
			}
		}
		synced, err := p.doc.Flush()
		if err != nil {
			return err
		}
		t, components := p.doc.Snapshot()
		page := snapshot.Page{Name: p.name, Tree: t, Components: components}
		message := strings.TrimSpace(in.Message)
		if message == "" {
			message = "Save page"
		}
		res, err := s.persist(ctx, p, page, authorOrDefault(in.Author), message, true)
		if err != nil {
			return err
		}
		res.Synced = synced
		out = res
		return nil
	})
	if errors.Is(err, store.ErrVersionConflict) {
		// The in-memory copy is stale; the next request reloads it.
		s.evict(pageID)
	}
	return out, err
}

func (s *Service) Node(ctx context.Context, pageID, nodeID string) (*tree.Node, error) {
	var out *tree.Node
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		node, ok := p.doc.Node(nodeID)
		if !ok {
			return fmt.Errorf("%w: %q", tree.ErrNotFound, nodeID)
		}
		out = node
		return nil
	})
	return out, err
}

func (s *Service) InsertNode(ctx context.Context, pageID string, sel tree.Selection, n editor.NewNode) (string, error) {
	var id string
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		var err error
		id, err = p.doc.Insert(sel, n)
		return err
	})
	return id, err
}

// InsertTree pastes a serialized subtree. Dangling references inside it are
// skipped and reported as warnings.
func (s *Service) InsertTree(ctx context.Context, pageID string, sel tree.Selection, src tree.Tree) (string, []tree.Warning, error) {
	var (
		id       string
		warnings []tree.Warning
	)
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		var err error
		id, warnings, err = p.doc.InsertTree(sel, src)
		return err
	})
	recordWarnings(warnings)
	return id, warnings, err
}

func (s *Service) DuplicateNode(ctx context.Context, pageID, nodeID string) (string, error) {
	var id string
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		var err error
		id, err = p.doc.Duplicate(nodeID)
		return err
	})
	return id, err
}

func (s *Service) MoveNode(ctx context.Context, pageID, nodeID string, sel tree.Selection) error {
	return s.withPage(ctx, pageID, func(p *openPage) error {
		return p.doc.Move(nodeID, sel)
	})
}

func (s *Service) PatchProps(ctx context.Context, pageID, nodeID string, patch []byte) (tree.Props, error) {
	var props tree.Props
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		var err error
		props, err = p.doc.PatchProps(nodeID, patch)
		return err
	})
	return props, err
}

func (s *Service) RenameNode(ctx context.Context, pageID, nodeID, name string) error {
	return s.withPage(ctx, pageID, func(p *openPage) error {
		return p.doc.SetDisplayName(nodeID, strings.TrimSpace(name))
	})
}

func (s *Service) DeleteNode(ctx context.Context, pageID, nodeID string) (tree.DeleteResult, error) {
	var res tree.DeleteResult
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		var err error
		res, err = p.doc.Delete(nodeID)
		return err
	})
	return res, err
}

func (s *Service) CreateComponent(ctx context.Context, pageID, nodeID, name string) error {
	return s.withPage(ctx, pageID, func(p *openPage) error {
		return p.doc.CreateComponent(nodeID, name)
	})
}

func (s *Service) InsertInstance(ctx context.Context, pageID, name string, rel tree.RelationType, sel tree.Selection) (string, error) {
	var id string
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		var err error
		id, err = p.doc.InsertInstance(name, rel, sel)
		return err
	})
	return id, err
}

func (s *Service) DetachInstance(ctx context.Context, pageID, nodeID string) error {
	return s.withPage(ctx, pageID, func(p *openPage) error {
		return p.doc.Detach(nodeID)
	})
}

// Components lists the page's masters with their live instances.
func (s *Service) Components(ctx context.Context, pageID string) ([]ComponentView, error) {
	var out []ComponentView
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		components := p.doc.Components()
		names := make([]string, 0, len(components))
		for name := range components {
			names = append(names, name)
		}
		sort.Strings(names)
		out = make([]ComponentView, 0, len(names))
		for _, name := range names {
			instances, err := p.doc.Instances(name)
			if err != nil {
				return err
			}
			view := ComponentView{Name: name, MasterID: components[name], Instances: instances}
			if master, ok := p.doc.Node(components[name]); ok {
				view.TypeTag = master.TypeTag
			}
			out = append(out, view)
		}
		return nil
	})
	return out, err
}

// Sync runs the page's pending sync passes now.
func (s *Service) Sync(ctx context.Context, pageID string) ([]tree.SyncResult, error) {
	var out []tree.SyncResult
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		started := time.Now()
		res, err := p.doc.Flush()
		syncFlushDuration.Observe(time.Since(started).Seconds())
		out = res
		return err
	})
	return out, err
}

func (s *Service) Versions(ctx context.Context, pageID string, limit int) ([]history.Version, error) {
	if _, err := s.page(ctx, pageID); err != nil {
		return nil, err
	}
	return s.history.History(pageID, limit)
}

func (s *Service) Version(ctx context.Context, pageID, hash string) (VersionView, error) {
	if _, err := s.page(ctx, pageID); err != nil {
		return VersionView{}, err
	}
	page, v, err := s.history.Get(pageID, hash)
	if err != nil {
		return VersionView{}, err
	}
	return VersionView{Version: v, Page: page}, nil
}

// Diff compares two versions. An empty to compares against the open
// document, including unsaved edits.
func (s *Service) Diff(ctx context.Context, pageID, from, to string) (history.PageDiff, error) {
	if strings.TrimSpace(from) == "" {
		return history.PageDiff{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from is required", nil)
	}
	var current snapshot.Page
	if err := s.withPage(ctx, pageID, func(p *openPage) error {
		t, components := p.doc.Snapshot()
		current = snapshot.Page{Name: p.name, Tree: t, Components: components}
		return nil
	}); err != nil {
		return history.PageDiff{}, err
	}
	fromPage, _, err := s.history.Get(pageID, from)
	if err != nil {
		return history.PageDiff{}, err
	}
	toPage := current
	if strings.TrimSpace(to) != "" {
		toPage, _, err = s.history.Get(pageID, to)
		if err != nil {
			return history.PageDiff{}, err
		}
	}
	return history.Diff(fromPage, toPage)
}

// Restore makes an earlier version current again. The restore is itself a
// new version; unsaved edits in the open document are dropped.
func (s *Service) Restore(ctx context.Context, pageID, hash, author string) (SaveResult, error) {
	var out SaveResult
	err := s.withPage(ctx, pageID, func(p *openPage) error {
		author := authorOrDefault(author)
		page, v, err := s.history.Restore(pageID, hash, author)
		if err != nil {
			return err
		}
		page.Name = p.name
		if err := s.replaceDocument(p, page); err != nil {
			return err
		}
		t, components := p.doc.Snapshot()
		res, err := s.persist(ctx, p, snapshot.Page{Name: p.name, Tree: t, Components: components}, author, "", false)
		if err != nil {
			return err
		}
		res.Commit = v
		out = res
		return nil
	})
	return out, err
}

// Archived lists the archived snapshots of a page. It is empty when the
// archive is disabled.
func (s *Service) Archived(ctx context.Context, pageID string) ([]archive.Entry, error) {
	if _, err := s.page(ctx, pageID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.Entry{}, nil
	}
	return s.archive.List(ctx, pageID)
}

func (s *Service) SearchComponents(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) withPage(ctx context.Context, pageID string, fn func(*openPage) error) error {
	p, err := s.page(ctx, pageID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p)
}

// page returns the open page, loading it on first use.
func (s *Service) page(ctx context.Context, pageID string) (*openPage, error) {
	s.mu.Lock()
	p, ok := s.pages[pageID]
	s.mu.Unlock()
	if ok {
		return p, nil
	}
	page, version, err := s.loadPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return s.register(pageID, version, page)
}

func (s *Service) evict(pageID string) {
	s.mu.Lock()
	p, ok := s.pages[pageID]
	delete(s.pages, pageID)
	openDocuments.Set(float64(len(s.pages)))
	s.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.doc.Close()
	p.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Invalidate(context.Background(), pageID); err != nil {
			log.Printf("app: cache invalidate %s: %v", pageID, err)
		}
	}
}

// register opens a document for page unless another request got there first.
func (s *Service) register(pageID string, version int64, page snapshot.Page) (*openPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[pageID]; ok {
		return p, nil
	}
	doc, err := s.openDocument(page)
	if err != nil {
		return nil, err
	}
	p := &openPage{id: pageID, name: page.Name, version: version, doc: doc, indexed: page.Components}
	s.pages[pageID] = p
	openDocuments.Set(float64(len(s.pages)))
	return p, nil
}

func (s *Service) loadPage(ctx context.Context, pageID string) (snapshot.Page, int64, error) {
	if s.cache != nil {
		page, version, err := s.cache.Get(ctx, pageID)
		if err == nil {
			cacheLookups.WithLabelValues("hit").Inc()
			return page, version, nil
		}
		if errors.Is(err, cache.ErrMiss) {
			cacheLookups.WithLabelValues("miss").Inc()
		} else {
			cacheLookups.WithLabelValues("error").Inc()
			log.Printf("app: cache get %s: %v", pageID, err)
		}
	}
	row, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return snapshot.Page{}, 0, err
	}
	page, err := snapshot.Decode(row.Snapshot)
	if err != nil {
		return snapshot.Page{}, 0, fmt.Errorf("decode page %s: %w", pageID, err)
	}
	page.Name = row.Name
	if s.cache != nil {
		if err := s.cache.Put(ctx, pageID, row.Version, page); err != nil {
			log.Printf("app: cache put %s: %v", pageID, err)
		}
	}
	return page, row.Version, nil
}

func (s *Service) openDocument(page snapshot.Page) (*editor.Document, error) {
	doc, err := editor.Open(page.Tree, page.Components, editor.Options{
		Rules:    s.rules,
		IDs:      s.ids,
		Debounce: s.cfg.SyncDebounce,
		OnSync:   recordSync,
	})
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_TREE", err.Error(), nil)
	}
	return doc, nil
}

// replaceDocument swaps the open document for one built from page. The
// caller holds p.mu.
func (s *Service) replaceDocument(p *openPage, page snapshot.Page) error {
	doc, err := s.openDocument(page)
	if err != nil {
		return err
	}
	p.doc.Close()
	p.doc = doc
	return nil
}

func (s *Service) persist(ctx context.Context, p *openPage, page snapshot.Page, author, message string, commit bool) (SaveResult, error) {
	blob, err := snapshot.Encode(page)
	if err != nil {
		return SaveResult{}, err
	}
	version, err := s.store.SavePage(ctx, p.id, p.version, blob, author)
	pageSaves.WithLabelValues(saveResult(err)).Inc()
	if err != nil {
		return SaveResult{}, err
	}
	p.version = version

	rows := componentRows(p.id, p.name, page.Tree, page.Components)
	if err := s.store.ReplaceComponents(ctx, p.id, rows); err != nil {
		return SaveResult{}, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, p.id, version, page); err != nil {
			log.Printf("app: cache put %s: %v", p.id, err)
		}
	}

	var out SaveResult
	if commit {
		if err := s.history.EnsurePageRepo(p.id, page, author); err != nil {
			return SaveResult{}, fmt.Errorf("ensure page history: %w", err)
		}
		v, err := s.history.Commit(p.id, page, author, message)
		if err != nil {
			return SaveResult{}, fmt.Errorf("commit page history: %w", err)
		}
		out.Commit = v
	}
	if s.archive != nil {
		key, err := s.archive.Put(ctx, p.id, version, page)
		if err != nil {
			log.Printf("app: archive %s v%d: %v", p.id, version, err)
		} else {
			out.ArchiveKey = key
		}
	}

	records := make([]search.ComponentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, search.FromComponent(row))
	}
	s.search.IndexPage(p.id, records, removedMasters(p.indexed, page.Components))
	p.indexed = page.Components

	out.Page = p.view()
	return out, nil
}

func (p *openPage) view() PageView {
	t, components := p.doc.Snapshot()
	return PageView{
		ID:          p.id,
		Name:        p.name,
		Version:     p.version,
		Tree:        t,
		Components:  components,
		PendingSync: p.doc.Pending(),
	}
}

// componentRows describes each registered master for the page_components
// table. Masters missing from t are skipped.
func componentRows(pageID, pageName string, t tree.Tree, components map[string]string) []store.Component {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]store.Component, 0, len(names))
	for _, name := range names {
		masterID := components[name]
		master, ok := t.Nodes[masterID]
		if !ok {
			continue
		}
		rows = append(rows, store.Component{
			PageID:    pageID,
			PageName:  pageName,
			Name:      name,
			MasterID:  masterID,
			TypeTag:   master.TypeTag,
			NodeCount: countNodes(t, masterID),
		})
	}
	return rows
}

func countNodes(t tree.Tree, rootID string) int {
	seen := map[string]struct{}{}
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := t.Nodes[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, node.ChildIDs...)
		for _, linked := range node.LinkedNodes {
			stack = append(stack, linked)
		}
	}
	return len(seen)
}

func removedMasters(before, after map[string]string) []string {
	current := make(map[string]struct{}, len(after))
	for _, masterID := range after {
		current[masterID] = struct{}{}
	}
	var out []string
	for _, masterID := range before {
		if _, ok := current[masterID]; !ok {
			out = append(out, masterID)
		}
	}
	sort.Strings(out)
	return out
}

func authorOrDefault(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return defaultAuthor
	}
	return author
}
