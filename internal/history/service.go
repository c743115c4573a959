// Package history keeps one git repository per page and commits the page
// JSON on every save, so earlier versions can be listed, diffed and restored.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
)

// ErrNotFound is returned for a page without a repository or an unknown
// version hash.
var ErrNotFound = errors.New("version not found")

const (
	pageFile   = "page.json"
	mainBranch = "main"
)

// Version describes one commit of a page.
type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsurePageRepo creates the repository for pageID with initial as its first
// commit. An existing repository is left alone.
func (s *Service) EnsurePageRepo(pageID string, initial snapshot.Page, author string) error {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(pageID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	hash, err := writeAndCommit(repo, initial, author, "Create page", false)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Commit records page as the newest version. A save that changes nothing
// returns the current head instead of an empty commit.
func (s *Service) Commit(pageID string, page snapshot.Page, author, message string) (Version, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return Version{}, err
	}
	if err := checkoutMain(repo); err != nil {
		return Version{}, err
	}
	hash, err := writeAndCommit(repo, page, author, message, false)
	if errors.Is(err, git.ErrEmptyCommit) {
		ref, refErr := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
		if refErr != nil {
			return Version{}, fmt.Errorf("resolve main: %w", refErr)
		}
		hash = ref.Hash()
	} else if err != nil {
		return Version{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// Head returns the newest version of the page.
func (s *Service) Head(pageID string) (snapshot.Page, Version, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return snapshot.Page{}, Version{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return snapshot.Page{}, Version{}, fmt.Errorf("load commit object: %w", err)
	}
	page, err := readPage(commitObj)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	return page, toVersion(commitObj), nil
}

// Get returns the page as of hash (full or abbreviated).
func (s *Service) Get(pageID, hash string) (snapshot.Page, Version, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	commitObj, err := commitByHash(repo, hash)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	page, err := readPage(commitObj)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	return page, toVersion(commitObj), nil
}

// History lists versions newest first. limit <= 0 means all.
func (s *Service) History(pageID string, limit int) ([]Version, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Restore copies the page at hash onto main as a new commit.
func (s *Service) Restore(pageID, hash, author string) (snapshot.Page, Version, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	source, err := commitByHash(repo, hash)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	page, err := readPage(source)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	if err := checkoutMain(repo); err != nil {
		return snapshot.Page{}, Version{}, err
	}
	message := fmt.Sprintf("Restore version %s\n\nrestore: source=%s actor=%s", short(source.Hash), source.Hash, author)
	newHash, err := writeAndCommit(repo, page, author, message, true)
	if err != nil {
		return snapshot.Page{}, Version{}, err
	}
	commitObj, err := repo.CommitObject(newHash)
	if err != nil {
		return snapshot.Page{}, Version{}, fmt.Errorf("read restore commit object: %w", err)
	}
	return page, toVersion(commitObj), nil
}

func (s *Service) repoPath(pageID string) string {
	return filepath.Join(s.baseDir, pageID)
}

func (s *Service) open(pageID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(pageID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("page %s has no history: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) pageLock(pageID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[pageID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[pageID] = lock
	return lock
}

func writeAndCommit(repo *git.Repository, page snapshot.Page, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := snapshot.Marshal(page)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, pageFile), payload, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", pageFile, err)
	}
	if _, err := worktree.Add(pageFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add page: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.pagehub.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit page: %w", err)
	}
	return hash, nil
}

func checkoutMain(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(mainBranch), Force: true}); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}
	return nil
}

func readPage(commitObj *object.Commit) (snapshot.Page, error) {
	file, err := commitObj.File(pageFile)
	if err != nil {
		return snapshot.Page{}, fmt.Errorf("load %s from commit: %w", pageFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return snapshot.Page{}, fmt.Errorf("open page reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return snapshot.Page{}, fmt.Errorf("read page bytes: %w", err)
	}
	return snapshot.Unmarshal(data)
}

func commitByHash(repo *git.Repository, hash string) (*object.Commit, error) {
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("commit %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return commitObj, nil
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      short(commitObj.Hash),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func short(h plumbing.Hash) string {
	return h.String()[:7]
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
