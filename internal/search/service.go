package search

import (
	"context"
	"log"
	"sync"
)

// componentIndex is what the service needs from Meilisearch.
type componentIndex interface {
	Searcher
	IndexComponents(records []ComponentRecord) error
	DeleteComponent(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili    componentIndex
	fallback Searcher

	// Index writes for one page are applied in the order they were queued.
	mu     sync.Mutex
	queues map[string][]indexJob
}

type indexJob struct {
	records []ComponentRecord
	removed []string
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	s := &Service{fallback: fallback}
	if meili != nil {
		s.meili = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage replaces the indexed components of one page. removedMasterIDs
// are masters that were registered before this save and are gone now.
// Indexing is fire-and-forget, but saves of the same page reach Meilisearch
// in order: one worker per page drains its queue.
func (s *Service) IndexPage(pageID string, records []ComponentRecord, removedMasterIDs []string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues == nil {
		s.queues = make(map[string][]indexJob)
	}
	queue, running := s.queues[pageID]
	s.queues[pageID] = append(queue, indexJob{records: records, removed: removedMasterIDs})
	if !running {
		go s.drain(pageID)
	}
}

// drain applies queued jobs for pageID until the queue is empty. The map
// entry exists for as long as a worker runs.
func (s *Service) drain(pageID string) {
	for {
		s.mu.Lock()
		queue := s.queues[pageID]
		if len(queue) == 0 {
			delete(s.queues, pageID)
			s.mu.Unlock()
			return
		}
		job := queue[0]
		s.queues[pageID] = queue[1:]
		s.mu.Unlock()

		for _, masterID := range job.removed {
			if err := s.meili.DeleteComponent(RecordID(pageID, masterID)); err != nil {
				log.Printf("search: delete component %s/%s: %v", pageID, masterID, err)
			}
		}
		if err := s.meili.IndexComponents(job.records); err != nil {
			log.Printf("search: index page %s: %v", pageID, err)
		}
	}
}

// ReindexAll pushes every record into Meilisearch. Called at startup when
// Meilisearch is reachable.
func (s *Service) ReindexAll(records []ComponentRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	if err := s.meili.IndexComponents(records); err != nil {
		log.Printf("search: reindex components: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
