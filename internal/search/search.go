package search

import (
	"context"
	"strings"
)

// Result is a single component hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	PageID    string `json:"pageId"`
	PageName  string `json:"pageName"`
	Name      string `json:"name"`
	MasterID  string `json:"masterId"`
	TypeTag   string `json:"typeTag"`
	NodeCount int    `json:"nodeCount"`
	Snippet   string `json:"snippet,omitempty"`
}

// Query describes a component search.
type Query struct {
	Text    string
	PageID  string // empty = all pages
	TypeTag string // empty = any root type
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a component search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ComponentRecord is the data we index for one registered master.
type ComponentRecord struct {
	ID        string `json:"id"`
	PageID    string `json:"pageId"`
	PageName  string `json:"pageName"`
	Name      string `json:"name"`
	MasterID  string `json:"masterId"`
	TypeTag   string `json:"typeTag"`
	NodeCount int    `json:"nodeCount"`
}

// RecordID builds the index key for a master. Meilisearch ids only allow
// alphanumerics, hyphens and underscores.
func RecordID(pageID, masterID string) string {
	return sanitizeID(pageID) + "__" + sanitizeID(masterID)
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (r ComponentRecord) result() Result {
	return Result{
		ID:        r.ID,
		PageID:    r.PageID,
		PageName:  r.PageName,
		Name:      r.Name,
		MasterID:  r.MasterID,
		TypeTag:   r.TypeTag,
		NodeCount: r.NodeCount,
	}
}
