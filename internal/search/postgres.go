package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/gcphost/pagehub.dev-sub001/internal/store"
)

// ComponentSource is the part of the page store the fallback reads.
type ComponentSource interface {
	SearchComponents(ctx context.Context, query string, limit int) ([]store.Component, error)
}

// Postgres implements Searcher with a case-insensitive name match against
// the page_components table.
type Postgres struct {
	source ComponentSource
}

func NewPostgres(source ComponentSource) *Postgres {
	return &Postgres{source: source}
}

// Healthy always returns true; if Postgres is down the whole service is down.
func (p *Postgres) Healthy() bool {
	return true
}

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	// Filters are applied here, so over-fetch to keep a full page after them.
	rows, err := p.source.SearchComponents(ctx, q.Text, (offset+limit)*4)
	if err != nil {
		return nil, 0, fmt.Errorf("component fallback search: %w", err)
	}
	matched := make([]Result, 0, len(rows))
	for _, row := range rows {
		if q.PageID != "" && row.PageID != q.PageID {
			continue
		}
		if q.TypeTag != "" && row.TypeTag != q.TypeTag {
			continue
		}
		matched = append(matched, FromComponent(row).result())
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	return matched[offset:min(offset+limit, total)], total, nil
}

// FromComponent converts a stored component row into an index record.
func FromComponent(c store.Component) ComponentRecord {
	return ComponentRecord{
		ID:        RecordID(c.PageID, c.MasterID),
		PageID:    c.PageID,
		PageName:  c.PageName,
		Name:      c.Name,
		MasterID:  c.MasterID,
		TypeTag:   c.TypeTag,
		NodeCount: c.NodeCount,
	}
}
