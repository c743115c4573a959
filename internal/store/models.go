package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a save carries a stale version.
	ErrVersionConflict = errors.New("page was saved by someone else")
)

// Page is a stored page. Snapshot holds the compressed page document.
type Page struct {
	ID        string
	Name      string
	Version   int64
	Snapshot  []byte
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PageSummary struct {
	ID        string
	Name      string
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
}

// Component is one registered master on a page.
type Component struct {
	PageID    string
	PageName  string
	Name      string
	MasterID  string
	TypeTag   string
	NodeCount int
	UpdatedAt time.Time
}
