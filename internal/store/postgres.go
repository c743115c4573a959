package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListPages(ctx context.Context) ([]PageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, updated_by, updated_at
		FROM pages
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]PageSummary, 0)
	for rows.Next() {
		var item PageSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.Version, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	var item Page
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, snapshot, updated_by, created_at, updated_at
		FROM pages
		WHERE id=$1
	`, pageID).Scan(&item.ID, &item.Name, &item.Version, &item.Snapshot, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return Page{}, fmt.Errorf("get page: %w", err)
	}
	return item, nil
}

// CreatePage inserts a page at version 1.
func (s *PostgresStore) CreatePage(ctx context.Context, item Page) (Page, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pages (id, name, version, snapshot, updated_by)
		VALUES ($1, $2, 1, $3, $4)
		RETURNING version, created_at, updated_at
	`, item.ID, item.Name, item.Snapshot, item.UpdatedBy).Scan(&item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Page{}, fmt.Errorf("insert page: %w", err)
	}
	return item, nil
}

// SavePage stores a new snapshot when the stored version still equals
// expectedVersion, and returns the bumped version.
func (s *PostgresStore) SavePage(ctx context.Context, pageID string, expectedVersion int64, snapshot []byte, updatedBy string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE pages
		SET snapshot=$3, updated_by=$4, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING version
	`, pageID, expectedVersion, snapshot, updatedBy).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetPage(ctx, pageID); getErr != nil {
			return 0, getErr
		}
		return 0, fmt.Errorf("save page %s at version %d: %w", pageID, expectedVersion, ErrVersionConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("save page: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) RenamePage(ctx context.Context, pageID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET name=$2, updated_at=NOW() WHERE id=$1`, pageID, name)
	if err != nil {
		return fmt.Errorf("rename page: %w", err)
	}
	return requireRow(res, pageID)
}

func (s *PostgresStore) DeletePage(ctx context.Context, pageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, pageID)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return requireRow(res, pageID)
}

// ReplaceComponents swaps the page's component rows for items in one
// transaction.
func (s *PostgresStore) ReplaceComponents(ctx context.Context, pageID string, items []Component) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin components tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM page_components WHERE page_id=$1`, pageID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear components: %w", err)
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO page_components (page_id, name, master_id, type_tag, node_count)
			VALUES ($1, $2, $3, $4, $5)
		`, pageID, item.Name, item.MasterID, item.TypeTag, item.NodeCount)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert component %q: %w", item.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit components: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComponents(ctx context.Context, pageID string) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.page_id, p.name, c.name, c.master_id, c.type_tag, c.node_count, c.updated_at
		FROM page_components c
		JOIN pages p ON p.id = c.page_id
		WHERE c.page_id=$1
		ORDER BY c.name
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	return scanComponents(rows)
}

// AllComponents lists every registered component, used to rebuild the
// search index.
func (s *PostgresStore) AllComponents(ctx context.Context) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.page_id, p.name, c.name, c.master_id, c.type_tag, c.node_count, c.updated_at
		FROM page_components c
		JOIN pages p ON p.id = c.page_id
		ORDER BY c.page_id, c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("load components: %w", err)
	}
	return scanComponents(rows)
}

// SearchComponents matches component names case-insensitively across pages.
func (s *PostgresStore) SearchComponents(ctx context.Context, query string, limit int) ([]Component, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.page_id, p.name, c.name, c.master_id, c.type_tag, c.node_count, c.updated_at
		FROM page_components c
		JOIN pages p ON p.id = c.page_id
		WHERE c.name ILIKE $1 ESCAPE '\'
		ORDER BY c.updated_at DESC, c.name
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search components: %w", err)
	}
	return scanComponents(rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanComponents(rows *sql.Rows) ([]Component, error) {
	defer rows.Close()
	items := make([]Component, 0)
	for rows.Next() {
		var item Component
		if err := rows.Scan(&item.PageID, &item.PageName, &item.Name, &item.MasterID, &item.TypeTag, &item.NodeCount, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate components: %w", err)
	}
	return items, nil
}

func requireRow(res sql.Result, pageID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
