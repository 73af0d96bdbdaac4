package article

import (
	"context"
	"database/sql"
	_ "embed"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/001_articles.sql
var schema string

// Repository persists articles in SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at <dataDir>/latch.db.
func Open(dataDir string) (*Repository, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "latch.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return NewRepository(db), nil
}

// NewRepository wraps an open database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migration: %w", err)
	}
	return nil
}

const columns = "id, title, body, author_id, balance, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (*Article, error) {
	var a Article
	if err := row.Scan(&a.ID, &a.Title, &a.Body, &a.AuthorID, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByID returns the article with id or ErrNotFound.
func (r *Repository) FindByID(ctx context.Context, id int64) (*Article, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+columns+" FROM articles WHERE id = ?", id)
	a, err := scanArticle(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// FindAll lists the articles matching q ordered by id.
func (r *Repository) FindAll(ctx context.Context, q Query) ([]Article, error) {
	var (
		where []string
		args  []any
	)
	if t := strings.TrimSpace(q.Title); t != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+t+"%")
	}
	if len(q.AuthorIDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.AuthorIDs)), ",")
		where = append(where, "author_id IN ("+marks+")")
		for _, id := range q.AuthorIDs {
			args = append(args, id)
		}
	}
	if q.From != "" {
		from, err := time.Parse(dateLayout, q.From)
		if err != nil {
			return nil, fmt.Errorf("%w: from: %w", ErrInvalidParameter, err)
		}
		where = append(where, "created_at >= ?")
		args = append(args, from.Format(dateLayout))
	}
	if q.To != "" {
		to, err := time.Parse(dateLayout, q.To)
		if err != nil {
			return nil, fmt.Errorf("%w: to: %w", ErrInvalidParameter, err)
		}
		where = append(where, "created_at < ?")
		args = append(args, to.AddDate(0, 0, 1).Format(dateLayout))
	}

	query := "SELECT " + columns + " FROM articles"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	out := []Article{}
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Save inserts a (when its ID is zero) or updates it, refreshing timestamps.
func (r *Repository) Save(ctx context.Context, a *Article) error {
	now := r.now().UTC()
	a.UpdatedAt = now
	if a.ID == 0 {
		a.CreatedAt = now
		res, err := r.db.ExecContext(ctx,
			"INSERT INTO articles (title, body, author_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			a.Title, a.Body, a.AuthorID, a.Balance, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create article: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read article id: %w", err)
		}
		a.ID = id
		return nil
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE articles SET title = ?, body = ?, author_id = ?, balance = ?, updated_at = ? WHERE id = ?",
		a.Title, a.Body, a.AuthorID, a.Balance, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, a.ID)
	}
	return nil
}

// DeleteByID removes the article and reports whether it existed.
func (r *Repository) DeleteByID(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM articles WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete article: %w", err)
	}
	return n > 0, nil
}
