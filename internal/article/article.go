// Package article is a small article service used to demonstrate the lock and
// the cache-aside helper against a real database.
package article

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the requested article does not exist.
	ErrNotFound = errors.New("article not found")

	// ErrInvalidParameter indicates a malformed request value.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Article is a stored article.
type Article struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	AuthorID  int64     `json:"author_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input carries the fields of a create or update request. Nil fields are
// left untouched on update.
type Input struct {
	Title    *string
	Body     *string
	AuthorID *int64
}

// Query filters article listings. Empty fields do not filter.
type Query struct {
	Title     string  `json:"title,omitempty"`
	AuthorIDs []int64 `json:"author_ids,omitempty"`
	// From and To are inclusive dates in YYYY-MM-DD form.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

const dateLayout = "2006-01-02"

// Validate checks the date bounds.
func (q Query) Validate() error {
	for name, v := range map[string]string{"from": q.From, "to": q.To} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, v); err != nil {
			return fmt.Errorf("%w: %s must be YYYY-MM-DD, got %q", ErrInvalidParameter, name, v)
		}
	}
	return nil
}
