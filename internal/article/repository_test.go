package article

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(func() { repo.Close() })
	return repo
}

func strp(s string) *string { return &s }
func int64p(v int64) *int64 { return &v }

func TestRepository_CRUD(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	a := &Article{Title: "first", Body: "hello", AuthorID: 7}
	require.NoError(t, repo.Save(ctx, a))
	assert.NotZero(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, int64(7), got.AuthorID)
	assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Second)

	got.Balance = 500
	require.NoError(t, repo.Save(ctx, got))
	again, err := repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), again.Balance)

	deleted, err := repo.DeleteByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = repo.FindByID(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = repo.DeleteByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	err = repo.Save(ctx, &Article{ID: 999, Title: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_FindAll(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	days := []time.Time{
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 3, 3, 0, 1, 0, 0, time.UTC),
	}
	seed := []Article{
		{Title: "go generics", AuthorID: 1},
		{Title: "redis locks", AuthorID: 2},
		{Title: "go channels", AuthorID: 3},
	}
	for i := range seed {
		day := days[i]
		repo.now = func() time.Time { return day }
		require.NoError(t, repo.Save(ctx, &seed[i]))
	}

	t.Run("no filter", func(t *testing.T) {
		list, err := repo.FindAll(ctx, Query{})
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})

	t.Run("title contains", func(t *testing.T) {
		list, err := repo.FindAll(ctx, Query{Title: " go "})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "go generics", list[0].Title)
		assert.Equal(t, "go channels", list[1].Title)
	})

	t.Run("authors", func(t *testing.T) {
		list, err := repo.FindAll(ctx, Query{AuthorIDs: []int64{2, 3}})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("date range is inclusive", func(t *testing.T) {
		list, err := repo.FindAll(ctx, Query{From: "2024-03-02", To: "2024-03-02"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "redis locks", list[0].Title)
	})

	t.Run("empty result is not nil", func(t *testing.T) {
		list, err := repo.FindAll(ctx, Query{Title: "rust"})
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})

	t.Run("bad date", func(t *testing.T) {
		_, err := repo.FindAll(ctx, Query{From: "03/02/2024"})
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}
