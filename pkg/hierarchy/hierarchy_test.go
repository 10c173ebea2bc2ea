package hierarchy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s := NewLocalStore(db)
	require.NoError(t, s.Migrate())
	return s
}

func TestLocalStoreDependentQueries(t *testing.T) {
	s := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &Token{ID: "root"}))
	require.NoError(t, s.Put(ctx, &Token{ID: "child-b", ParentID: "root"}))
	require.NoError(t, s.Put(ctx, &Token{ID: "child-a", ParentID: "root"}))
	require.NoError(t, s.Put(ctx, &Token{ID: "child-retired", ParentID: "root", State: TokenRetired}))
	require.NoError(t, s.Put(ctx, &Token{ID: "grandchild", ParentID: "child-a"}))

	deps, err := s.ListDependents(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"child-a", "child-b"}, deps)

	has, err := s.HasActiveDependents(ctx, "root")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasActiveDependents(ctx, "grandchild")
	require.NoError(t, err)
	assert.False(t, has)

	// Suspending the last active child clears the flag.
	require.NoError(t, s.SetState(ctx, "grandchild", TokenSuspended))
	has, err = s.HasActiveDependents(ctx, "child-a")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLocalStoreSetStateMissing(t *testing.T) {
	s := setupLocalStore(t)
	err := s.SetState(context.Background(), "nope", TokenRetired)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestHTTPClientListDependents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entities/tok-1/dependents", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entityId":   "tok-1",
			"dependents": []string{"tok-2", "tok-3"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	deps, err := c.ListDependents(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-2", "tok-3"}, deps)

	has, err := c.HasActiveDependents(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.ListDependents(context.Background(), "tok-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
