package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"reliefline/internal/db"
	"reliefline/internal/migrate"
	"reliefline/internal/store"
)

func newSQLiteStore(t *testing.T) *store.SQL {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return withClock(store.NewSQL(conn, dialect))
}

func withClock(s *store.SQL) *store.SQL {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s.Now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return s
}

func stores(t *testing.T) map[string]*store.SQL {
	out := map[string]*store.SQL{"sqlite": newSQLiteStore(t)}
	if dsn := os.Getenv("RELIEFLINE_TEST_POSTGRES_DSN"); dsn != "" {
		conn, dialect, err := db.Open(db.Config{Driver: "postgres", DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, migrate.Migrate(conn, dialect))
		resetPostgres(t, conn)
		out["postgres"] = withClock(store.NewSQL(conn, dialect))
	}
	return out
}

func resetPostgres(t *testing.T, conn *sql.DB) {
	t.Helper()
	_, err := conn.Exec(`TRUNCATE documents, changes RESTART IDENTITY`)
	require.NoError(t, err)
}

func TestAddGetUpdate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc, err := s.Add(ctx, "tasks", store.Fields{"title": "Sandbags", "status": "pending"}, "ngo-1")
			require.NoError(t, err)
			require.NotEmpty(t, doc.ID)
			assert.EqualValues(t, 1, doc.Version)

			got, err := s.Get(ctx, "tasks", doc.ID)
			require.NoError(t, err)
			assert.Equal(t, "Sandbags", got.Fields["title"])

			updated, err := s.Update(ctx, "tasks", doc.ID, store.Fields{"status": "assigned", "assignedTo": "vol-1"}, store.Precondition{Field: "status", Equals: "pending"}, "vol-1")
			require.NoError(t, err)
			assert.EqualValues(t, 2, updated.Version)
			assert.Equal(t, "Sandbags", updated.Fields["title"])
			assert.Equal(t, "vol-1", updated.Fields["assignedTo"])

			_, err = s.Update(ctx, "tasks", doc.ID, store.Fields{"assignedTo": "vol-2"}, store.Precondition{Field: "status", Equals: "pending"}, "vol-2")
			require.ErrorIs(t, err, store.ErrConflict)

			got, err = s.Get(ctx, "tasks", doc.ID)
			require.NoError(t, err)
			assert.Equal(t, "vol-1", got.Fields["assignedTo"])

			_, err = s.Update(ctx, "tasks", "missing", store.Fields{"status": "x"}, store.Precondition{}, "a")
			require.ErrorIs(t, err, store.ErrNotFound)
			_, err = s.Get(ctx, "tasks", "missing")
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestConcurrentUpdatesKeepEveryField(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Now = func() time.Time { return time.Now().UTC() }
			doc, err := s.Add(ctx, "tasks", store.Fields{"title": "Sandbags", "status": "pending"}, "ngo-1")
			require.NoError(t, err)

			const writers = 8
			var g errgroup.Group
			g.Go(func() error {
				_, err := s.Update(ctx, "tasks", doc.ID, store.Fields{"assignedTo": "vol-1"}, store.Precondition{}, "vol-1")
				return err
			})
			for i := 0; i < writers; i++ {
				field := fmt.Sprintf("note%d", i)
				g.Go(func() error {
					_, err := s.Update(ctx, "tasks", doc.ID, store.Fields{field: "x"}, store.Precondition{}, "ngo-1")
					return err
				})
			}
			require.NoError(t, g.Wait())

			got, err := s.Get(ctx, "tasks", doc.ID)
			require.NoError(t, err)
			assert.Equal(t, "vol-1", got.Fields["assignedTo"])
			for i := 0; i < writers; i++ {
				assert.Equal(t, "x", got.Fields[fmt.Sprintf("note%d", i)])
			}
			assert.Equal(t, doc.Version+writers+1, got.Version)

			head, err := s.Head(ctx, "tasks")
			require.NoError(t, err)
			assert.Equal(t, int64(writers+2), head.Count)
		})
	}
}

func TestQueryFilterAndSequence(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			head, err := s.Head(ctx, "reports")
			require.NoError(t, err)
			assert.Equal(t, store.Head{}, head)

			for i := 0; i < 3; i++ {
				owner := "alice"
				if i == 1 {
					owner = "bob"
				}
				_, err := s.Add(ctx, "reports", store.Fields{"userId": owner, "details": fmt.Sprintf("r%d", i)}, owner)
				require.NoError(t, err)
			}
			_, err = s.Add(ctx, "broadcasts", store.Fields{"userId": "alice"}, "alice")
			require.NoError(t, err)

			snap, err := s.Query(ctx, "reports", store.Where("userId", "alice"))
			require.NoError(t, err)
			require.Len(t, snap.Docs, 2)
			assert.Equal(t, "r0", snap.Docs[0].Fields["details"])
			assert.Equal(t, "r2", snap.Docs[1].Fields["details"])

			all, err := s.Query(ctx, "reports", store.Filter{})
			require.NoError(t, err)
			assert.Len(t, all.Docs, 3)
			assert.Equal(t, snap.Seq, all.Seq)

			head, err = s.Head(ctx, "reports")
			require.NoError(t, err)
			assert.Equal(t, head, snap.Head)
			assert.Equal(t, int64(3), head.Count)

			_, err = s.Query(ctx, "reports", store.Where("user id; drop", "x"))
			require.Error(t, err)
		})
	}
}

func TestChangesAndCommitHook(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	var seen []int64
	s.OnCommit(func(collection string, seq int64) {
		assert.Equal(t, "broadcasts", collection)
		seen = append(seen, seq)
	})
	doc, err := s.Add(ctx, "broadcasts", store.Fields{"title": "Shelter Open"}, "admin-1")
	require.NoError(t, err)
	_, err = s.Add(ctx, "broadcasts", store.Fields{"title": "Water point"}, "admin-1")
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Less(t, seen[0], seen[1])

	changes, err := s.Changes(ctx, store.ChangeFilter{After: seen[0]})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "add", changes[0].Op)
	assert.Equal(t, "admin-1", changes[0].ActorID)

	newest, err := s.Changes(ctx, store.ChangeFilter{DocID: doc.ID, Newest: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Contains(t, newest[0].Payload, "Shelter Open")
}

func TestFilterMatch(t *testing.T) {
	d := store.Document{Fields: store.Fields{"status": "pending", "userId": "a"}}
	assert.True(t, store.Where("status", "pending").And("userId", "a").Match(d))
	assert.False(t, store.Where("status", "pending").And("userId", "b").Match(d))
	assert.True(t, store.Filter{}.Match(d))
}
