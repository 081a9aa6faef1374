package live_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reliefline/internal/db"
	"reliefline/internal/live"
	"reliefline/internal/migrate"
	"reliefline/internal/store"
)

type item struct {
	ID    string
	Title string
}

func decodeItem(d store.Document) (item, error) {
	title, _ := d.Fields["title"].(string)
	return item{ID: d.ID, Title: title}, nil
}

func newHub(t *testing.T, interval time.Duration) (*store.SQL, *live.Hub) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	s := store.NewSQL(conn, dialect)
	return s, live.NewHub(s, interval, zap.NewNop())
}

func next(t *testing.T, sub *live.Subscription[item]) live.Snapshot[item] {
	t.Helper()
	select {
	case snap, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return live.Snapshot[item]{}
}

func TestInitialSnapshotThenUpdates(t *testing.T) {
	s, hub := newHub(t, time.Hour)
	ctx := context.Background()
	_, err := s.Add(ctx, "broadcasts", store.Fields{"title": "first"}, "adm")
	require.NoError(t, err)

	sub, err := live.Subscribe(ctx, hub, "broadcasts", store.Filter{}, decodeItem)
	require.NoError(t, err)
	defer sub.Close()

	first := next(t, sub)
	require.Len(t, first.Items, 1)
	assert.Equal(t, "first", first.Items[0].Title)

	_, err = s.Add(ctx, "broadcasts", store.Fields{"title": "Shelter Open"}, "adm")
	require.NoError(t, err)
	second := next(t, sub)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "Shelter Open", second.Items[1].Title)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestFilterAndDedup(t *testing.T) {
	s, hub := newHub(t, time.Hour)
	ctx := context.Background()
	sub, err := live.Subscribe(ctx, hub, "reports", store.Where("userId", "alice"), decodeItem)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, next(t, sub).Items)

	// A write outside the filter produces the same set and is not redelivered.
	_, err = s.Add(ctx, "reports", store.Fields{"userId": "bob", "title": "b"}, "bob")
	require.NoError(t, err)
	_, err = s.Add(ctx, "reports", store.Fields{"userId": "alice", "title": "a"}, "alice")
	require.NoError(t, err)

	snap := next(t, sub)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "a", snap.Items[0].Title)

	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected snapshot %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCrossProcessWritesArePolled(t *testing.T) {
	s, hub := newHub(t, 20*time.Millisecond)
	ctx := context.Background()
	sub, err := live.Subscribe(ctx, hub, "volunteerTasks", store.Filter{}, decodeItem)
	require.NoError(t, err)
	defer sub.Close()
	next(t, sub)

	// A second store on the same database has no hook into this hub.
	other := store.NewSQL(s.DB, s.Dialect)
	_, err = other.Add(ctx, "volunteerTasks", store.Fields{"title": "Sandbags"}, "ngo")
	require.NoError(t, err)
	snap := next(t, sub)
	require.Len(t, snap.Items, 1)
}

func TestCloseIsSynchronous(t *testing.T) {
	s, hub := newHub(t, 10*time.Millisecond)
	ctx := context.Background()
	sub, err := live.Subscribe(ctx, hub, "broadcasts", store.Filter{}, decodeItem)
	require.NoError(t, err)
	sub.Close()

	_, err = s.Add(ctx, "broadcasts", store.Fields{"title": "late"}, "adm")
	require.NoError(t, err)
	_, ok := <-sub.C
	assert.False(t, ok, "channel must be closed and drained after Close")
}

func TestContextCancelStops(t *testing.T) {
	_, hub := newHub(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := live.Subscribe(ctx, hub, "broadcasts", store.Filter{}, decodeItem)
	require.NoError(t, err)
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestSlowConsumerSeesLatest(t *testing.T) {
	s, hub := newHub(t, time.Hour)
	ctx := context.Background()
	sub, err := live.Subscribe(ctx, hub, "broadcasts", store.Filter{}, decodeItem)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err := s.Add(ctx, "broadcasts", store.Fields{"title": "b"}, "adm")
		require.NoError(t, err)
	}
	head, err := s.Head(ctx, "broadcasts")
	require.NoError(t, err)
	latest := head.Seq

	deadline := time.After(5 * time.Second)
	var lastSeq int64
	for {
		select {
		case snap := <-sub.C:
			assert.GreaterOrEqual(t, snap.Seq, lastSeq)
			lastSeq = snap.Seq
			if snap.Seq == latest {
				assert.Len(t, snap.Items, 5)
				return
			}
		case <-deadline:
			t.Fatalf("never saw seq %d, last %d", latest, lastSeq)
		}
	}
}

// laggingStore hides one committed document and its change row, the way a
// postgres reader sees a transaction whose lower seq commits after a higher one.
type laggingStore struct {
	*store.SQL

	mu     sync.Mutex
	hidden string
}

func (l *laggingStore) hiding() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hidden
}

func (l *laggingStore) reveal() {
	l.mu.Lock()
	l.hidden = ""
	l.mu.Unlock()
}

func (l *laggingStore) Head(ctx context.Context, collection string) (store.Head, error) {
	h, err := l.SQL.Head(ctx, collection)
	if err == nil && l.hiding() != "" {
		h.Count--
	}
	return h, err
}

func (l *laggingStore) Query(ctx context.Context, collection string, f store.Filter) (store.Snapshot, error) {
	snap, err := l.SQL.Query(ctx, collection, f)
	hidden := l.hiding()
	if err != nil || hidden == "" {
		return snap, err
	}
	snap.Count--
	docs := snap.Docs[:0]
	for _, d := range snap.Docs {
		if d.ID != hidden {
			docs = append(docs, d)
		}
	}
	snap.Docs = docs
	return snap, nil
}

func TestPollSeesLateCommitBelowSeenSeq(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	// A second store on the same database stands in for another process:
	// its commits never reach the hub's commit hook.
	writer := store.NewSQL(conn, dialect)
	ctx := context.Background()
	early, err := writer.Add(ctx, "broadcasts", store.Fields{"title": "early"}, "adm")
	require.NoError(t, err)
	_, err = writer.Add(ctx, "broadcasts", store.Fields{"title": "later"}, "adm")
	require.NoError(t, err)

	lagging := &laggingStore{SQL: store.NewSQL(conn, dialect), hidden: early.ID}
	hub := live.NewHub(lagging, 20*time.Millisecond, zap.NewNop())
	sub, err := live.Subscribe(ctx, hub, "broadcasts", store.Filter{}, decodeItem)
	require.NoError(t, err)
	defer sub.Close()

	first := next(t, sub)
	require.Len(t, first.Items, 1)
	assert.Equal(t, "later", first.Items[0].Title)

	// The max seq does not move when the early commit becomes visible.
	lagging.reveal()
	second := next(t, sub)
	assert.Equal(t, first.Seq, second.Seq)
	require.Len(t, second.Items, 2)
	assert.ElementsMatch(t, []string{"early", "later"}, []string{second.Items[0].Title, second.Items[1].Title})
}
