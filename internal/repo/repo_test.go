package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reliefline/internal/db"
	"reliefline/internal/domain"
	"reliefline/internal/migrate"
	"reliefline/internal/repo"
	"reliefline/internal/store"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{Store: store.NewSQL(conn, dialect), Log: zap.NewNop()}
}

var ts = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestInsertGetPatchRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	req := domain.ResourceRequest{UserID: "victim-1", RequestType: "water", Location: "Secunderabad", Latitude: 17.4, Longitude: 78.5, Timestamp: ts, Status: domain.StatusPending}

	stored, err := repo.Insert(ctx, r, domain.CollectionRequests, req, "victim-1")
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.True(t, ts.Equal(stored.Timestamp))

	got, err := repo.Get[domain.ResourceRequest](ctx, r, domain.CollectionRequests, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	helper := "helper"
	got.Status = domain.StatusFulfilled
	got.FulfilledBy = &helper
	got.FulfilledAt = &ts
	got.Description = "not written"
	patched, err := repo.Patch(ctx, r, domain.CollectionRequests, got.ID, got, []string{"status", "fulfilledBy", "fulfilledAt"}, store.Precondition{Field: "status", Equals: domain.StatusPending}, "helper")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFulfilled, patched.Status)
	assert.Empty(t, patched.Description)
}

func TestInsertRejectsInvalidEntity(t *testing.T) {
	r := newRepo(t)
	_, err := repo.Insert(context.Background(), r, domain.CollectionReports, domain.Report{UserID: "u", ReportType: "alien", Details: "x", Timestamp: ts, Status: domain.StatusPending}, "u")
	require.Error(t, err)

	lat := 1.0
	_, err = repo.Insert(context.Background(), r, domain.CollectionReports, domain.Report{UserID: "u", ReportType: "other", Details: "x", Latitude: &lat, Timestamp: ts, Status: domain.StatusPending}, "u")
	require.Error(t, err, "latitude without longitude")
}

func TestListSkipsInvalidDocuments(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.Store.Add(ctx, domain.CollectionBroadcasts, store.Fields{"title": "junk"}, "rogue")
	require.NoError(t, err)
	_, err = repo.Insert(ctx, r, domain.CollectionBroadcasts, domain.Broadcast{UserID: "adm", UserRole: domain.RoleAdmin, Title: "Shelter Open", Message: "Gym", Timestamp: ts}, "adm")
	require.NoError(t, err)

	items, seq, err := repo.List[domain.Broadcast](ctx, r, domain.CollectionBroadcasts, store.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Shelter Open", items[0].Title)
	assert.EqualValues(t, 2, seq)
}

func TestDecodeInvalidDocument(t *testing.T) {
	_, err := repo.Decode[domain.VolunteerTask](store.Document{Collection: domain.CollectionTasks, ID: "t1", Fields: store.Fields{"status": "archived"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, repo.ErrInvalidDocument))
	var ide *repo.InvalidDocumentError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, "t1", ide.ID)
}
