package reliefsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"reliefline/internal/db"
	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/geo"
	"reliefline/internal/live"
	"reliefline/internal/migrate"
	"reliefline/internal/server"
	"reliefline/internal/store"
)

type pinGeocoder struct{}

func (pinGeocoder) Geocode(ctx context.Context, address string) (geo.Response, error) {
	if address == "Kukatpally" {
		return geo.Response{Status: geo.StatusOK, Candidates: []domain.Coordinates{{Latitude: 17.4948, Longitude: 78.3996}}}, nil
	}
	return geo.Response{Status: geo.StatusZeroResults}, nil
}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.NewSQL(conn, dialect)
	e := engine.New(s, geo.Resolver{Geocoder: pinGeocoder{}}, live.NewHub(s, 50*time.Millisecond, zap.NewNop()), zap.NewNop())
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret", AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientTaskFlow(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()

	ngo := New(srv.URL)
	if _, err := ngo.DevLogin(ctx, "ngo-1", "ngo"); err != nil {
		t.Fatalf("dev login: %v", err)
	}
	task, err := ngo.CreateVolunteerTask(ctx, TaskInput{Title: "Sandbags", Location: Location{Text: "Kukatpally"}, RequiredSkills: "Lifting, Driving", Priority: "high"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Latitude != 17.4948 || len(task.RequiredSkills) != 2 || task.Status != domain.StatusPending {
		t.Fatalf("unexpected task %+v", task)
	}

	vol := New(srv.URL)
	vol.ActorID, vol.Role = "vol-1", "volunteer"
	if _, err := vol.AcceptVolunteerTask(ctx, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	done, err := vol.CompleteVolunteerTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.CompletedBy != "vol-1" {
		t.Fatalf("unexpected completion %+v", done)
	}

	pending, err := vol.VolunteerTasks(ctx, domain.StatusPending, "")
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending tasks, got %v (%v)", pending, err)
	}
	page, err := vol.ChangesPage(ctx, domain.CollectionTasks, 2, "")
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a first page of two with a cursor, got %+v", page)
	}
	rest, err := vol.ChangesPage(ctx, domain.CollectionTasks, 2, page.NextCursor)
	if err != nil || len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("unexpected second page %+v (%v)", rest, err)
	}
}

func TestClientErrorsCarryEnvelope(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()
	victim := New(srv.URL)
	victim.ActorID, victim.Role = "victim-1", "victim"

	_, err := victim.SubmitReport(ctx, "missing", "grandmother", Location{Text: "Atlantis"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "no_match" {
		t.Fatalf("expected no_match envelope, got %v", err)
	}
	_, err = victim.SendBroadcast(ctx, "hello", "world")
	if !errors.As(err, &apiErr) || apiErr.Code != "denied" {
		t.Fatalf("expected denied, got %v", err)
	}
	r, err := victim.SubmitReport(ctx, "damage", "bridge down", At(17.4, 78.4))
	if err != nil {
		t.Fatalf("report with coordinates: %v", err)
	}
	mine, err := victim.Reports(ctx, true)
	if err != nil || len(mine) != 1 || mine[0].ID != r.ID {
		t.Fatalf("unexpected reports %v (%v)", mine, err)
	}
}

func TestClientWatchBroadcasts(t *testing.T) {
	srv := newAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admin := New(srv.URL)
	admin.ActorID, admin.Role = "admin-1", "admin"
	watcher := New(srv.URL)
	watcher.ActorID = "vol-1"

	seen := make(chan []Broadcast, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- watcher.WatchBroadcasts(ctx, func(items []Broadcast) error {
			seen <- items
			return nil
		})
	}()
	if first := <-seen; len(first) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", first)
	}
	if _, err := admin.SendBroadcast(ctx, "Evacuate", "Move to higher ground"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case items := <-seen:
		if len(items) != 1 || items[0].UserRole != "admin" {
			t.Fatalf("unexpected snapshot %v", items)
		}
	case <-ctx.Done():
		t.Fatal("no snapshot after broadcast")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
