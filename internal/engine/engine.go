package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"reliefline/internal/domain"
	"reliefline/internal/engine/auth"
	"reliefline/internal/engine/lifecycle"
	"reliefline/internal/geo"
	"reliefline/internal/live"
	"reliefline/internal/repo"
	"reliefline/internal/store"
)

// DefaultBroadcastCount is how many broadcasts the dashboard shows.
const DefaultBroadcastCount = 3

// Engine is the coordination facade. Every operation authorizes first,
// resolves a location when one is carried, and then makes a single store write.
type Engine struct {
	Store    store.Store
	Repo     repo.Repo
	Resolver geo.Resolver
	Hub      *live.Hub
	Log      *zap.Logger
	Now      func() time.Time
	// ConditionalUpdates makes transitions compare on the status they read.
	ConditionalUpdates bool
}

func New(s store.Store, resolver geo.Resolver, hub *live.Hub, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Store:              s,
		Repo:               repo.Repo{Store: s, Log: log},
		Resolver:           resolver,
		Hub:                hub,
		Log:                log,
		Now:                time.Now,
		ConditionalUpdates: true,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// InvalidInputError wraps a schema failure of a constructed entity.
type InvalidInputError struct {
	Err error
}

func (e InvalidInputError) Error() string { return "invalid input: " + e.Err.Error() }

func (e InvalidInputError) Unwrap() error { return e.Err }

func (e Engine) precondition(from string) store.Precondition {
	if !e.ConditionalUpdates {
		return store.Precondition{}
	}
	return store.Precondition{Field: "status", Equals: from}
}

func insert[T any](ctx context.Context, e Engine, collection string, v T, actor auth.Actor) (T, error) {
	if err := repo.Validate(v); err != nil {
		var zero T
		return zero, InvalidInputError{Err: err}
	}
	out, err := repo.Insert(ctx, e.Repo, collection, v, actor.ID)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// ReportInput is what a client submits for a report. Coords, when set, skip geocoding.
type ReportInput struct {
	ReportType string
	Details    string
	Location   string
	Coords     *domain.Coordinates
}

func (e Engine) SubmitReport(ctx context.Context, actor auth.Actor, in ReportInput) (domain.Report, error) {
	if err := auth.Authorize(actor, auth.CreateReport, auth.Subject{}); err != nil {
		return domain.Report{}, err
	}
	at, err := e.Resolver.Resolve(ctx, geo.Input{Text: in.Location, Coords: in.Coords})
	if err != nil {
		return domain.Report{}, err
	}
	r := lifecycle.NewReport(actor.ID, lifecycle.ReportDraft{ReportType: in.ReportType, Details: in.Details, Location: in.Location}, &at, e.now())
	r, err = insert(ctx, e, domain.CollectionReports, r, actor)
	if err != nil {
		return domain.Report{}, err
	}
	e.log().Info("report submitted", zap.String("actor_id", actor.ID), zap.String("doc_id", r.ID), zap.String("type", r.ReportType))
	return r, nil
}

// ResolveReport is the moderation action closing a pending report.
func (e Engine) ResolveReport(ctx context.Context, actor auth.Actor, id string) (domain.Report, error) {
	if err := auth.Authorize(actor, auth.ResolveReport, auth.Subject{}); err != nil {
		return domain.Report{}, err
	}
	r, err := repo.Get[domain.Report](ctx, e.Repo, domain.CollectionReports, id)
	if err != nil {
		return domain.Report{}, err
	}
	step, err := lifecycle.Resolve(r, actor.ID, e.now())
	if err != nil {
		return domain.Report{}, err
	}
	out, err := repo.Patch(ctx, e.Repo, domain.CollectionReports, id, step.Entity, step.Fields, e.precondition(step.From), actor.ID)
	if errors.Is(err, store.ErrConflict) {
		return domain.Report{}, e.lostRace(ctx, domain.CollectionReports, id, step.From, domain.StatusResolved, lifecycle.ErrInvalidTransition)
	}
	if err != nil {
		return domain.Report{}, err
	}
	e.log().Info("report resolved", zap.String("actor_id", actor.ID), zap.String("doc_id", id))
	return out, nil
}

type RequestInput struct {
	RequestType string
	Description string
	Location    string
	Coords      *domain.Coordinates
}

func (e Engine) SubmitResourceRequest(ctx context.Context, actor auth.Actor, in RequestInput) (domain.ResourceRequest, error) {
	if err := auth.Authorize(actor, auth.CreateRequest, auth.Subject{}); err != nil {
		return domain.ResourceRequest{}, err
	}
	at, err := e.Resolver.Resolve(ctx, geo.Input{Text: in.Location, Coords: in.Coords})
	if err != nil {
		return domain.ResourceRequest{}, err
	}
	r := lifecycle.NewResourceRequest(actor.ID, lifecycle.RequestDraft{RequestType: in.RequestType, Description: in.Description, Location: in.Location}, at, e.now())
	r, err = insert(ctx, e, domain.CollectionRequests, r, actor)
	if err != nil {
		return domain.ResourceRequest{}, err
	}
	e.log().Info("resource request submitted", zap.String("actor_id", actor.ID), zap.String("doc_id", r.ID), zap.String("type", r.RequestType))
	return r, nil
}

func (e Engine) FulfillResourceRequest(ctx context.Context, actor auth.Actor, id string) (domain.ResourceRequest, error) {
	if err := auth.Admit(actor, auth.FulfillRequest); err != nil {
		return domain.ResourceRequest{}, err
	}
	req, err := repo.Get[domain.ResourceRequest](ctx, e.Repo, domain.CollectionRequests, id)
	if err != nil {
		return domain.ResourceRequest{}, err
	}
	if err := auth.Authorize(actor, auth.FulfillRequest, auth.Subject{OwnerID: req.UserID}); err != nil {
		return domain.ResourceRequest{}, err
	}
	step, err := lifecycle.Fulfill(req, actor.ID, e.now())
	if err != nil {
		return domain.ResourceRequest{}, err
	}
	out, err := repo.Patch(ctx, e.Repo, domain.CollectionRequests, id, step.Entity, step.Fields, e.precondition(step.From), actor.ID)
	if errors.Is(err, store.ErrConflict) {
		return domain.ResourceRequest{}, e.lostRace(ctx, domain.CollectionRequests, id, step.From, domain.StatusFulfilled, lifecycle.ErrAlreadyFulfilled)
	}
	if err != nil {
		return domain.ResourceRequest{}, err
	}
	e.log().Info("resource request fulfilled", zap.String("actor_id", actor.ID), zap.String("doc_id", id))
	return out, nil
}

type BroadcastInput struct {
	Title   string
	Message string
}

func (e Engine) SendBroadcast(ctx context.Context, actor auth.Actor, in BroadcastInput) (domain.Broadcast, error) {
	if err := auth.Authorize(actor, auth.CreateBroadcast, auth.Subject{}); err != nil {
		return domain.Broadcast{}, err
	}
	b := lifecycle.NewBroadcast(actor.ID, actor.Role, lifecycle.BroadcastDraft{Title: in.Title, Message: in.Message}, e.now())
	b, err := insert(ctx, e, domain.CollectionBroadcasts, b, actor)
	if err != nil {
		return domain.Broadcast{}, err
	}
	e.log().Info("broadcast sent", zap.String("actor_id", actor.ID), zap.String("doc_id", b.ID), zap.String("role", string(b.UserRole)))
	return b, nil
}

type TaskInput struct {
	Title       string
	Description string
	Location    string
	Coords      *domain.Coordinates
	// Skills is comma separated, as typed by a coordinator.
	Skills   string
	Priority string
}

func (e Engine) CreateVolunteerTask(ctx context.Context, actor auth.Actor, in TaskInput) (domain.VolunteerTask, error) {
	if err := auth.Authorize(actor, auth.CreateTask, auth.Subject{}); err != nil {
		return domain.VolunteerTask{}, err
	}
	at, err := e.Resolver.Resolve(ctx, geo.Input{Text: in.Location, Coords: in.Coords})
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	draft := lifecycle.TaskDraft{Title: in.Title, Description: in.Description, Location: in.Location, Skills: in.Skills, Priority: in.Priority}
	if strings.TrimSpace(draft.Location) == "" && in.Coords != nil {
		draft.Location = fmt.Sprintf("%.6f, %.6f", at.Latitude, at.Longitude)
	}
	t := lifecycle.NewVolunteerTask(actor.ID, actor.Role, draft, at, e.now())
	t, err = insert(ctx, e, domain.CollectionTasks, t, actor)
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	e.log().Info("volunteer task created", zap.String("actor_id", actor.ID), zap.String("doc_id", t.ID), zap.String("priority", t.Priority))
	return t, nil
}

func (e Engine) AcceptVolunteerTask(ctx context.Context, actor auth.Actor, id string) (domain.VolunteerTask, error) {
	if err := auth.Authorize(actor, auth.AcceptTask, auth.Subject{}); err != nil {
		return domain.VolunteerTask{}, err
	}
	t, err := repo.Get[domain.VolunteerTask](ctx, e.Repo, domain.CollectionTasks, id)
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	step, err := lifecycle.Accept(t, actor.ID, e.now())
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	return e.applyTask(ctx, actor, step, domain.StatusAssigned)
}

func (e Engine) CompleteVolunteerTask(ctx context.Context, actor auth.Actor, id string) (domain.VolunteerTask, error) {
	if err := auth.Admit(actor, auth.CompleteTask); err != nil {
		return domain.VolunteerTask{}, err
	}
	t, err := repo.Get[domain.VolunteerTask](ctx, e.Repo, domain.CollectionTasks, id)
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	subject := auth.Subject{OwnerID: t.CreatedBy}
	if t.AssignedTo != nil {
		subject.AssignedTo = *t.AssignedTo
	}
	if err := auth.Authorize(actor, auth.CompleteTask, subject); err != nil {
		return domain.VolunteerTask{}, err
	}
	step, err := lifecycle.Complete(t, actor.ID, e.now(), auth.CanOverride(actor.Role))
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	return e.applyTask(ctx, actor, step, domain.StatusCompleted)
}

func (e Engine) applyTask(ctx context.Context, actor auth.Actor, step lifecycle.Step[domain.VolunteerTask], to string) (domain.VolunteerTask, error) {
	id := step.Entity.ID
	out, err := repo.Patch(ctx, e.Repo, domain.CollectionTasks, id, step.Entity, step.Fields, e.precondition(step.From), actor.ID)
	if errors.Is(err, store.ErrConflict) {
		return domain.VolunteerTask{}, e.lostRace(ctx, domain.CollectionTasks, id, step.From, to, lifecycle.ErrInvalidTransition)
	}
	if err != nil {
		return domain.VolunteerTask{}, err
	}
	e.log().Info("volunteer task transitioned", zap.String("actor_id", actor.ID), zap.String("doc_id", id), zap.String("from", step.From), zap.String("to", to))
	return out, nil
}

// lostRace reports a conditional write that found the status already moved on.
func (e Engine) lostRace(ctx context.Context, collection, id, from, to string, kind error) error {
	current := "unknown"
	if doc, err := e.Store.Get(ctx, collection, id); err == nil {
		if s, ok := doc.Fields["status"].(string); ok {
			current = s
		}
	}
	e.log().Warn("concurrent transition lost", zap.String("collection", collection), zap.String("doc_id", id), zap.String("expected", from), zap.String("current", current))
	entity := map[string]string{
		domain.CollectionReports:  "report",
		domain.CollectionRequests: "request",
		domain.CollectionTasks:    "task",
	}[collection]
	return &lifecycle.TransitionError{Kind: kind, Entity: entity, ID: id, From: current, To: to}
}

func (e Engine) GetReport(ctx context.Context, id string) (domain.Report, error) {
	return repo.Get[domain.Report](ctx, e.Repo, domain.CollectionReports, id)
}

func (e Engine) GetResourceRequest(ctx context.Context, id string) (domain.ResourceRequest, error) {
	return repo.Get[domain.ResourceRequest](ctx, e.Repo, domain.CollectionRequests, id)
}

func (e Engine) GetVolunteerTask(ctx context.Context, id string) (domain.VolunteerTask, error) {
	return repo.Get[domain.VolunteerTask](ctx, e.Repo, domain.CollectionTasks, id)
}

// ListOptions narrows a listing. Empty fields match everything.
type ListOptions struct {
	// UserID restricts to documents created by this actor.
	UserID string
	Status string
	// Type is the report or request type; Priority applies to tasks.
	Type     string
	Priority string
	// Search is a case-insensitive substring over the free-text fields.
	Search string
}

func (o ListOptions) filter(owner string) store.Filter {
	var f store.Filter
	if o.UserID != "" {
		f = f.And(owner, o.UserID)
	}
	if o.Status != "" {
		f = f.And("status", o.Status)
	}
	return f
}

func matchesSearch(term string, fields ...string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

func (e Engine) ListReports(ctx context.Context, o ListOptions) ([]domain.Report, error) {
	f := o.filter("userId")
	if o.Type != "" {
		f = f.And("reportType", o.Type)
	}
	items, _, err := repo.List[domain.Report](ctx, e.Repo, domain.CollectionReports, f)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, r := range items {
		if matchesSearch(o.Search, r.Details, r.Location) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e Engine) ListResourceRequests(ctx context.Context, o ListOptions) ([]domain.ResourceRequest, error) {
	f := o.filter("userId")
	if o.Type != "" {
		f = f.And("requestType", o.Type)
	}
	items, _, err := repo.List[domain.ResourceRequest](ctx, e.Repo, domain.CollectionRequests, f)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, r := range items {
		if matchesSearch(o.Search, r.Description, r.Location) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e Engine) ListVolunteerTasks(ctx context.Context, o ListOptions) ([]domain.VolunteerTask, error) {
	f := o.filter("createdBy")
	if o.Priority != "" {
		f = f.And("priority", o.Priority)
	}
	items, _, err := repo.List[domain.VolunteerTask](ctx, e.Repo, domain.CollectionTasks, f)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, t := range items {
		if matchesSearch(o.Search, append([]string{t.Title, t.Description, t.Location}, t.RequiredSkills...)...) {
			out = append(out, t)
		}
	}
	return out, nil
}

// LatestBroadcasts returns up to n broadcasts, newest first. n <= 0 returns all.
func (e Engine) LatestBroadcasts(ctx context.Context, n int) ([]domain.Broadcast, error) {
	items, _, err := repo.List[domain.Broadcast](ctx, e.Repo, domain.CollectionBroadcasts, store.Filter{})
	if err != nil {
		return nil, err
	}
	return newestBroadcasts(items, n), nil
}

func newestBroadcasts(items []domain.Broadcast, n int) []domain.Broadcast {
	sorted := append([]domain.Broadcast(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// NewestBroadcasts orders a broadcast snapshot for the dashboard.
func NewestBroadcasts(items []domain.Broadcast, n int) []domain.Broadcast {
	return newestBroadcasts(items, n)
}

// Changes returns change-log entries, oldest first unless f.Newest is set.
func (e Engine) Changes(ctx context.Context, f store.ChangeFilter) ([]domain.Change, error) {
	return e.Store.Changes(ctx, f)
}

func watch[T any](ctx context.Context, e Engine, collection string, f store.Filter) (*live.Subscription[T], error) {
	if e.Hub == nil {
		return nil, errors.New("engine has no subscription hub")
	}
	return live.Subscribe(ctx, e.Hub, collection, f, func(d store.Document) (T, error) { return repo.Decode[T](d) })
}

func (e Engine) WatchReports(ctx context.Context, f store.Filter) (*live.Subscription[domain.Report], error) {
	return watch[domain.Report](ctx, e, domain.CollectionReports, f)
}

func (e Engine) WatchResourceRequests(ctx context.Context, f store.Filter) (*live.Subscription[domain.ResourceRequest], error) {
	return watch[domain.ResourceRequest](ctx, e, domain.CollectionRequests, f)
}

func (e Engine) WatchVolunteerTasks(ctx context.Context, f store.Filter) (*live.Subscription[domain.VolunteerTask], error) {
	return watch[domain.VolunteerTask](ctx, e, domain.CollectionTasks, f)
}

func (e Engine) WatchBroadcasts(ctx context.Context) (*live.Subscription[domain.Broadcast], error) {
	return watch[domain.Broadcast](ctx, e, domain.CollectionBroadcasts, store.Filter{})
}
