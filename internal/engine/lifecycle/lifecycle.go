// Package lifecycle holds the entity state machines: construction of the four
// entities and the transitions between their statuses. Every function is
// pure; the caller supplies the clock reading.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reliefline/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyFulfilled  = errors.New("already fulfilled")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Kind   error
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	if errors.Is(e.Kind, ErrAlreadyFulfilled) {
		return fmt.Sprintf("%s %s is already fulfilled", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == e.Kind }

func invalid(entity, id, from, to string) error {
	return &TransitionError{Kind: ErrInvalidTransition, Entity: entity, ID: id, From: from, To: to}
}

// Step is an applied transition: the new entity, the status it left, and the
// names of the fields the transition set. The field group is written in one update.
type Step[T any] struct {
	Entity T
	From   string
	Fields []string
}

type ReportDraft struct {
	ReportType string
	Details    string
	Location   string
}

// NewReport builds a pending report. coords may be nil when only text was given.
func NewReport(userID string, d ReportDraft, coords *domain.Coordinates, now time.Time) domain.Report {
	r := domain.Report{
		UserID:     userID,
		ReportType: strings.TrimSpace(d.ReportType),
		Details:    strings.TrimSpace(d.Details),
		Location:   strings.TrimSpace(d.Location),
		Timestamp:  now.UTC(),
		Status:     domain.StatusPending,
	}
	if coords != nil {
		lat, lng := coords.Latitude, coords.Longitude
		r.Latitude, r.Longitude = &lat, &lng
	}
	return r
}

// Resolve marks a pending report as resolved by a moderator.
func Resolve(r domain.Report, actorID string, now time.Time) (Step[domain.Report], error) {
	if r.Status != domain.StatusPending {
		return Step[domain.Report]{}, invalid("report", r.ID, r.Status, domain.StatusResolved)
	}
	from := r.Status
	at := now.UTC()
	r.Status = domain.StatusResolved
	r.ResolvedBy = &actorID
	r.ResolvedAt = &at
	return Step[domain.Report]{Entity: r, From: from, Fields: []string{"status", "resolvedBy", "resolvedAt"}}, nil
}

type RequestDraft struct {
	RequestType string
	Description string
	Location    string
}

func NewResourceRequest(userID string, d RequestDraft, at domain.Coordinates, now time.Time) domain.ResourceRequest {
	return domain.ResourceRequest{
		UserID:      userID,
		RequestType: strings.TrimSpace(d.RequestType),
		Description: strings.TrimSpace(d.Description),
		Location:    strings.TrimSpace(d.Location),
		Latitude:    at.Latitude,
		Longitude:   at.Longitude,
		Timestamp:   now.UTC(),
		Status:      domain.StatusPending,
	}
}

// Fulfill moves a pending request to fulfilled. A second call is an error, not a no-op.
func Fulfill(r domain.ResourceRequest, actorID string, now time.Time) (Step[domain.ResourceRequest], error) {
	if r.Status != domain.StatusPending {
		return Step[domain.ResourceRequest]{}, &TransitionError{Kind: ErrAlreadyFulfilled, Entity: "request", ID: r.ID, From: r.Status, To: domain.StatusFulfilled}
	}
	from := r.Status
	at := now.UTC()
	r.Status = domain.StatusFulfilled
	r.FulfilledBy = &actorID
	r.FulfilledAt = &at
	return Step[domain.ResourceRequest]{Entity: r, From: from, Fields: []string{"status", "fulfilledBy", "fulfilledAt"}}, nil
}

type TaskDraft struct {
	Title       string
	Description string
	Location    string
	Skills      string
	Priority    string
}

// NewVolunteerTask builds a pending task. Priority defaults to medium.
func NewVolunteerTask(createdBy string, role domain.Role, d TaskDraft, at domain.Coordinates, now time.Time) domain.VolunteerTask {
	priority := strings.ToLower(strings.TrimSpace(d.Priority))
	if priority == "" {
		priority = "medium"
	}
	return domain.VolunteerTask{
		CreatedBy:      createdBy,
		UserRole:       role,
		Title:          strings.TrimSpace(d.Title),
		Description:    strings.TrimSpace(d.Description),
		Location:       strings.TrimSpace(d.Location),
		Latitude:       at.Latitude,
		Longitude:      at.Longitude,
		RequiredSkills: ParseSkills(d.Skills),
		Priority:       priority,
		Status:         domain.StatusPending,
		CreatedAt:      now.UTC(),
	}
}

// Accept assigns a pending task to actorID.
func Accept(t domain.VolunteerTask, actorID string, now time.Time) (Step[domain.VolunteerTask], error) {
	if t.Status != domain.StatusPending {
		return Step[domain.VolunteerTask]{}, invalid("task", t.ID, t.Status, domain.StatusAssigned)
	}
	from := t.Status
	at := now.UTC()
	t.Status = domain.StatusAssigned
	t.AssignedTo = &actorID
	t.AssignedAt = &at
	return Step[domain.VolunteerTask]{Entity: t, From: from, Fields: []string{"status", "assignedTo", "assignedAt"}}, nil
}

// Complete closes an assigned task. With override a pending task may be
// closed directly. assignedTo is left untouched.
func Complete(t domain.VolunteerTask, actorID string, now time.Time, override bool) (Step[domain.VolunteerTask], error) {
	switch t.Status {
	case domain.StatusAssigned:
	case domain.StatusPending:
		if !override {
			return Step[domain.VolunteerTask]{}, invalid("task", t.ID, t.Status, domain.StatusCompleted)
		}
	default:
		return Step[domain.VolunteerTask]{}, invalid("task", t.ID, t.Status, domain.StatusCompleted)
	}
	from := t.Status
	at := now.UTC()
	t.Status = domain.StatusCompleted
	t.CompletedAt = &at
	t.CompletedBy = &actorID
	return Step[domain.VolunteerTask]{Entity: t, From: from, Fields: []string{"status", "completedAt", "completedBy"}}, nil
}

type BroadcastDraft struct {
	Title   string
	Message string
}

// NewBroadcast captures the sender's role at send time.
func NewBroadcast(userID string, role domain.Role, d BroadcastDraft, now time.Time) domain.Broadcast {
	return domain.Broadcast{
		UserID:    userID,
		UserRole:  role,
		Title:     strings.TrimSpace(d.Title),
		Message:   strings.TrimSpace(d.Message),
		Timestamp: now.UTC(),
	}
}

// ParseSkills splits comma separated input, dropping blanks and repeats while
// keeping first-seen order.
func ParseSkills(in string) []string {
	skills := []string{}
	seen := map[string]bool{}
	for _, part := range strings.Split(in, ",") {
		s := strings.TrimSpace(part)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		skills = append(skills, s)
	}
	return skills
}
