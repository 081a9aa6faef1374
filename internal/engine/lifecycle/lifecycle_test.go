package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliefline/internal/domain"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestParseSkills(t *testing.T) {
	assert.Equal(t, []string{"First Aid", "Driving"}, ParseSkills("First Aid, , Driving"))
	assert.Equal(t, []string{"Cooking", "Driving"}, ParseSkills("Cooking,Driving, Cooking ,"))
	assert.Equal(t, []string{}, ParseSkills(""))
	assert.Equal(t, []string{}, ParseSkills(" , ,"))
}

func TestNewReportCoordinatesBothOrNeither(t *testing.T) {
	r := NewReport("u1", ReportDraft{ReportType: "injury", Details: " hurt leg "}, nil, now)
	assert.Nil(t, r.Latitude)
	assert.Nil(t, r.Longitude)
	assert.Equal(t, "hurt leg", r.Details)
	assert.Equal(t, domain.StatusPending, r.Status)

	r = NewReport("u1", ReportDraft{ReportType: "damage", Details: "roof"}, &domain.Coordinates{Latitude: 17.43, Longitude: 78.5}, now)
	require.NotNil(t, r.Latitude)
	require.NotNil(t, r.Longitude)
	assert.Equal(t, 17.43, *r.Latitude)
	assert.Equal(t, 78.5, *r.Longitude)
}

func TestResolveReport(t *testing.T) {
	r := NewReport("u1", ReportDraft{ReportType: "other", Details: "x"}, nil, now)
	step, err := Resolve(r, "ngo-1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, step.Entity.Status)
	assert.Equal(t, "ngo-1", *step.Entity.ResolvedBy)
	assert.Equal(t, domain.StatusPending, step.From)

	_, err = Resolve(step.Entity, "ngo-1", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFulfillAtMostOnce(t *testing.T) {
	r := NewResourceRequest("victim", RequestDraft{RequestType: "water", Location: "Secunderabad"}, domain.Coordinates{Latitude: 17.4399, Longitude: 78.4983}, now)
	step, err := Fulfill(r, "helper", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFulfilled, step.Entity.Status)
	assert.Equal(t, "helper", *step.Entity.FulfilledBy)
	assert.Equal(t, now, *step.Entity.FulfilledAt)
	assert.ElementsMatch(t, []string{"status", "fulfilledBy", "fulfilledAt"}, step.Fields)

	_, err = Fulfill(step.Entity, "other", now)
	require.ErrorIs(t, err, ErrAlreadyFulfilled)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.StatusFulfilled, te.From)
	assert.False(t, errors.Is(err, ErrInvalidTransition))
}

func TestTaskMonotonic(t *testing.T) {
	task := NewVolunteerTask("ngo-1", domain.RoleNGO, TaskDraft{Title: "Sandbags", Location: "Kukatpally", Skills: "Lifting"}, domain.Coordinates{}, now)
	assert.Equal(t, "medium", task.Priority)

	_, err := Complete(task, "vol-1", now, false)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending -> completed without override")

	accepted, err := Accept(task, "vol-1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, accepted.Entity.Status)
	assert.Equal(t, "vol-1", *accepted.Entity.AssignedTo)
	assert.Equal(t, now, *accepted.Entity.AssignedAt)

	_, err = Accept(accepted.Entity, "vol-2", now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "assigned -> assigned")

	done, err := Complete(accepted.Entity, "vol-1", now, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Entity.Status)
	assert.Equal(t, "vol-1", *done.Entity.AssignedTo)

	_, err = Complete(done.Entity, "adm", now, true)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed -> completed even with override")
	_, err = Accept(done.Entity, "vol-3", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteOverrideFromPending(t *testing.T) {
	task := NewVolunteerTask("adm", domain.RoleAdmin, TaskDraft{Title: "Cleanup", Location: "Ameerpet", Priority: "URGENT"}, domain.Coordinates{}, now)
	assert.Equal(t, "urgent", task.Priority)
	step, err := Complete(task, "adm", now, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, step.Entity.Status)
	assert.Nil(t, step.Entity.AssignedTo)
	assert.Equal(t, domain.StatusPending, step.From)
}

func TestNewBroadcastCapturesRole(t *testing.T) {
	b := NewBroadcast("adm", domain.RoleAdmin, BroadcastDraft{Title: "Shelter Open", Message: "Gym at 5th street"}, now)
	assert.Equal(t, domain.RoleAdmin, b.UserRole)
	assert.Equal(t, "Shelter Open", b.Title)
}
