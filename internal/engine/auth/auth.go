// Package auth is the role gate every engine operation passes before it
// touches the store. It is a pure function of the actor, the action and the
// subject's ownership fields.
package auth

import (
	"fmt"

	"reliefline/internal/domain"
)

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   string
	Role domain.Role
}

type Action string

const (
	CreateReport    Action = "create_report"
	ResolveReport   Action = "resolve_report"
	CreateRequest   Action = "create_request"
	FulfillRequest  Action = "fulfill_request"
	CreateBroadcast Action = "create_broadcast"
	CreateTask      Action = "create_task"
	AcceptTask      Action = "accept_task"
	CompleteTask    Action = "complete_task"
)

// Actions lists every action the gate knows about.
var Actions = []Action{CreateReport, ResolveReport, CreateRequest, FulfillRequest, CreateBroadcast, CreateTask, AcceptTask, CompleteTask}

// Subject carries the ownership fields of the entity an action targets.
type Subject struct {
	OwnerID    string
	AssignedTo string
}

// DeniedError indicates the actor may not perform the action.
type DeniedError struct {
	Action Action
	Role   domain.Role
	Reason string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("%s denied for role %q: %s", e.Action, e.Role, e.Reason)
}

var coordinators = []domain.Role{domain.RoleAdmin, domain.RoleNGO}

func denier(actor Actor, action Action) func(string) error {
	return func(reason string) error {
		return DeniedError{Action: action, Role: actor.Role, Reason: reason}
	}
}

// Admit runs the part of the gate that does not depend on the subject. Callers
// that must load the subject first run it before the load, so a caller who
// could never act learns nothing about whether the entity exists.
func Admit(actor Actor, action Action) error {
	deny := denier(actor, action)
	if actor.ID == "" {
		return deny("authentication required")
	}
	if !actor.Role.Valid() {
		return deny("unknown role")
	}
	if action == CompleteTask && actor.Role != domain.RoleVolunteer && !hasRole(actor.Role, coordinators...) {
		return deny(completeTaskDenied)
	}
	return nil
}

const completeTaskDenied = "only the assigned volunteer, admins or NGOs can complete a task"

// Authorize returns nil when actor may perform action on subject, or a DeniedError.
func Authorize(actor Actor, action Action, subject Subject) error {
	if err := Admit(actor, action); err != nil {
		return err
	}
	deny := denier(actor, action)
	switch action {
	case CreateReport, CreateRequest:
		return nil
	case CreateBroadcast:
		if !hasRole(actor.Role, coordinators...) {
			return deny("only admins and NGOs can send broadcasts")
		}
		return nil
	case CreateTask:
		if !hasRole(actor.Role, coordinators...) {
			return deny("only admins and NGOs can create volunteer tasks")
		}
		return nil
	case ResolveReport:
		if !hasRole(actor.Role, coordinators...) {
			return deny("only admins and NGOs can resolve reports")
		}
		return nil
	case AcceptTask:
		if actor.Role != domain.RoleVolunteer {
			return deny("only volunteers can accept tasks")
		}
		return nil
	case CompleteTask:
		if hasRole(actor.Role, coordinators...) {
			return nil
		}
		if actor.Role == domain.RoleVolunteer && subject.AssignedTo == actor.ID {
			return nil
		}
		return deny(completeTaskDenied)
	case FulfillRequest:
		if subject.OwnerID == actor.ID {
			return deny("you cannot fulfill your own request")
		}
		return nil
	default:
		return deny("unknown action")
	}
}

// CanOverride reports whether the role may complete a task that was never accepted.
func CanOverride(role domain.Role) bool {
	return hasRole(role, coordinators...)
}

func hasRole(role domain.Role, allowed ...domain.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
