// Package store is the document-collection collaborator the engine persists
// through: schemaless JSON records keyed by id, field-level updates, and a
// change log whose sequence drives subscriptions.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"reliefline/internal/domain"
)

// TimeLayout is a fixed-width UTC layout so stored timestamps sort as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a precondition did not hold when the write was applied.
	ErrConflict = errors.New("conflicting concurrent update")
)

// UnavailableError wraps a failure of the backing database.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

type Fields map[string]any

type Document struct {
	Collection string
	ID         string
	Fields     Fields
	CreatedAt  string
	UpdatedAt  string
	Version    int64
}

// Cond is an equality test on a top-level string field.
type Cond struct {
	Field string
	Value string
}

type Filter struct {
	Where []Cond
}

// Where starts a filter with one equality condition.
func Where(field, value string) Filter {
	return Filter{Where: []Cond{{Field: field, Value: value}}}
}

// And returns a copy of f with one more equality condition.
func (f Filter) And(field, value string) Filter {
	out := Filter{Where: append(append([]Cond(nil), f.Where...), Cond{Field: field, Value: value})}
	return out
}

var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func (f Filter) validate() error {
	for _, c := range f.Where {
		if !fieldName.MatchString(c.Field) {
			return fmt.Errorf("invalid filter field %q", c.Field)
		}
	}
	return nil
}

// Match evaluates the filter against a document in memory.
func (f Filter) Match(d Document) bool {
	for _, c := range f.Where {
		if fieldString(d.Fields, c.Field) != c.Value {
			return false
		}
	}
	return true
}

// Precondition guards an update: the stored field must equal Equals.
// The zero value is unconditional.
type Precondition struct {
	Field  string
	Equals string
}

func (p Precondition) set() bool { return p.Field != "" }

// Head identifies the state of a collection's change log. Seq alone is not
// enough on postgres, where sequence numbers are taken before commit and a
// lower one can become visible after a higher one; Count still moves then.
type Head struct {
	Seq   int64
	Count int64
}

// Snapshot is the full matching set as of Head.
type Snapshot struct {
	Head
	Docs []Document
}

type ChangeFilter struct {
	After      int64
	Collection string
	DocID      string
	Limit      int
	// Newest returns the latest Limit changes, newest first.
	Newest bool
}

// CommitHook is called after a write commits.
type CommitHook func(collection string, seq int64)

type Store interface {
	Add(ctx context.Context, collection string, fields Fields, actorID string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Fields, pre Precondition, actorID string) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, f Filter) (Snapshot, error)
	Head(ctx context.Context, collection string) (Head, error)
	Changes(ctx context.Context, f ChangeFilter) ([]domain.Change, error)
	OnCommit(hook CommitHook)
}

func fieldString(fields Fields, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
