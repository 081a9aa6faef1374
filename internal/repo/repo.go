// Package repo maps typed entities onto store documents. Everything read
// back from the store is parsed and validated before the engine sees it.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"reliefline/internal/domain"
	"reliefline/internal/store"
)

var ErrInvalidDocument = errors.New("invalid document")

// InvalidDocumentError reports a stored document that does not satisfy its entity schema.
type InvalidDocumentError struct {
	Collection string
	ID         string
	Err        error
}

func (e *InvalidDocumentError) Error() string {
	return fmt.Sprintf("invalid document %s/%s: %v", e.Collection, e.ID, e.Err)
}

func (e *InvalidDocumentError) Unwrap() []error { return []error{ErrInvalidDocument, e.Err} }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		r := sl.Current().Interface().(domain.Report)
		if (r.Latitude == nil) != (r.Longitude == nil) {
			sl.ReportError(r.Latitude, "latitude", "Latitude", "both_or_neither", "longitude")
		}
	}, domain.Report{})
	return v
}

// Validate checks an entity against its schema.
func Validate(v any) error {
	return validate.Struct(v)
}

type Repo struct {
	Store store.Store
	Log   *zap.Logger
}

func (r Repo) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Encode turns an entity into store fields. The id is never stored in the body.
func Encode(v any) (store.Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := store.Fields{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, "id")
	return fields, nil
}

// Decode parses and validates a stored document as T.
func Decode[T any](d store.Document) (T, error) {
	var out T
	body := make(store.Fields, len(d.Fields)+1)
	for k, v := range d.Fields {
		body[k] = v
	}
	body["id"] = d.ID
	data, err := json.Marshal(body)
	if err != nil {
		return out, &InvalidDocumentError{Collection: d.Collection, ID: d.ID, Err: err}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &InvalidDocumentError{Collection: d.Collection, ID: d.ID, Err: err}
	}
	if err := validate.Struct(out); err != nil {
		return out, &InvalidDocumentError{Collection: d.Collection, ID: d.ID, Err: err}
	}
	return out, nil
}

// Insert validates v and adds it to collection, returning the stored entity.
func Insert[T any](ctx context.Context, r Repo, collection string, v T, actorID string) (T, error) {
	var zero T
	if err := validate.Struct(v); err != nil {
		return zero, err
	}
	fields, err := Encode(v)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", collection, err)
	}
	doc, err := r.Store.Add(ctx, collection, fields, actorID)
	if err != nil {
		return zero, err
	}
	return Decode[T](doc)
}

func Get[T any](ctx context.Context, r Repo, collection, id string) (T, error) {
	var zero T
	doc, err := r.Store.Get(ctx, collection, id)
	if err != nil {
		return zero, err
	}
	return Decode[T](doc)
}

// Patch writes the named fields of v to the stored document in one update.
func Patch[T any](ctx context.Context, r Repo, collection, id string, v T, fields []string, pre store.Precondition, actorID string) (T, error) {
	var zero T
	if err := validate.Struct(v); err != nil {
		return zero, err
	}
	all, err := Encode(v)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", collection, err)
	}
	patch := store.Fields{}
	for _, f := range fields {
		patch[f] = all[f]
	}
	doc, err := r.Store.Update(ctx, collection, id, patch, pre, actorID)
	if err != nil {
		return zero, err
	}
	return Decode[T](doc)
}

// List returns the valid entities matching f together with the snapshot sequence.
// Documents that fail validation are skipped.
func List[T any](ctx context.Context, r Repo, collection string, f store.Filter) ([]T, int64, error) {
	snap, err := r.Store.Query(ctx, collection, f)
	if err != nil {
		return nil, 0, err
	}
	items := DecodeAll[T](r.log(), snap.Docs)
	return items, snap.Seq, nil
}

// DecodeAll decodes docs, logging and dropping the ones that do not validate.
func DecodeAll[T any](log *zap.Logger, docs []store.Document) []T {
	items := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := Decode[T](d)
		if err != nil {
			log.Warn("skipping invalid document", zap.String("collection", d.Collection), zap.String("doc_id", d.ID), zap.Error(err))
			continue
		}
		items = append(items, v)
	}
	return items
}
