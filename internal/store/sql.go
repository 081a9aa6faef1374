package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reliefline/internal/db"
	"reliefline/internal/domain"
	"reliefline/internal/events"
)

// SQL keeps documents in a single table per database, one JSON blob per row.
type SQL struct {
	DB      *sql.DB
	Dialect db.Dialect
	Events  events.Writer
	Now     func() time.Time
	NewID   func() string

	mu    sync.RWMutex
	hooks []CommitHook
}

func NewSQL(conn *sql.DB, dialect db.Dialect) *SQL {
	s := &SQL{
		DB:      conn,
		Dialect: dialect,
		Now:     time.Now,
		NewID:   func() string { return uuid.New().String() },
	}
	s.Events = events.Writer{Dialect: dialect, Now: s.now}
	return s
}

func (s *SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQL) q(query string) string { return db.Rebind(s.Dialect, query) }

func (s *SQL) OnCommit(hook CommitHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

func (s *SQL) committed(collection string, seq int64) {
	s.mu.RLock()
	hooks := append([]CommitHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(collection, seq)
	}
}

func (s *SQL) Add(ctx context.Context, collection string, fields Fields, actorID string) (Document, error) {
	id := s.NewID()
	delete(fields, "id")
	payload, err := json.Marshal(fields)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s document: %w", collection, err)
	}
	now := s.now().UTC().Format(TimeLayout)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, unavailable("add", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO documents(collection,id,fields_json,created_at,updated_at,version) VALUES (?,?,?,?,?,1)`),
		collection, id, string(payload), now, now); err != nil {
		return Document{}, unavailable("add", err)
	}
	seq, err := s.Events.Append(ctx, tx, collection, id, "add", actorID, events.EventPayload(fields))
	if err != nil {
		return Document{}, unavailable("add", err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, unavailable("add", err)
	}
	s.committed(collection, seq)
	return Document{Collection: collection, ID: id, Fields: fields, CreatedAt: now, UpdatedAt: now, Version: 1}, nil
}

func (s *SQL) Update(ctx context.Context, collection, id string, fields Fields, pre Precondition, actorID string) (Document, error) {
	delete(fields, "id")
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, unavailable("update", err)
	}
	defer tx.Rollback()
	doc, err := s.getTx(ctx, tx, collection, id)
	if err != nil {
		return Document{}, err
	}
	if pre.set() && fieldString(doc.Fields, pre.Field) != pre.Equals {
		return doc, ErrConflict
	}
	for k, v := range fields {
		doc.Fields[k] = v
	}
	payload, err := json.Marshal(doc.Fields)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s document: %w", collection, err)
	}
	now := s.now().UTC().Format(TimeLayout)
	query := `UPDATE documents SET fields_json=?, updated_at=?, version=version+1 WHERE collection=? AND id=?`
	args := []any{string(payload), now, collection, id}
	if pre.set() {
		// Another writer that committed in between bumps the version and makes this a no-op.
		query += ` AND version=?`
		args = append(args, doc.Version)
	}
	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return Document{}, unavailable("update", err)
	}
	if err := updatedOne(res); err != nil {
		return Document{}, err
	}
	seq, err := s.Events.Append(ctx, tx, collection, id, "update", actorID, events.EventPayload(fields))
	if err != nil {
		return Document{}, unavailable("update", err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, unavailable("update", err)
	}
	s.committed(collection, seq)
	doc.UpdatedAt = now
	doc.Version++
	return doc, nil
}

// updatedOne maps the result of a guarded UPDATE: no row means the version
// moved, a driver that cannot report the count is a store failure.
func updatedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, collection, id string) (Document, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT id,fields_json,created_at,updated_at,version FROM documents WHERE collection=? AND id=?`), collection, id)
	return scanDocument(collection, row)
}

// getTx reads a document for a read-modify-write. Postgres locks the row so a
// concurrent writer waits and then merges into the committed fields.
func (s *SQL) getTx(ctx context.Context, tx *sql.Tx, collection, id string) (Document, error) {
	query := `SELECT id,fields_json,created_at,updated_at,version FROM documents WHERE collection=? AND id=?`
	if s.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	row := tx.QueryRowContext(ctx, s.q(query), collection, id)
	return scanDocument(collection, row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(collection string, row rowScanner) (Document, error) {
	d := Document{Collection: collection}
	var payload string
	err := row.Scan(&d.ID, &payload, &d.CreatedAt, &d.UpdatedAt, &d.Version)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, unavailable("read", err)
	}
	d.Fields = Fields{}
	if err := json.Unmarshal([]byte(payload), &d.Fields); err != nil {
		return d, fmt.Errorf("decode %s/%s: %w", collection, d.ID, err)
	}
	return d, nil
}

func (s *SQL) jsonField() string {
	if s.Dialect == db.Postgres {
		return "(fields_json::jsonb ->> ?)"
	}
	return "json_extract(fields_json, ?)"
}

func (s *SQL) fieldArg(name string) string {
	if s.Dialect == db.Postgres {
		return name
	}
	return "$." + name
}

func (s *SQL) Query(ctx context.Context, collection string, f Filter) (Snapshot, error) {
	if err := f.validate(); err != nil {
		return Snapshot{}, err
	}
	tx, err := s.DB.BeginTx(ctx, s.snapshotTxOptions())
	if err != nil {
		return Snapshot{}, unavailable("query", err)
	}
	defer tx.Rollback()

	// Read the head first: the documents are then at least as new as it.
	var snap Snapshot
	if err := tx.QueryRowContext(ctx, s.q(headQuery), collection).Scan(&snap.Seq, &snap.Count); err != nil {
		return Snapshot{}, unavailable("query", err)
	}
	clauses := []string{"collection=?"}
	args := []any{collection}
	for _, c := range f.Where {
		clauses = append(clauses, s.jsonField()+" = ?")
		args = append(args, s.fieldArg(c.Field), c.Value)
	}
	query := `SELECT id,fields_json,created_at,updated_at,version FROM documents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	rows, err := tx.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return Snapshot{}, unavailable("query", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDocument(collection, rows)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Docs = append(snap.Docs, d)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, unavailable("query", err)
	}
	return snap, nil
}

const headQuery = `SELECT COALESCE(MAX(seq),0), COUNT(*) FROM changes WHERE collection=?`

// snapshotTxOptions makes the head and the documents of a Query come from one
// snapshot on postgres. SQLite already serializes on its single connection.
func (s *SQL) snapshotTxOptions() *sql.TxOptions {
	if s.Dialect == db.Postgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

func (s *SQL) Head(ctx context.Context, collection string) (Head, error) {
	var h Head
	if err := s.DB.QueryRowContext(ctx, s.q(headQuery), collection).Scan(&h.Seq, &h.Count); err != nil {
		return Head{}, unavailable("head", err)
	}
	return h, nil
}

func (s *SQL) Changes(ctx context.Context, f ChangeFilter) ([]domain.Change, error) {
	var clauses []string
	var args []any
	if f.After > 0 {
		clauses = append(clauses, "seq > ?")
		args = append(args, f.After)
	}
	if f.Collection != "" {
		clauses = append(clauses, "collection=?")
		args = append(args, f.Collection)
	}
	if f.DocID != "" {
		clauses = append(clauses, "doc_id=?")
		args = append(args, f.DocID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "ASC"
	if f.Newest {
		order = "DESC"
	}
	query := `SELECT seq,ts,collection,doc_id,op,actor_id,payload_json FROM changes ` + where + ` ORDER BY seq ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, unavailable("changes", err)
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		var c domain.Change
		if err := rows.Scan(&c.Seq, &c.TS, &c.Collection, &c.DocID, &c.Op, &c.ActorID, &c.Payload); err != nil {
			return nil, unavailable("changes", err)
		}
		res = append(res, c)
	}
	return res, unavailable("changes", rows.Err())
}
