package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"reliefline/internal/db"
)

// Writer appends rows to the change log inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records one change and returns its sequence number.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, collection, docID, op, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal change payload: %w", err)
	}
	var seq int64
	err = tx.QueryRowContext(ctx, db.Rebind(w.Dialect, `INSERT INTO changes(ts,collection,doc_id,op,actor_id,payload_json) VALUES (?,?,?,?,?,?) RETURNING seq`),
		ts, collection, docID, op, actorID, string(data)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return seq, nil
}
