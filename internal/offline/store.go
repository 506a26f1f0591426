package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite
	"go.uber.org/zap"
)

// Store is the durable local queue that buffers outbound events while
// the transport is down. Records survive process restart and are
// replayed in record_id order on reconnect.
//
// Concurrency: Enqueue (detector failure path) and PeekBatch/Ack
// (reconnect drain path) may run from different goroutines; database/sql
// serializes access and WAL keeps readers from blocking the writer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// PendingRecord wraps one buffered event. Payload is the serialized wire
// message; EventType is its protocol discriminator.
type PendingRecord struct {
	RecordID   int64
	EventType  string
	Payload    []byte
	EnqueuedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_events (
  record_id    INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  payload_json TEXT NOT NULL CHECK (json_valid(payload_json)),
  enqueued_at  TEXT NOT NULL
);
`

// Open opens (or creates) the queue database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("offline.Open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("offline.Open: create table: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database. In-flight operations complete first;
// database/sql blocks Close until open statements finish.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue durably persists one event. A failure here means the event
// would be lost, so the error is returned loudly rather than swallowed;
// the caller surfaces it to the operator UI.
func (s *Store) Enqueue(ctx context.Context, eventType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_events (event_type, payload_json, enqueued_at) VALUES (?, json(?), ?)`,
		eventType, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("offline.Enqueue: %w", err)
	}
	return nil
}

// PeekBatch returns up to limit oldest pending records in ascending
// record_id order. It never skips gaps and does not delete anything.
func (s *Store) PeekBatch(ctx context.Context, limit int) ([]PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, event_type, payload_json, enqueued_at
		 FROM pending_events ORDER BY record_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("offline.PeekBatch: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var rec PendingRecord
		var payload, enqueued string
		if err := rows.Scan(&rec.RecordID, &rec.EventType, &payload, &enqueued); err != nil {
			return nil, fmt.Errorf("offline.PeekBatch: scan: %w", err)
		}
		rec.Payload = []byte(payload)
		if t, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			rec.EnqueuedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offline.PeekBatch: %w", err)
	}
	return out, nil
}

// Ack deletes exactly the given records in one transaction. Unknown ids
// are a no-op, not an error, so re-acking after a crash is safe.
func (s *Store) Ack(ctx context.Context, recordIDs []int64) error {
	if len(recordIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(recordIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_events WHERE record_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("offline.Ack: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("acked pending records",
			zap.Int("requested", len(recordIDs)),
			zap.Int64("deleted", n),
		)
	}
	return nil
}

// Pending returns the number of buffered records.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("offline.Pending: %w", err)
	}
	return n, nil
}
