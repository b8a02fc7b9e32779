package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SQLiteStore persists messages in the message_log table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a message store over an open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save inserts a sent message.
func (s *SQLiteStore) Save(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (event_type, detector, source, description, date)
		 VALUES (?, ?, ?, ?, ?)`,
		int64(m.EventType),
		m.Detector,
		m.Source,
		m.Description,
		m.Date.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// List returns stored messages newest first, optionally restricted to
// event types in mask (zero means all).
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - mask: Event-type filter
//   - limit: Maximum entries to return (default 50, max 500)
func (s *SQLiteStore) List(ctx context.Context, mask EventType, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if mask == 0 {
		mask = AllEvents
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, detector, source, description, date
		 FROM message_log
		 WHERE (event_type & ?) != 0
		 ORDER BY id DESC
		 LIMIT ?`,
		int64(mask),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var eventType int64
		var date string
		if err := rows.Scan(&eventType, &m.Detector, &m.Source, &m.Description, &date); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.EventType = EventType(eventType)
		if m.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
			return nil, fmt.Errorf("parsing message date: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// Prune deletes messages older than the given duration and returns the
// number removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, "DELETE FROM message_log WHERE date < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
