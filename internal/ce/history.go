package ce

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryEntry is one stored state change.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	DeviceID   int       `json:"device_id"`
	DeviceName string    `json:"device_name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Transition string    `json:"transition"`
	CreatedAt  time.Time `json:"created_at"`
}

// SQLiteHistory stores state changes in the device_state_history table.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a state history store over an open database.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// RecordTransition implements HistoryRecorder.
func (h *SQLiteHistory) RecordTransition(ctx context.Context, c StateChange) error {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO device_state_history (device_id, device_name, from_state, to_state, transition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.DeviceID,
		c.DeviceName,
		c.From.String(),
		c.To.String(),
		c.Transition,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting state change: %w", err)
	}
	return nil
}

// GetHistory returns recent state changes newest first. A negative
// deviceID returns changes of every device.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device to filter on, or -1
//   - limit: Maximum entries to return (default 50, max 200)
func (h *SQLiteHistory) GetHistory(ctx context.Context, deviceID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, device_id, device_name, from_state, to_state, transition, created_at
		 FROM device_state_history
		 WHERE ? < 0 OR device_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		deviceID, deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &e.From, &e.To, &e.Transition, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}
