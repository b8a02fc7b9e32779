package ce

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupHistoryTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE device_state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			device_name TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			transition TEXT NOT NULL,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestSQLiteHistory(t *testing.T) {
	h := NewSQLiteHistory(setupHistoryTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	changes := []StateChange{
		{DeviceID: 1, DeviceName: "FEC_0", From: Off, To: On, Transition: "switchon", At: at},
		{DeviceID: 2, DeviceName: "FEC_1", From: Off, To: On, Transition: "switchon", At: at},
		{DeviceID: 1, DeviceName: "FEC_0", From: On, To: Configured, Transition: "configure", At: at.Add(time.Second)},
	}
	for _, c := range changes {
		if err := h.RecordTransition(ctx, c); err != nil {
			t.Fatalf("RecordTransition() error = %v", err)
		}
	}

	got, err := h.GetHistory(ctx, 1, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(got) != 2 || got[0].To != "CONFIGURED" || got[0].Transition != "configure" {
		t.Errorf("GetHistory(1) = %+v", got)
	}
	if !got[1].CreatedAt.Equal(at) {
		t.Errorf("created_at = %v, want %v", got[1].CreatedAt, at)
	}

	all, err := h.GetHistory(ctx, -1, 2)
	if err != nil || len(all) != 2 {
		t.Errorf("GetHistory(-1, 2) = %d entries, %v", len(all), err)
	}
}

func TestEngine_RecordsHistory(t *testing.T) {
	h := NewSQLiteHistory(setupHistoryTestDB(t))
	ce := NewControlEngine(Config{History: h, UpdateInterval: time.Hour})

	d := NewDevice("X", &testHW{initial: Off})
	if err := ce.Root().AddChild(d); err != nil {
		t.Fatal(err)
	}
	d.Synchronize()

	got, err := h.GetHistory(context.Background(), d.ID(), 10)
	if err != nil || len(got) != 1 || got[0].From != "UNKNOWN" || got[0].To != "OFF" {
		t.Errorf("history = %+v, %v", got, err)
	}
}
