package message

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupMessageTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE message_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type INTEGER NOT NULL,
			detector TEXT NOT NULL,
			source TEXT NOT NULL,
			description TEXT NOT NULL,
			date TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
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

func TestSQLiteStore_SaveList(t *testing.T) {
	store := NewSQLiteStore(setupMessageTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	for i, m := range []Message{
		{EventType: Info, Detector: "FEE", Source: "a", Description: "one", Date: now},
		{EventType: Alarm, Detector: "FEE", Source: "b", Description: "two", Date: now},
		{EventType: Warning, Detector: "FEE", Source: "c", Description: "three", Date: now},
	} {
		if err := store.Save(ctx, m); err != nil {
			t.Fatalf("Save(%d) error = %v", i, err)
		}
	}

	all, err := store.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].Description != "three" {
		t.Errorf("List() = %+v", all)
	}
	if !all[0].Date.Equal(now) {
		t.Errorf("date = %v, want %v", all[0].Date, now)
	}

	alarms, err := store.List(ctx, Alarm|Warning, 10)
	if err != nil {
		t.Fatalf("List(alarm) error = %v", err)
	}
	if len(alarms) != 2 {
		t.Errorf("List(alarm|warning) returned %d", len(alarms))
	}
}

func TestSQLiteStore_Prune(t *testing.T) {
	store := NewSQLiteStore(setupMessageTestDB(t))
	ctx := context.Background()

	old := Message{EventType: Info, Detector: "FEE", Description: "old", Date: time.Now().Add(-48 * time.Hour)}
	fresh := Message{EventType: Info, Detector: "FEE", Description: "new", Date: time.Now()}
	_ = store.Save(ctx, old)
	_ = store.Save(ctx, fresh)

	n, err := store.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("Prune() = %d, %v", n, err)
	}
	if _, err := store.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) should fail")
	}
}

func TestLog_WithStore(t *testing.T) {
	store := NewSQLiteStore(setupMessageTestDB(t))
	l := NewLog(Config{Level: AllEvents})
	l.SetStore(store)

	l.Log(Error, "stored", "test")

	got, err := store.List(context.Background(), Error, 1)
	if err != nil || len(got) != 1 || got[0].Description != "stored" {
		t.Errorf("List() = %+v, %v", got, err)
	}
}
