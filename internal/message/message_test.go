package message

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/feeserver/internal/transport"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	m := Message{EventType: Alarm, Detector: "TPC", Source: "FEC_3", Description: "over temperature", Date: ts}

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.EventType != m.EventType || got.Source != m.Source || got.Description != m.Description || !got.Date.Equal(ts) {
		t.Errorf("Decode() = %+v, want %+v", got, m)
	}

	if _, err := Decode([]byte{0xff}); err == nil {
		t.Error("Decode() of garbage should fail")
	}
}

func TestEventType_String(t *testing.T) {
	if got := (Info | Alarm).String(); got != "info|alarm" {
		t.Errorf("String() = %q", got)
	}
	if got := EventType(0).String(); got != "event(0)" {
		t.Errorf("String() = %q", got)
	}
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestLog(t *testing.T, cfg Config) (*Log, *transport.Loopback, *[]Message) {
	t.Helper()
	clock := &fixedClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clock.now
	l := NewLog(cfg)

	lb := transport.NewLoopback()
	id, err := lb.AddChannel(transport.MessageChannel, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Attach(lb, id)

	var sent []Message
	if _, err := lb.Watch(transport.MessageChannel, func(b []byte) {
		m, err := Decode(b)
		if err != nil {
			t.Errorf("channel carried undecodable message: %v", err)
			return
		}
		sent = append(sent, m)
	}); err != nil {
		t.Fatal(err)
	}
	return l, lb, &sent
}

func TestLog_LevelFilter(t *testing.T) {
	l, _, sent := newTestLog(t, Config{Level: Error})

	if l.Log(Info, "hello", "test") {
		t.Error("info passed an error-only mask")
	}
	if !l.Log(Error, "broken", "test") {
		t.Error("error filtered")
	}
	if !l.Log(Alarm, "fire", "test") {
		t.Error("alarm must always pass")
	}

	if got := l.SetLevel(Info); got != Info|Alarm {
		t.Errorf("SetLevel() = %v, want info|alarm", got)
	}
	if !l.Log(Alarm, "still", "test") {
		t.Error("alarm masked by SetLevel")
	}
	if len(*sent) != 3 {
		t.Errorf("sent %d messages, want 3", len(*sent))
	}
	if (*sent)[0].Detector != DefaultDetector {
		t.Errorf("detector = %q", (*sent)[0].Detector)
	}
}

func TestLog_ReplicateSuppression(t *testing.T) {
	l, _, sent := newTestLog(t, Config{Level: AllEvents, ReplicateTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Log(Warning, "voltage low", "FEC_1")
	for i := 0; i < 4; i++ {
		if l.Log(Warning, "voltage low", "FEC_1") {
			t.Fatal("duplicate sent while watchdog active")
		}
	}
	if l.Replicates() != 4 {
		t.Errorf("Replicates() = %d, want 4", l.Replicates())
	}

	// a distinct message flushes the summary first
	l.Log(Info, "voltage ok", "FEC_1")

	want := []string{"voltage low", "message repeated 4 times: voltage low", "voltage ok"}
	if len(*sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(*sent), len(want))
	}
	for i, d := range want {
		if (*sent)[i].Description != d {
			t.Errorf("message %d = %q, want %q", i, (*sent)[i].Description, d)
		}
	}
	if (*sent)[1].EventType != Warning {
		t.Errorf("summary type = %v, want warning", (*sent)[1].EventType)
	}

	// watchdog flush path
	l.Log(Info, "voltage ok", "FEC_1")
	if !l.Flush() || l.Flush() {
		t.Error("Flush() should send exactly one pending notice")
	}
	if got := (*sent)[len(*sent)-1].Description; got != "message repeated 1 times: voltage ok" {
		t.Errorf("flushed notice = %q", got)
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestLog_WatchdogFlushesOnTimer(t *testing.T) {
	l, _, _ := newTestLog(t, Config{Level: AllEvents, ReplicateTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	l.Log(Warning, "fan stalled", "FEC_1")
	l.Log(Warning, "fan stalled", "FEC_1")
	l.Log(Warning, "fan stalled", "FEC_1")

	const want = "message repeated 2 times: fan stalled"
	deadline := time.Now().Add(2 * time.Second)
	for {
		recent := l.Recent(0)
		if last := recent[len(recent)-1]; last.Description == want {
			if len(recent) != 2 {
				t.Errorf("history holds %d messages, want original plus summary", len(recent))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summary not sent by the watchdog; history = %+v", recent)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if l.Replicates() != 0 {
		t.Errorf("Replicates() = %d after timer flush, want 0", l.Replicates())
	}
}

func TestLog_NoWatchdogNoSuppression(t *testing.T) {
	l, _, sent := newTestLog(t, Config{Level: AllEvents})

	l.Log(Info, "same", "x")
	l.Log(Info, "same", "x")
	if len(*sent) != 2 {
		t.Errorf("sent %d, want 2 without watchdog", len(*sent))
	}
	if err := l.Stop(); err != ErrNotRunning {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestLog_Recent(t *testing.T) {
	l, _, _ := newTestLog(t, Config{Level: AllEvents, HistorySize: 2})
	var hook []string
	l.SetOnSend(func(m Message) { hook = append(hook, m.Description) })

	l.Log(Info, "a", "x")
	l.Log(Info, "b", "x")
	l.Log(Info, "c", "x")

	got := l.Recent(0)
	if len(got) != 2 || got[0].Description != "b" || got[1].Description != "c" {
		t.Errorf("Recent() = %+v", got)
	}
	if len(hook) != 3 {
		t.Errorf("OnSend called %d times", len(hook))
	}
}
