package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/transport"
)

type recordingSink struct {
	mu     sync.Mutex
	values map[string][]float64
}

func (s *recordingSink) WriteChannelValue(channel, _ string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string][]float64)
	}
	s.values[channel] = append(s.values[channel], value)
}

// flakyPublisher fails every update while down is set.
type flakyPublisher struct {
	mu    sync.Mutex
	down  bool
	count int
}

func (p *flakyPublisher) Update(transport.ChannelID, []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return 0, errors.New("broker unavailable")
	}
	p.count++
	return 1, nil
}

func (p *flakyPublisher) setDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func setup(t *testing.T, cfg Config) (*Engine, *item.Registry, *item.Arena, *transport.Loopback) {
	t.Helper()
	a := item.NewArena()
	lb := transport.NewLoopback()
	reg := item.NewRegistry(a, lb)
	return NewEngine(reg, lb, cfg), reg, a, lb
}

func TestSweep_DeadbandScenario(t *testing.T) {
	sink := &recordingSink{}
	e, reg, a, lb := setup(t, Config{Sink: sink})

	loc := a.NewFloat(10.0)
	if _, err := reg.PublishFloat(item.FloatItem{Location: loc, Name: "TEMP", DefaultDeadband: 1.0}); err != nil {
		t.Fatal(err)
	}

	_ = a.SetFloat(loc, 10.4)
	if got := e.Sweep(item.KindFloat); got != 0 {
		t.Errorf("sweep at 10.4 republished %d", got)
	}
	if lb.Updates("TEMP") != 0 {
		t.Error("channel updated inside deadband")
	}

	_ = a.SetFloat(loc, 11.1)
	if got := e.Sweep(item.KindFloat); got != 1 {
		t.Errorf("sweep at 11.1 republished %d, want 1", got)
	}
	n, _ := reg.FindByName("TEMP")
	if float32(n.Last()) != 11.1 {
		t.Errorf("last transmitted = %v, want 11.1", n.Last())
	}

	// one republish per pass, even when the value keeps moving
	if got := e.Sweep(item.KindFloat); got != 0 {
		t.Errorf("unchanged sweep republished %d", got)
	}
	if len(sink.values["TEMP"]) != 1 {
		t.Errorf("sink saw %v", sink.values["TEMP"])
	}
}

func TestSweep_ForcedRefresh(t *testing.T) {
	e, reg, a, lb := setup(t, Config{ForcedRefreshMultiplier: 2})
	if _, err := reg.PublishInt(item.IntItem{Location: a.NewInt(3), Name: "S", DefaultDeadband: 10}); err != nil {
		t.Fatal(err)
	}

	e.Sweep(item.KindInt)
	e.Sweep(item.KindInt)
	if lb.Updates("S") != 1 {
		t.Errorf("updates = %d, want 1 forced refresh", lb.Updates("S"))
	}
	if st := e.Stats(); st.Forced != 1 || st.Sweeps != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSweep_IntegrityCallback(t *testing.T) {
	var seen []item.Integrity
	e, reg, a, _ := setup(t, Config{OnIntegrity: func(s item.Sample, _ error) {
		seen = append(seen, s.Integrity)
	}})
	if _, err := reg.PublishFloat(item.FloatItem{Location: a.NewFloat(1), Name: "F"}); err != nil {
		t.Fatal(err)
	}

	e.Sweep(item.KindFloat)
	if len(seen) != 0 {
		t.Errorf("healthy node reported %v", seen)
	}
}

func TestEngine_StartStop(t *testing.T) {
	e, reg, a, lb := setup(t, Config{UpdateRate: 10 * time.Millisecond})
	loc := a.NewFloat(0)
	if _, err := reg.PublishFloat(item.FloatItem{Location: loc, Name: "V", DefaultDeadband: 0.1}); err != nil {
		t.Fatal(err)
	}

	updated := make(chan []byte, 1)
	if _, err := lb.Watch("V", func(b []byte) {
		select {
		case updated <- b:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}

	workers, err := e.Start(context.Background())
	if err != nil || workers != 1 {
		t.Fatalf("Start() = %d, %v; want 1 worker (int registry empty)", workers, err)
	}
	if _, err := e.Start(context.Background()); err != ErrRunning {
		t.Errorf("second Start() error = %v", err)
	}

	_ = a.SetFloat(loc, 5)
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("value change not republished")
	}

	e.Stop()
	e.Stop()
}

func TestEngine_SetUpdateRate(t *testing.T) {
	e, _, _, _ := setup(t, Config{})
	if e.UpdateRate() != DefaultUpdateRate {
		t.Errorf("UpdateRate() = %v", e.UpdateRate())
	}
	e.SetUpdateRate(250 * time.Millisecond)
	e.SetUpdateRate(0)
	if e.UpdateRate() != 250*time.Millisecond {
		t.Errorf("UpdateRate() = %v, want 250ms", e.UpdateRate())
	}
}

func TestSweep_FailedPublishIsRetried(t *testing.T) {
	a := item.NewArena()
	reg := item.NewRegistry(a, transport.NewLoopback())
	pub := &flakyPublisher{down: true}
	e := NewEngine(reg, pub, Config{})

	loc := a.NewFloat(10.0)
	if _, err := reg.PublishFloat(item.FloatItem{Location: loc, Name: "TEMP", DefaultDeadband: 1.0}); err != nil {
		t.Fatal(err)
	}
	n, _ := reg.FindByName("TEMP")

	_ = a.SetFloat(loc, 12.0)
	if got := e.Sweep(item.KindFloat); got != 0 {
		t.Errorf("sweep with failing publisher republished %d", got)
	}
	if n.Last() != 10 {
		t.Errorf("last transmitted = %v after failed publish, want 10", n.Last())
	}

	pub.setDown(false)
	if got := e.Sweep(item.KindFloat); got != 1 {
		t.Errorf("retry sweep republished %d, want 1", got)
	}
	if n.Last() != 12 {
		t.Errorf("last transmitted = %v, want 12", n.Last())
	}
	if pub.count != 1 {
		t.Errorf("publisher saw %d updates, want 1", pub.count)
	}
}
