package feeserver

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/feeserver/internal/audit"
	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/layer"
	"github.com/nerrad567/feeserver/internal/protocol"
	"github.com/nerrad567/feeserver/internal/transport"
)

// fakeLayer publishes a float and an int channel and runs issue for
// every device command.
type fakeLayer struct {
	initErr  error
	noSignal bool
	onInit   func(host layer.Host)
	issue    func(ctx context.Context, payload []byte) ([]byte, error)

	host    layer.Host
	temp    item.Location
	counter item.Location
	cleaned bool
}

func (f *fakeLayer) Initialize(_ context.Context, host layer.Host) error {
	f.host = host
	if f.initErr != nil {
		return f.initErr
	}
	f.temp = host.Arena().NewFloat(20)
	f.counter = host.Arena().NewInt(0)
	if _, err := host.PublishFloat(item.FloatItem{Location: f.temp, Name: "TEMP", DefaultDeadband: 1}); err != nil {
		return err
	}
	if _, err := host.PublishInt(item.IntItem{Location: f.counter, Name: "COUNT", DefaultDeadband: 2}); err != nil {
		return err
	}
	if f.onInit != nil {
		f.onInit(host)
	}
	if !f.noSignal {
		host.SignalReady(nil)
	}
	return nil
}

func (f *fakeLayer) Issue(ctx context.Context, payload []byte) ([]byte, error) {
	if f.issue != nil {
		return f.issue(ctx, payload)
	}
	return append([]byte("echo:"), payload...), nil
}

func (f *fakeLayer) Cleanup() { f.cleaned = true }

type auditRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *auditRecorder) Create(_ context.Context, e *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func (r *auditRecorder) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return nil, errors.New("not supported")
}

func (r *auditRecorder) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

func newTestServer(t *testing.T, cfg Config, dev layer.DeviceLayer) (*Server, *transport.Loopback) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "TEST"
	}
	if cfg.UpdateRate == 0 {
		cfg.UpdateRate = time.Hour
	}
	lb := transport.NewLoopback()
	s, err := New(cfg, lb, dev)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, lb
}

func run(t *testing.T, s *Server, id uint32, flags protocol.Flags, payload []byte) Result {
	t.Helper()
	res, _ := s.Execute(context.Background(), protocol.EncodeCommand(id, flags, payload), "test")
	return res
}

func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
