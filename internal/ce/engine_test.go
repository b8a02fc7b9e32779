package ce

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/feeserver/internal/protocol"
)

type fixedHandler struct {
	group uint8
	code  uint8
	reply []byte
	calls int
}

func (h *fixedHandler) GroupID() uint8 { return h.group }

func (h *fixedHandler) CheckCommand(code uint8, _ uint16) bool { return code == h.code }

func (h *fixedHandler) HandleCommand(context.Context, Command) ([]byte, error) {
	h.calls++
	return h.reply, nil
}

func newTestEngine(t *testing.T) (*ControlEngine, *testHost) {
	t.Helper()

	var changes []StateChange
	ce := NewControlEngine(Config{
		UpdateInterval: time.Hour,
		Armor: func(ce *ControlEngine) error {
			board := NewDevice("FEC_0", &testHW{
				initial: Off,
				armor: func(d *Device) error {
					_, err := d.AddFloatService("TEMP", 0.5, func() float32 { return 21.5 })
					return err
				},
			})
			if err := declareAll(board, boardTransitions); err != nil {
				return err
			}
			return ce.Root().AddChild(board)
		},
		OnStateChange: func(c StateChange) { changes = append(changes, c) },
	})

	host := newTestHost()
	if err := ce.Initialize(context.Background(), host); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	select {
	case err := <-host.ready:
		if err != nil {
			t.Fatalf("SignalReady(%v)", err)
		}
	default:
		t.Fatal("SignalReady not called")
	}
	t.Cleanup(ce.Cleanup)
	return ce, host
}

func TestControlEngine_Initialize(t *testing.T) {
	ce, host := newTestEngine(t)

	devices := ce.Devices()
	if len(devices) != 2 || devices[0].Name() != "CE" || devices[1].Name() != "FEC_0" {
		t.Fatalf("devices = %v", ce.Snapshot())
	}
	if devices[0].State() != Running || devices[1].State() != Off {
		t.Errorf("states = %v/%v", devices[0].State(), devices[1].State())
	}

	for _, name := range []string{"CE_STATE", "FEC_0_STATE", "FEC_0_TEMP"} {
		if _, ok := host.reg.FindByName(name); !ok {
			t.Errorf("channel %s not published", name)
		}
	}

	snap := ce.Snapshot()
	if snap[1].Parent != 0 || len(snap[0].Children) != 1 || snap[1].Services[0] != "FEC_0_TEMP" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestControlEngine_Issue(t *testing.T) {
	ce, host := newTestEngine(t)

	payload := EncodeBlocks(
		Command{Group: GroupEngine, Code: CmdTrigger, Param: 1, Data: []byte("switchon")},
		Command{Group: GroupEngine, Code: CmdGetState, Param: 1},
	)
	res, err := ce.Issue(context.Background(), payload)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(res) != 8 || binary.LittleEndian.Uint32(res[4:]) != uint32(On) {
		t.Errorf("Issue() result = %v", res)
	}

	// state channel follows the device
	n, _ := host.reg.FindByName("FEC_0_STATE")
	if v, _ := host.arena.Int(n.Location()); v != int32(On) {
		t.Errorf("state cell = %d, want %d", v, On)
	}

	list, err := ce.Issue(context.Background(), EncodeBlocks(Command{Group: GroupEngine, Code: CmdListDevices}))
	if err != nil || !strings.Contains(string(list), "1 FEC_0 0 ON") {
		t.Errorf("list = %q, %v", list, err)
	}
}

func TestControlEngine_IssueErrors(t *testing.T) {
	ce, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload []byte
		want    protocol.ResultCode
	}{
		{"malformed", []byte{1, 2, 3}, protocol.InvalidParameter},
		{"empty", nil, protocol.InvalidParameter},
		{"unknown group", EncodeBlocks(Command{Group: 0x7f}), protocol.NotImplemented},
		{"unknown device", EncodeBlocks(Command{Group: GroupEngine, Code: CmdGetState, Param: 99}), protocol.InvalidParameter},
		{"illegal transition", EncodeBlocks(Command{Group: GroupEngine, Code: CmdTrigger, Param: 1, Data: []byte("go")}), protocol.WrongState},
		{"unknown transition", EncodeBlocks(Command{Group: GroupEngine, Code: CmdTrigger, Param: 1, Data: []byte("fly")}), protocol.InvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ce.Issue(ctx, tt.payload)
			if got := protocol.CodeOf(err); got != tt.want {
				t.Errorf("CodeOf(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ce.Issue(cancelled, EncodeBlocks(Command{Group: GroupEngine, Code: CmdListDevices})); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Issue() error = %v", err)
	}
}

func TestControlEngine_HandlerChain(t *testing.T) {
	ce, _ := newTestEngine(t)

	first := &fixedHandler{group: 0x20, code: 1, reply: []byte("a")}
	second := &fixedHandler{group: 0x20, code: 2, reply: []byte("b")}
	shadow := &fixedHandler{group: 0x20, code: 1, reply: []byte("z")}
	ce.AddHandler(first)
	ce.AddHandler(second)
	ce.AddHandler(shadow)

	res, err := ce.Issue(context.Background(), EncodeBlocks(
		Command{Group: 0x20, Code: 2},
		Command{Group: 0x20, Code: 1},
	))
	if err != nil || string(res) != "ba" {
		t.Errorf("Issue() = %q, %v", res, err)
	}
	if shadow.calls != 0 {
		t.Error("later handler claimed a command owned by an earlier one")
	}
}

func TestControlEngine_UpdateAndCleanup(t *testing.T) {
	ce, host := newTestEngine(t)

	if n := ce.UpdateAll(); n != 1 {
		t.Errorf("UpdateAll() = %d, want 1 service", n)
	}

	ce.Cleanup()
	if n, _ := host.reg.FindByName("FEC_0_TEMP"); n.Active() {
		t.Error("service still active after Cleanup")
	}
}

func TestBlocks(t *testing.T) {
	cmds := []Command{
		{Group: 0x10, Code: 0x02, Param: 0xbeef, Data: []byte{1, 2, 3}},
		{Group: 0x01, Code: 0x03},
	}
	b := EncodeBlocks(cmds...)
	if len(b) != 8+3+8 {
		t.Fatalf("encoded length = %d", len(b))
	}
	if binary.LittleEndian.Uint32(b) != 0x1002beef {
		t.Errorf("word = %#x", binary.LittleEndian.Uint32(b))
	}

	got, err := DecodeBlocks(b)
	if err != nil || len(got) != 2 {
		t.Fatalf("DecodeBlocks() = %v, %v", got, err)
	}
	if got[0].Param != 0xbeef || !bytes.Equal(got[0].Data, []byte{1, 2, 3}) || got[1].Code != 0x03 {
		t.Errorf("decoded %+v", got)
	}

	if _, err := DecodeBlocks(b[:10]); !errors.Is(err, ErrMalformedBlock) {
		t.Errorf("truncated data error = %v", err)
	}
	if _, err := DecodeBlocks(b[:13]); !errors.Is(err, ErrMalformedBlock) {
		t.Errorf("truncated header error = %v", err)
	}
}
