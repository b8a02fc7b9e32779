package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/feeserver/internal/audit"
	"github.com/nerrad567/feeserver/internal/ce"
	"github.com/nerrad567/feeserver/internal/fec"
	"github.com/nerrad567/feeserver/internal/feeserver"
	"github.com/nerrad567/feeserver/internal/infrastructure/config"
	"github.com/nerrad567/feeserver/internal/infrastructure/logging"
	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/protocol"
	"github.com/nerrad567/feeserver/internal/transport"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type testEnv struct {
	api   *Server
	core  *feeserver.Server
	hub   *Hub
	lb    *transport.Loopback
	http  *httptest.Server
	audit *audit.SQLiteRepository
}

func setupAuditDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE command_audit (
			id TEXT PRIMARY KEY,
			command_id INTEGER NOT NULL,
			flags INTEGER NOT NULL,
			origin TEXT NOT NULL,
			result_code INTEGER NOT NULL,
			payload_size INTEGER NOT NULL,
			result_size INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	wsCfg := config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}

	hub := NewHub(wsCfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	auditRepo := audit.NewSQLiteRepository(setupAuditDB(t))
	layer := fec.NewLayer(fec.Config{Boards: 1, UpdateInterval: time.Hour, OnStateChange: hub.PublishStateChange})
	lb := transport.NewLoopback()
	core, err := feeserver.New(feeserver.Config{
		Name:       "TEST",
		UpdateRate: time.Hour,
		Audit:      auditRepo,
		OnPublish:  hub.PublishSample,
		OnMessage:  hub.PublishMessage,
	}, lb, layer)
	if err != nil {
		t.Fatalf("feeserver.New() error: %v", err)
	}
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(core.Stop)

	srv, err := New(Deps{
		WS:          wsCfg,
		Security:    config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:      log,
		Core:        core,
		Devices:     layer,
		Audit:       auditRepo,
		ExternalHub: hub,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{api: srv, core: core, hub: hub, lb: lb, http: ts, audit: auditRepo}
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) post(t *testing.T, path, token string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		//nolint:errcheck // error bodies are checked through the status code
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func token(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	return tok
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	log := logging.Default()
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without core should fail")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testSecret)

	var body map[string]any
	if code := env.get(t, "/api/v1/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "running" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, testSecret)

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestStatusAndChannels(t *testing.T) {
	env := newTestEnv(t, testSecret)

	var st feeserver.Status
	if code := env.get(t, "/api/v1/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if st.Name != "TEST" || st.State != "running" {
		t.Errorf("status = %+v", st)
	}

	var chans struct {
		Channels []item.ChannelInfo `json:"channels"`
		Count    int                `json:"count"`
	}
	env.get(t, "/api/v1/channels?kind=float", &chans)
	if chans.Count != 3 {
		t.Errorf("float channels = %d, want 3 (%v)", chans.Count, chans.Channels)
	}
	for _, c := range chans.Channels {
		if c.Kind != "float" {
			t.Errorf("channel %s kind %s in float listing", c.Name, c.Kind)
		}
	}
}

func TestDevices(t *testing.T) {
	env := newTestEnv(t, testSecret)

	var body struct {
		Devices []ce.DeviceInfo `json:"devices"`
	}
	if code := env.get(t, "/api/v1/devices", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Devices) != 2 || body.Devices[1].Name != "FEC_0" || body.Devices[1].State != "OFF" {
		t.Errorf("devices = %+v", body.Devices)
	}

	if code := env.get(t, "/api/v1/devices/1/history", nil); code != http.StatusServiceUnavailable {
		t.Errorf("history without store = %d, want 503", code)
	}
}

func TestExecuteCommand_Auth(t *testing.T) {
	env := newTestEnv(t, testSecret)
	body := commandRequest{ID: 1, Flags: uint16(protocol.FlagGetIssueTimeout)}

	if code := env.post(t, "/api/v1/commands", "", body, nil); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code := env.post(t, "/api/v1/commands", "not-a-jwt", body, nil); code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", code)
	}
	forged, _ := IssueToken("some-other-secret", "mallory", time.Minute)
	if code := env.post(t, "/api/v1/commands", forged, body, nil); code != http.StatusUnauthorized {
		t.Errorf("forged token = %d, want 401", code)
	}
	expired, _ := IssueToken(testSecret, "operator", -time.Minute)
	if code := env.post(t, "/api/v1/commands", expired, body, nil); code != http.StatusUnauthorized {
		t.Errorf("expired token = %d, want 401", code)
	}
}

func TestExecuteCommand_Disabled(t *testing.T) {
	env := newTestEnv(t, "")

	if code := env.post(t, "/api/v1/commands", "anything", commandRequest{}, nil); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if _, err := IssueToken("", "x", time.Minute); err != ErrNoSecret {
		t.Errorf("IssueToken() error = %v, want ErrNoSecret", err)
	}
}

func TestExecuteCommand(t *testing.T) {
	env := newTestEnv(t, testSecret)
	tok := token(t)

	payload := ce.EncodeBlocks(ce.Command{Group: ce.GroupEngine, Code: ce.CmdTrigger, Param: 1, Data: []byte("switchon")})
	var resp commandResponse
	code := env.post(t, "/api/v1/commands", tok, commandRequest{ID: 77, Payload: payload, Checksum: true}, &resp)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.ID != 77 || resp.Code != 0 || resp.Result != "ok" {
		t.Errorf("response = %+v", resp)
	}
	if got := ce.State(binary.LittleEndian.Uint32(resp.Payload)); got != ce.On {
		t.Errorf("state = %v, want ON", got)
	}
	if resp.Checksum == nil || resp.AckSize != protocol.HeaderSize+4 {
		t.Errorf("ACK description = %+v", resp)
	}

	ack, ok := env.lb.Last(transport.AckChannel)
	if !ok || len(ack) != resp.AckSize {
		t.Errorf("ACK channel = %v, %v", ack, ok)
	}

	code = env.post(t, "/api/v1/commands", tok, commandRequest{ID: 78, Flags: uint16(protocol.FlagHuffman)}, &resp)
	if code != http.StatusOK || resp.Code != int16(protocol.NotImplemented) {
		t.Errorf("huffman = %d %+v", code, resp)
	}

	var list audit.ListResult
	env.get(t, "/api/v1/commands?origin=api", &list)
	if list.Total != 2 {
		t.Errorf("audit total = %d, want 2", list.Total)
	}
	env.get(t, "/api/v1/commands?failed=true", &list)
	if list.Total != 1 || list.Entries[0].CommandID != 78 {
		t.Errorf("failed audit = %+v", list)
	}
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, testSecret)

	var body struct {
		Messages []struct {
			Description string `json:"description"`
		} `json:"messages"`
		Count int `json:"count"`
	}
	if code := env.get(t, "/api/v1/messages?limit=10", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var started bool
	for _, m := range body.Messages {
		if strings.Contains(m.Description, "started") {
			started = true
		}
	}
	if !started {
		t.Errorf("startup message missing from %+v", body.Messages)
	}

	if code := env.get(t, "/api/v1/messages?mask=1024", nil); code != http.StatusBadRequest {
		t.Errorf("bad mask = %d, want 400", code)
	}
	if code := env.get(t, "/api/v1/messages?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestWebSocket(t *testing.T) {
	env := newTestEnv(t, testSecret)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without ticket should be rejected")
	}

	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if code := env.post(t, "/api/v1/auth/ws-ticket", token(t), nil, &ticket); code != http.StatusOK {
		t.Fatalf("ticket status = %d", code)
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?ticket="+ticket.Ticket, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{EventDeviceStateChanged}}}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse {
		t.Fatalf("subscribe response = %+v, %v", ack, err)
	}

	payload := ce.EncodeBlocks(ce.Command{Group: ce.GroupEngine, Code: ce.CmdTrigger, Param: 1, Data: []byte("switchon")})
	if code := env.post(t, "/api/v1/commands", token(t), commandRequest{ID: 5, Payload: payload}, nil); code != http.StatusOK {
		t.Fatalf("command status = %d", code)
	}

	var ev struct {
		Type      string     `json:"type"`
		EventType string     `json:"event_type"`
		Payload   StateEvent `json:"payload"`
	}
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.EventType != EventDeviceStateChanged || ev.Payload.DeviceName != "FEC_0" || ev.Payload.To != "ON" {
		t.Errorf("event = %+v", ev)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"?ticket="+ticket.Ticket, nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Error("ticket reuse should be rejected")
	}
}
