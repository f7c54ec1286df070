package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/elhorton/azureiot/internal/events"
	"github.com/elhorton/azureiot/internal/infrastructure/config"
	"github.com/elhorton/azureiot/internal/infrastructure/logging"
)

type stubChecker struct {
	err error
}

func (c stubChecker) HealthCheck(context.Context) error { return c.err }

// testServer creates a Server with its own hub and a board for "dev-1".
func testServer(t *testing.T, checks map[string]HealthChecker) *Server {
	t.Helper()

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  logging.Discard(),
		Board:   NewStatusBoard("dev-1"),
		Checks:  checks,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv.hub = NewHub(srv.wsCfg, srv.logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if v != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decode %s: %v (body %q)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Board: NewStatusBoard("d")}); err == nil {
		t.Error("New() without logger succeeded")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without board succeeded")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		ready     bool
		checks    map[string]HealthChecker
		wantCode  int
		wantCheck map[string]string
	}{
		{
			name:      "session not ready",
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: map[string]string{"session": "disconnected"},
		},
		{
			name:      "ready without dependencies",
			ready:     true,
			wantCode:  http.StatusOK,
			wantCheck: map[string]string{"session": "ready"},
		},
		{
			name:      "ready with healthy database",
			ready:     true,
			checks:    map[string]HealthChecker{"database": stubChecker{}},
			wantCode:  http.StatusOK,
			wantCheck: map[string]string{"session": "ready", "database": "ok"},
		},
		{
			name:      "failing dependency",
			ready:     true,
			checks:    map[string]HealthChecker{"influxdb": stubChecker{err: errors.New("ping failed")}},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: map[string]string{"session": "ready", "influxdb": "ping failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, tt.checks)
			if tt.ready {
				srv.board.SetSession("ready", "hub.example.net")
			}

			var body struct {
				Status  string            `json:"status"`
				Version string            `json:"version"`
				Checks  map[string]string `json:"checks"`
			}
			code := getJSON(t, srv.buildRouter(), "/api/v1/health", &body)
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if body.Version != "test" {
				t.Errorf("version = %q, want test", body.Version)
			}
			for k, want := range tt.wantCheck {
				if body.Checks[k] != want {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestStatus(t *testing.T) {
	srv := testServer(t, nil)
	srv.board.SetSession("ready", "hub.example.net")
	srv.board.Observe(events.NewInfo(events.MessageSent, []byte("{}"), "telemetry", 0, 4))
	srv.board.Observe(events.NewInfo(events.Command, nil, "reboot", 0, 0))

	var st Status
	if code := getJSON(t, srv.buildRouter(), "/api/v1/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if st.DeviceID != "dev-1" || st.Host != "hub.example.net" || !st.Connected {
		t.Errorf("status = %+v", st)
	}
	if st.MessagesSent != 1 || st.MethodsHandled != 1 {
		t.Errorf("counters = sent %d methods %d, want 1 and 1", st.MessagesSent, st.MethodsHandled)
	}
	if st.LastEvent != string(events.Command) {
		t.Errorf("LastEvent = %q, want Command", st.LastEvent)
	}
}

func TestRouter_NotFoundAndMethod(t *testing.T) {
	srv := testServer(t, nil)
	h := srv.buildRouter()

	var e Error
	if code := getJSON(t, h, "/api/v1/devices", &e); code != http.StatusNotFound || e.Code != ErrCodeNotFound {
		t.Errorf("unknown path = %d %q, want 404 not_found", code, e.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	srv := testServer(t, nil)
	h := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want echoed value", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if got := rec.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a UUID", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv := testServer(t, nil)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first := testServer(t, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer first.Close()

	second := testServer(t, nil)
	_, port, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	second.cfg.Port, err = strconv.Atoi(port)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Error("Start() on a bound port succeeded")
	}
}

// dialEvents connects to the event stream of srv served by ts.
func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, ws *websocket.Conn, id string, chans ...string) WSMessage {
	t.Helper()
	data, err := json.Marshal(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      id,
		Payload: WSSubscribePayload{Channels: chans},
	})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	return readMessage(t, ws)
}

func TestWebSocket_SubscribeAndPublish(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialEvents(t, ts)
	resp := subscribe(t, ws, "sub-1", "MessageSent")
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
	if srv.hub.ClientCount() != 1 {
		t.Errorf("hub client count = %d, want 1", srv.hub.ClientCount())
	}

	// Not subscribed: must not arrive ahead of the MessageSent event.
	srv.hub.Publish(events.NewInfo(events.Command, []byte(`{}`), "reboot", 0, 0))
	srv.hub.Publish(events.NewInfo(events.MessageSent, []byte(`{"t":1}`), "telemetry", 0, 7))

	msg := readMessage(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != "MessageSent" {
		t.Fatalf("event = %+v, want MessageSent event", msg)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", msg.Payload)
	}
	if payload["tag"] != "telemetry" || payload["body"] != `{"t":1}` || payload["message_id"] != float64(7) {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_AliasAndWildcard(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialEvents(t, ts)
	resp := subscribe(t, ws, "sub-1", "DirectMethod")
	payload, _ := resp.Payload.(map[string]any)
	subs, _ := payload["subscribed"].([]any)
	if len(subs) != 1 || subs[0] != "Command" {
		t.Errorf("subscribed = %v, want [Command]", payload["subscribed"])
	}

	all := dialEvents(t, ts)
	subscribe(t, all, "sub-2", WSAllChannels)

	srv.hub.Publish(events.NewInfo(events.SettingsUpdated, []byte(`5`), "interval", 0, 0).WithVersion(3))
	msg := readMessage(t, all)
	if msg.EventType != "SettingsUpdated" {
		t.Errorf("wildcard event = %q, want SettingsUpdated", msg.EventType)
	}
}

func TestWebSocket_Errors(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialEvents(t, ts)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ws); msg.Type != WSTypeError {
		t.Errorf("invalid JSON reply type = %q, want error", msg.Type)
	}

	if msg := subscribe(t, ws, "sub-x", "NoSuchEvent"); msg.Type != WSTypeError || msg.ID != "sub-x" {
		t.Errorf("unknown channel reply = %+v, want error", msg)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","id":"p1"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, ws); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v, want pong", msg)
	}
}

func TestHub_CloseAll(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws := dialEvents(t, ts)
	subscribe(t, ws, "sub-1", WSAllChannels)

	srv.hub.closeAll()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("ReadMessage() after closeAll succeeded, want error")
	}
	if srv.hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", srv.hub.ClientCount())
	}
}
