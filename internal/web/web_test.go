package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wkserver/internal/calendar"
	"wkserver/internal/config"
	"wkserver/internal/model"
	"wkserver/internal/protocol"
)

const testKey = "wall-key"

type fakeEngine struct {
	mu   sync.Mutex
	subs map[calendar.Subscriber]bool
}

func (f *fakeEngine) RegisterCallback(sub calendar.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub] = true
}

func (f *fakeEngine) RemoveCallback(sub calendar.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeEngine) Updates() []model.CalendarUpdate {
	return []model.CalendarUpdate{{Name: "holidays", IsHoliday: true}}
}

func (f *fakeEngine) Calendars() []calendar.Snapshot {
	return []calendar.Snapshot{{Name: "holidays", Kind: model.KindHoliday, RemoteName: "Feiertage", Bound: true, Events: []model.Event{}}}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeEngine, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WebSocket.APIKey = testKey
	if mutate != nil {
		mutate(cfg)
	}
	eng := &fakeEngine{subs: make(map[calendar.Subscriber]bool)}
	s := NewServer(cfg, eng)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().CloseAll()
		ts.Close()
	})
	return s, eng, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readPacket(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var p map[string]any
	if err := ws.ReadJSON(&p); err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return p
}

func call(method, fncname, key string) map[string]any {
	return map[string]any{
		"method":    method,
		"fncname":   fncname,
		"fncsig":    "cb",
		"arguments": nil,
		"pass":      "token",
		"key":       key,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("/health: got %d %q, want 200 OK", resp.StatusCode, body)
	}
}

func TestCalendarsEndpointBasicAuth(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "pw"}
	})

	resp, err := http.Get(ts.URL + "/api/calendars")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without credentials: got %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/calendars", nil)
	req.SetBasicAuth("ops", "pw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with credentials: got %d, want 200", resp.StatusCode)
	}
	var snaps []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 || snaps[0]["name"] != "holidays" || snaps[0]["type"] != "Holiday" {
		t.Errorf("body: got %v, want the holidays calendar", snaps)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health with auth enabled: got %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "wkserver_connections") {
		t.Error("/metrics: wkserver_connections not exported")
	}
}

func TestPlainRequestToRootIsRejected(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET / without upgrade: got %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketSession(t *testing.T) {
	t.Parallel()
	s, eng, ts := newTestServer(t, nil)
	ws := dial(t, ts)

	greeting := readPacket(t, ws)
	if greeting["method"] != protocol.MethodNotification || greeting["fncname"] != protocol.CalendarUpdateFncName {
		t.Errorf("greeting: got %v, want a CalendarUpdate notification", greeting)
	}
	waitFor(t, "subscription", func() bool { return eng.count() == 1 })

	// A rejected call produces nothing, so the next packet read must be
	// the response to the valid request.
	if err := ws.WriteJSON(call(protocol.MethodRequest, "HelloServer", "wrong")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteJSON(call(protocol.MethodRequest, "HelloServer", testKey)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readPacket(t, ws)
	if resp["method"] != protocol.MethodResponse || resp["arguments"] != "Hello Client" || resp["pass"] != "token" {
		t.Errorf("response: got %v", resp)
	}

	ws.Close()
	waitFor(t, "unsubscribe", func() bool { return eng.count() == 0 })
	waitFor(t, "hub removal", func() bool { return s.Hub().Len() == 0 })
}

func TestBroadcastReachesAllClients(t *testing.T) {
	t.Parallel()
	s, _, ts := newTestServer(t, nil)
	a := dial(t, ts)
	b := dial(t, ts)
	readPacket(t, a)
	readPacket(t, b)
	waitFor(t, "two connections", func() bool { return s.Hub().Len() == 2 })

	if err := a.WriteJSON(call(protocol.MethodBroadcast, "HelloServer", testKey)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for name, ws := range map[string]*websocket.Conn{"a": a, "b": b} {
		p := readPacket(t, ws)
		if p["method"] != protocol.MethodBroadcast || p["arguments"] != "Hello Client" {
			t.Errorf("client %s: got %v, want the broadcast", name, p)
		}
	}
}

func TestCloseAllDisconnectsClients(t *testing.T) {
	t.Parallel()
	s, _, ts := newTestServer(t, nil)
	ws := dial(t, ts)
	readPacket(t, ws)

	s.Hub().CloseAll()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after CloseAll: got %v, want going-away close", err)
	}
}
