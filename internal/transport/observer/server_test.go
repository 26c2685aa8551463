package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"citybridge.ai/internal/observerproto"
	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/sim/tuning"
)

func newTestServer(t *testing.T) (*Server, *city.City, *Hub) {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	c, err := city.New(city.ConfigFromTuning("city_test", tuning.Defaults()), cats, nil)
	if err != nil {
		t.Fatalf("city: %v", err)
	}
	hub := NewHub()
	c.SetPublisher(hub)
	return NewServer(c, hub, nil), c, hub
}

func TestBootstrapHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.BootstrapHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.ProtocolVersion != observerproto.Version || boot.CityID != "city_test" {
		t.Fatalf("header mismatch: %+v", boot)
	}
	if boot.CityParams.MinX != 0 || boot.CityParams.MaxX != 49 || boot.CityParams.MaxY != 49 {
		t.Fatalf("bounds mismatch: %+v", boot.CityParams)
	}
	if boot.Stats.Money != 1000 || boot.Buildings == nil || len(boot.Buildings) != 0 {
		t.Fatalf("initial state mismatch: stats=%+v buildings=%v", boot.Stats, boot.Buildings)
	}
	if len(boot.Catalog) != 4 || boot.CatalogDigest == "" {
		t.Fatalf("catalog mismatch: %+v digest=%q", boot.Catalog, boot.CatalogDigest)
	}

	post, err := http.Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post status=%d", post.StatusCode)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5050": true,
		"[::1]:80":       true,
		"::1":            true,
		"10.0.0.7:5050":  false,
		"example.com:80": false,
		"":               false,
	}
	for in, want := range cases {
		if got := IsLoopbackRemote(in); got != want {
			t.Fatalf("IsLoopbackRemote(%q)=%v want=%v", in, got, want)
		}
	}
}

func dialObserver(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.WSHandler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSHandler_StreamsTicks(t *testing.T) {
	s, c, hub := newTestServer(t)
	conn := dialObserver(t, s)

	if err := conn.WriteJSON(subscribe(true, 1)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats().Sessions != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.StepOnce(city.FrameFunc(func() bool {
		req := protocol.Request{Action: "place-entity", X: 10, Y: 12, BuildingType: "Road"}
		if _, err := c.HandleCommand(req.Command()); err != nil {
			t.Errorf("handle: %v", err)
		}
		return true
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg observerproto.TickMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != observerproto.TypeTick || msg.Tick != 0 || msg.CityID != "city_test" {
		t.Fatalf("msg=%+v", msg)
	}
	if len(msg.Events) != 1 || msg.Events[0].Kind != "PLACE" || msg.Events[0].Type != "Road" {
		t.Fatalf("events=%+v", msg.Events)
	}
	if len(msg.Buildings) != 1 || msg.Buildings[0].X != 10 || msg.Buildings[0].Y != 12 {
		t.Fatalf("buildings=%+v", msg.Buildings)
	}
	if msg.Stats.Money != 990 || msg.Stats.Buildings != 1 {
		t.Fatalf("stats=%+v", msg.Stats)
	}
}

func TestWSHandler_RejectsMissingSubscribe(t *testing.T) {
	s, _, hub := newTestServer(t)
	conn := dialObserver(t, s)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if hub.Stats().Sessions != 0 {
		t.Fatalf("rejected client joined hub")
	}
}
