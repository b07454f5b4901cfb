package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tiggerlink/internal/ble"
	"tiggerlink/internal/session"
)

func newTestServer(ctrl *fakeController) (*Server, *httptest.Server) {
	s := NewServer("127.0.0.1:0", New(ctrl), NewHub())
	ts := httptest.NewServer(s.router)
	return s, ts
}

func TestHandleDevices(t *testing.T) {
	ctrl := &fakeController{
		candidates: []ble.DeviceRef{
			{Address: "11:11:11:11:11:11", Name: "Lamp"},
		},
	}
	_, ts := newTestServer(ctrl)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var devices []deviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(devices) != 1 || devices[0].Address != "11:11:11:11:11:11" || devices[0].Name != "Lamp" {
		t.Errorf("devices = %v", devices)
	}
}

func TestHandleDevicesEmptyListIsJSONArray(t *testing.T) {
	_, ts := newTestServer(&fakeController{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices error = %v", err)
	}
	defer resp.Body.Close()

	var devices []deviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if devices == nil {
		t.Error("empty candidate set should encode as [], not null")
	}
}

func TestHandleDevicesMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(&fakeController{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/devices", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/devices error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleSelect(t *testing.T) {
	ctrl := &fakeController{
		candidates: []ble.DeviceRef{
			{Address: "11:11:11:11:11:11", Name: "Lamp"},
		},
	}
	_, ts := newTestServer(ctrl)
	defer ts.Close()

	body := strings.NewReader(`{"address":"11:11:11:11:11:11"}`)
	resp, err := http.Post(ts.URL+"/api/devices/select", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/devices/select error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := ctrl.selectedRefs(); len(got) != 1 || got[0].Name != "Lamp" {
		t.Errorf("selected = %v, want [Lamp]", got)
	}
}

func TestHandleSelectUnknownAddress(t *testing.T) {
	_, ts := newTestServer(&fakeController{})
	defer ts.Close()

	body := strings.NewReader(`{"address":"99:99:99:99:99:99"}`)
	resp, err := http.Post(ts.URL+"/api/devices/select", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/devices/select error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleSelectBadBody(t *testing.T) {
	_, ts := newTestServer(&fakeController{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/devices/select", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST /api/devices/select error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleCancel(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(ctrl)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/devices/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/devices/cancel error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ctrl.cancelCount() != 1 {
		t.Errorf("cancels = %d, want 1", ctrl.cancelCount())
	}
}

func TestWebSocketCommandAndBroadcast(t *testing.T) {
	ctrl := &fakeController{}
	s, ts := newTestServer(ctrl)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	// Inbound: a command frame reaches the controller.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"CONNECT"}`)); err != nil {
		t.Fatalf("write command: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ctrl.connectCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if ctrl.connectCount() != 1 {
		t.Fatalf("connects = %d, want 1", ctrl.connectCount())
	}

	// Outbound: a broadcast event reaches the socket.
	s.hub.Broadcast(Event{Type: "STATUS", Content: "SCANNING"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "STATUS" || ev.Content != "SCANNING" {
		t.Errorf("event = %+v, want STATUS/SCANNING", ev)
	}
}

func TestForwardRelaysSessionEvents(t *testing.T) {
	ctrl := &fakeController{}
	s, ts := newTestServer(ctrl)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	events := make(chan session.Event, 1)
	done := make(chan struct{})
	go func() {
		Forward(events, s.hub)
		close(done)
	}()

	events <- session.Event{Kind: session.EventNotification, Content: "temp:22"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "NOTIFICATION" || ev.Content != "temp:22" {
		t.Errorf("event = %+v, want NOTIFICATION/temp:22", ev)
	}

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Forward should return when the event channel closes")
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	ctrl := &fakeController{}
	s, ts := newTestServer(ctrl)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.hub.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if s.hub.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", s.hub.ClientCount())
	}

	conn.Close()

	// The read loop notices the close and detaches the client.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.hub.ClientCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if s.hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0 after close", s.hub.ClientCount())
	}
}
