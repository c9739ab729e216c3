package surface

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keybridge/internal/bridge"
	"keybridge/internal/input"
	"keybridge/internal/network"
	"keybridge/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu      sync.Mutex
	downs   []input.KeyEvent
	ups     []input.KeyEvent
	visible int
	events  chan bridge.Event
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan bridge.Event, 4)}
}

func (f *fakeController) KeyDown(ev input.KeyEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs = append(f.downs, ev)
}

func (f *fakeController) KeyUp(ev input.KeyEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ups = append(f.ups, ev)
}

func (f *fakeController) Visible() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible++
}

func (f *fakeController) Status(ctx context.Context) (bridge.Status, error) {
	return bridge.Status{Channel: network.Status{State: network.Connected, SessionID: "s1"}, Held: []string{}}, nil
}

func (f *fakeController) Subscribe() (<-chan bridge.Event, func()) {
	return f.events, func() {}
}

func (f *fakeController) TestConnection(ctx context.Context) (protocol.TestConnectionResult, time.Duration, error) {
	return protocol.TestConnectionResult{Success: true, LatencyMS: 3}, 4 * time.Millisecond, nil
}

func (f *fakeController) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downs), len(f.ups), f.visible
}

func TestRelayForwardsPageEvents(t *testing.T) {
	ctrl := newFakeController()
	ts := httptest.NewServer(NewServer(ctrl).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "status", first["kind"])
	channel := first["status"].(map[string]any)["channel"].(map[string]any)
	require.Equal(t, "connected", channel["state"])

	require.NoError(t, conn.WriteJSON(pageEvent{Type: "keydown", Key: "ArrowUp", Code: 38, Timestamp: 10}))
	require.NoError(t, conn.WriteJSON(pageEvent{Type: "keyup", Key: "ArrowUp", Code: 38}))
	require.NoError(t, conn.WriteJSON(pageEvent{Type: "visible"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	require.NoError(t, conn.WriteJSON(pageEvent{Type: "resize"}))

	require.Eventually(t, func() bool {
		d, u, v := ctrl.counts()
		return d == 1 && u == 1 && v == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctrl.mu.Lock()
	require.Equal(t, input.KeyEvent{Key: "ArrowUp", Code: 38, Timestamp: 10}, ctrl.downs[0])
	require.NotZero(t, ctrl.ups[0].Timestamp)
	ctrl.mu.Unlock()

	tr := input.Transition{Key: "w", Down: true}
	ctrl.events <- bridge.Event{Kind: bridge.KindTransition, Transition: &tr}
	var pushed bridge.Event
	require.NoError(t, conn.ReadJSON(&pushed))
	require.Equal(t, bridge.KindTransition, pushed.Kind)
	require.Equal(t, "w", pushed.Transition.Key)
}

func TestPageAndAPI(t *testing.T) {
	ts := httptest.NewServer(NewServer(newFakeController()).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), "new WebSocket")

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/test", "application/json", nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.JSONEq(t, `{"success":true,"latency_ms":3,"rtt_ms":4}`, string(body))

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `"session_id":"s1"`)
}
