// Package surface serves the local operator page. The page captures raw
// keydown/keyup and visibility events and relays them over a websocket.
package surface

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"keybridge/internal/bridge"
	"keybridge/internal/input"
	"keybridge/internal/logger"
	"keybridge/internal/protocol"

	"github.com/gorilla/websocket"
)

//go:embed static/index.html
var staticFS embed.FS

// Controller is the part of the bridge the surface drives.
type Controller interface {
	KeyDown(ev input.KeyEvent)
	KeyUp(ev input.KeyEvent)
	Visible()
	Status(ctx context.Context) (bridge.Status, error)
	Subscribe() (<-chan bridge.Event, func())
	TestConnection(ctx context.Context) (res protocol.TestConnectionResult, rtt time.Duration, err error)
}

// pageEvent is a raw event relayed by the page.
type pageEvent struct {
	Type      string `json:"type"` // "keydown", "keyup", "visible"
	Key       string `json:"key,omitempty"`
	Code      int    `json:"key_code,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server serves the operator page and its relay socket.
type Server struct {
	ctrl Controller
}

func NewServer(ctrl Controller) *Server {
	return &Server{ctrl: ctrl}
}

// Handler returns the surface routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleRelay)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/test", s.handleTest)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, optionally opening the page in a browser.
func (s *Server) ListenAndServe(ctx context.Context, addr string, open bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s", ln.Addr())
	logger.InfoF("Surface: operator page at %s", url)
	if open {
		go openBrowser(url)
	}

	server := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// OpenBrowser opens url in the default browser.
func OpenBrowser(url string) {
	openBrowser(url)
}

func openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "darwin":
		err = exec.Command("open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		err = exec.Command("xdg-open", url).Start()
	}
	if err != nil {
		logger.WarnF("Surface: failed to open browser: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, rtt, err := s.ctrl.TestConnection(r.Context())
	out := map[string]any{
		"success":    err == nil && res.Success,
		"latency_ms": res.LatencyMS,
		"rtt_ms":     rtt.Milliseconds(),
	}
	if err != nil {
		out["error"] = err.Error()
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Surface: failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.ctrl.Subscribe()
	defer cancel()

	initial, err := s.ctrl.Status(r.Context())
	if err != nil {
		return
	}
	go s.pushEvents(conn, bridge.Event{Kind: bridge.KindStatus, Status: &initial}, events)

	logger.DebugF("Surface: page connected from %s", r.RemoteAddr)
	conn.SetReadLimit(4096)
	for {
		var ev pageEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				logger.WarnF("Surface: invalid page event: %v", err)
				continue
			}
			logger.DebugF("Surface: page disconnected: %v", err)
			return
		}
		s.dispatch(ev)
	}
}

func (s *Server) dispatch(ev pageEvent) {
	key := input.KeyEvent{Key: ev.Key, Code: ev.Code, Timestamp: ev.Timestamp}
	if key.Timestamp == 0 {
		key.Timestamp = time.Now().UnixMilli()
	}

	switch ev.Type {
	case "keydown":
		s.ctrl.KeyDown(key)
	case "keyup":
		s.ctrl.KeyUp(key)
	case "visible":
		s.ctrl.Visible()
	default:
		logger.DebugF("Surface: ignoring page event %q", ev.Type)
	}
}

// pushEvents writes bridge events to the page until the subscription closes.
func (s *Server) pushEvents(conn *websocket.Conn, first bridge.Event, events <-chan bridge.Event) {
	write := func(ev bridge.Event) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	}
	if err := write(first); err != nil {
		return
	}
	for ev := range events {
		if err := write(ev); err != nil {
			conn.Close()
			return
		}
	}
}
