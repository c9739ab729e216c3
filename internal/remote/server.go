// Package remote implements a simulated remote controller: the websocket
// command executor the bridge talks to, with a small HTTP status API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"keybridge/internal/logger"
	"keybridge/internal/network"
	"keybridge/internal/protocol"
)

// Version is reported in welcome messages and status replies.
const Version = "1.0.0"

// Server accepts bridge connections and executes their commands.
type Server struct {
	heartbeat time.Duration
	started   time.Time
	clients   atomic.Int32

	mu       sync.Mutex
	sessions map[*session]bool

	// console holds the keys applied through the HTTP key API.
	consoleMu sync.Mutex
	console   *Actuator

	// OnActuation is called whenever a drive command changes. source is the
	// session id, or ConsoleSource for the HTTP key API. It may be called
	// from several goroutines.
	OnActuation func(source string, act Actuation)
}

// NewServer creates a server that sends heartbeats every heartbeat (0 disables them).
func NewServer(heartbeat time.Duration) *Server {
	return &Server{
		heartbeat: heartbeat,
		started:   time.Now(),
		sessions:  make(map[*session]bool),
		console:   NewActuator(),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/key", s.handleKey)
	mux.HandleFunc("/api/key/down", s.handleKeyDown)
	mux.HandleFunc("/api/key/up", s.handleKeyUp)
	mux.HandleFunc("/api/keys/batch", s.handleKeysBatch)
	return s.logMiddleware(s.recoverMiddleware(mux))
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	logger.Info("--- Diagnostic: Network Interfaces ---")
	if ips, err := network.GetLocalIPs(); err == nil {
		for _, ip := range ips {
			logger.InfoF("  Found Local IPv4: %s", ip)
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.InfoF("Remote: listening on %s", ln.Addr())

	server := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		s.closeSessions()
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Status reports the server's current status.
func (s *Server) Status() protocol.StatusResult {
	return protocol.StatusResult{
		ServerRunning:    true,
		ConnectedClients: int(s.clients.Load()),
		Uptime:           int64(time.Since(s.started).Seconds()),
		Version:          Version,
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()
	n := s.clients.Add(1)
	logger.InfoF("Remote: session %s connected from %s. Total clients: %d", sess.id, sess.addr, n)
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		n := s.clients.Add(-1)
		logger.InfoF("Remote: session %s disconnected. Total clients: %d", sess.id, n)
	}
}

// broadcast queues a message on every session except skip.
func (s *Server) broadcast(t protocol.MessageType, payload any, skip *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess != skip {
			sess.reply(t, 0, payload)
		}
	}
}

// actuate reports a changed drive command for source.
func (s *Server) actuate(source string, a *Actuator, changed bool) {
	if !changed {
		return
	}
	act := a.Actuation()
	logger.InfoF("Remote: cmd_vel linear=%.1f angular=%.1f servo=%d (%s)", act.Linear, act.Angular, act.Servo, source)
	if s.OnActuation != nil {
		s.OnActuation(source, act)
	}
}

// tap presses and releases a key.
func (s *Server) tap(source string, a *Actuator, key string) {
	s.actuate(source, a, a.Press(key))
	s.actuate(source, a, a.Release(key))
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.ErrorF("Remote: panic recovered: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.DebugF("Remote: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
