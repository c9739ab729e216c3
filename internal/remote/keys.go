package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"keybridge/internal/logger"
	"keybridge/internal/protocol"
)

// ConsoleSource identifies actuation driven through the HTTP key API.
const ConsoleSource = "http"

type keyRequest struct {
	Key       string `json:"key"`
	KeyCode   int    `json:"key_code"`
	Timestamp int64  `json:"timestamp"`
	IsHeld    bool   `json:"is_held"`
}

type keyResponse struct {
	Success       bool                `json:"success"`
	Message       string              `json:"message,omitempty"`
	Error         string              `json:"error,omitempty"`
	ProcessedKeys []protocol.KeyInput `json:"processed_keys,omitempty"`
	Timestamp     int64               `json:"timestamp"`
}

func writeKeyResult(w http.ResponseWriter, status int, res keyResponse) {
	res.Timestamp = time.Now().UnixMilli()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func keyFailure(w http.ResponseWriter, status int, format string, args ...any) {
	writeKeyResult(w, status, keyResponse{Error: fmt.Sprintf(format, args...)})
}

// decodeKey reads a single key request, answering the client itself on failure.
func decodeKey(w http.ResponseWriter, r *http.Request) (keyRequest, bool) {
	var req keyRequest
	if r.Method != http.MethodPost {
		keyFailure(w, http.StatusMethodNotAllowed, "method not allowed")
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		keyFailure(w, http.StatusBadRequest, "No JSON data provided")
		return req, false
	}
	if req.Key == "" {
		keyFailure(w, http.StatusBadRequest, "missing key")
		return req, false
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}
	return req, true
}

// handleKey taps a key.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeKey(w, r)
	if !ok {
		return
	}

	s.consoleMu.Lock()
	s.tap(ConsoleSource, s.console, req.Key)
	s.consoleMu.Unlock()

	logger.InfoF("Remote: key '%s' (code: %d) via HTTP", req.Key, req.KeyCode)
	s.broadcast(protocol.TypeKeyReceived, protocol.KeyEventPayload{
		Key:       req.Key,
		KeyCode:   req.KeyCode,
		IsHeld:    req.IsHeld,
		Timestamp: req.Timestamp,
	}, nil)
	writeKeyResult(w, http.StatusOK, keyResponse{Success: true, Message: fmt.Sprintf("Key '%s' processed successfully", req.Key)})
}

func (s *Server) handleKeyDown(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeKey(w, r)
	if !ok {
		return
	}

	s.consoleMu.Lock()
	fresh := !s.console.holds(req.Key)
	s.actuate(ConsoleSource, s.console, s.console.Press(req.Key))
	s.consoleMu.Unlock()

	if fresh {
		logger.InfoF("Remote: key DOWN '%s' (code: %d) via HTTP", req.Key, req.KeyCode)
		s.broadcast(protocol.TypeKeyDown, protocol.KeyEventPayload{Key: req.Key, KeyCode: req.KeyCode, Timestamp: req.Timestamp}, nil)
	}
	writeKeyResult(w, http.StatusOK, keyResponse{Success: true, Message: fmt.Sprintf("Key down '%s' processed successfully", req.Key)})
}

func (s *Server) handleKeyUp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeKey(w, r)
	if !ok {
		return
	}

	s.consoleMu.Lock()
	s.actuate(ConsoleSource, s.console, s.console.Release(req.Key))
	s.consoleMu.Unlock()

	logger.InfoF("Remote: key UP '%s' via HTTP", req.Key)
	s.broadcast(protocol.TypeKeyUp, protocol.KeyEventPayload{Key: req.Key, KeyCode: req.KeyCode, Timestamp: req.Timestamp}, nil)
	writeKeyResult(w, http.StatusOK, keyResponse{Success: true, Message: fmt.Sprintf("Key up '%s' processed successfully", req.Key)})
}

func (s *Server) handleKeysBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		keyFailure(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Keys) == 0 {
		keyFailure(w, http.StatusBadRequest, "No keys data provided")
		return
	}
	var keys []protocol.KeyInput
	if err := json.Unmarshal(body.Keys, &keys); err != nil {
		keyFailure(w, http.StatusBadRequest, "Keys must be an array")
		return
	}

	processed := dedupeBatch(keys)
	s.consoleMu.Lock()
	for _, k := range processed {
		s.tap(ConsoleSource, s.console, k.Key)
	}
	s.consoleMu.Unlock()

	logger.InfoF("Remote: processed %d of %d batch keys via HTTP", len(processed), len(keys))
	if len(processed) > 0 {
		s.broadcast(protocol.TypeKeysBatch, protocol.KeysBatchPayload{Keys: processed, Timestamp: time.Now().UnixMilli()}, nil)
	}
	writeKeyResult(w, http.StatusOK, keyResponse{
		Success:       true,
		Message:       fmt.Sprintf("Processed %d unique keys", len(processed)),
		ProcessedKeys: processed,
	})
}
