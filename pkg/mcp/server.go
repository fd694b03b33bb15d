package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SessionHeader carries the session id on every protocol request and
// response so stateless clients can keep using the same session.
const SessionHeader = "Mcp-Session-Id"

// Server is the HTTP transport for the protocol: a single-shot POST
// endpoint, a long-lived SSE push stream, and explicit session teardown.
type Server struct {
	manager      *SessionManager
	endpointPath string
	keepAlive    time.Duration
	logger       *slog.Logger
}

// NewServer creates the transport around a session manager. endpointPath
// is the path advertised to push-stream clients for follow-up POSTs.
func NewServer(manager *SessionManager, endpointPath string, keepAlive time.Duration, logger *slog.Logger) *Server {
	if endpointPath == "" {
		endpointPath = "/mcp"
	}
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, endpointPath: endpointPath, keepAlive: keepAlive, logger: logger}
}

// ServeHTTP routes protocol traffic by HTTP method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost answers one JSON-RPC message synchronously. The session id
// travels in a header and is generated on first contact.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set(SessionHeader, sessionID)
		writeResponse(w, http.StatusBadRequest, newError(nil, CodeInternalError, "invalid JSON body"))
		return
	}
	if req.Method == "" {
		w.Header().Set(SessionHeader, sessionID)
		writeResponse(w, http.StatusBadRequest, newError(req.ID, CodeMethodNotFound, "missing method"))
		return
	}

	resp := s.manager.Dispatch(r.Context(), sessionID, &req)

	w.Header().Set(SessionHeader, sessionID)
	if resp == nil {
		// Notification: no response body at all.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, http.StatusOK, resp)
}

// handleStream holds an SSE connection open: it advertises the POST
// endpoint for follow-up messages, relays dispatched responses, and
// emits periodic keep-alives until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	var session *Session
	if sessionID != "" {
		session = s.manager.Get(sessionID)
	}
	if session == nil {
		session = s.manager.Create()
		sessionID = session.ID
	}
	events := session.AttachStream(16)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s?session_id=%s\n\n", s.endpointPath, sessionID)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Transport close tears the session down.
			s.manager.Close(sessionID)
			return
		case resp, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error("failed to marshal stream response", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" || !s.manager.Close(sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
