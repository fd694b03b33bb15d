package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session binds a session id to a live handler. Events carries responses
// destined for the session's push stream when one is attached.
type Session struct {
	ID        string
	CreatedAt time.Time

	// mu serializes message handling within the session so an
	// initialize cannot race an in-flight tools/call.
	mu      sync.Mutex
	handler *Handler

	eventsMu sync.Mutex
	events   chan *Response
}

// AttachStream creates the push event channel for this session,
// replacing any previous one. The returned channel is closed on Detach.
func (s *Session) AttachStream(buffer int) <-chan *Response {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.events != nil {
		close(s.events)
	}
	s.events = make(chan *Response, buffer)
	return s.events
}

// DetachStream closes the push event channel, if any.
func (s *Session) DetachStream() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.events != nil {
		close(s.events)
		s.events = nil
	}
}

// push enqueues a response for the attached stream, dropping it when the
// stream is absent or saturated.
func (s *Session) push(resp *Response) bool {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.events == nil {
		return false
	}
	select {
	case s.events <- resp:
		return true
	default:
		return false
	}
}

// SessionManager owns the session_id to handler mapping. An initialize
// message always installs a fresh handler, discarding prior session
// state; any other method lazily creates a session for unseen ids.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	newHandler func() *Handler
	logger     *slog.Logger
}

// NewSessionManager creates a manager that builds per-session handlers
// with the given factory.
func NewSessionManager(newHandler func() *Handler, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:   make(map[string]*Session),
		newHandler: newHandler,
		logger:     logger,
	}
}

// NewSessionID generates a fresh opaque session identifier.
func NewSessionID() string { return uuid.New().String() }

// Dispatch routes one message to the session's handler, creating or
// replacing the session as the method demands. Message handling is
// serialized per session. The returned response is nil for notifications.
func (m *SessionManager) Dispatch(ctx context.Context, sessionID string, req *Request) *Response {
	session := m.obtain(sessionID, req.Method == "initialize")

	session.mu.Lock()
	defer session.mu.Unlock()
	resp := session.handler.Handle(ctx, req)
	if resp != nil {
		session.push(resp)
	}
	return resp
}

// Get returns the live session for an id, or nil.
func (m *SessionManager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Create registers a new session under a fresh id.
func (m *SessionManager) Create() *Session {
	return m.obtain(NewSessionID(), true)
}

// Close tears down a session, releasing its handler and push stream.
func (m *SessionManager) Close(sessionID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	session.DetachStream()
	m.logger.Info("session closed", "session_id", sessionID)
	return true
}

// Count reports the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) obtain(sessionID string, replace bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		session = &Session{
			ID:        sessionID,
			CreatedAt: time.Now(),
			handler:   m.newHandler(),
		}
		m.sessions[sessionID] = session
		m.logger.Info("session created", "session_id", sessionID)
		return session
	}

	if replace {
		// Each logical conversation restarts clean: a repeated
		// initialize swaps in a fresh handler under the session lock.
		session.mu.Lock()
		session.handler = m.newHandler()
		session.mu.Unlock()
		m.logger.Info("session reset", "session_id", sessionID)
	}
	return session
}
