package events

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no websocket session")

// Session is one connected client. Writes are serialized because gorilla
// connections allow only a single concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// SessionRegistry tracks live customer and driver sockets, keyed by role and
// id. A reconnect replaces the previous session for that key.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

func (r *SessionRegistry) Add(role, id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[sessionKey(role, id)]; ok {
		_ = old.Close()
	}
	r.sessions[sessionKey(role, id)] = &Session{conn: conn}
}

func (r *SessionRegistry) Remove(role, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey(role, id)]; ok {
		_ = s.Close()
		delete(r.sessions, sessionKey(role, id))
	}
}

func (r *SessionRegistry) Send(role, id string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(role, id)]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

func sessionKey(role, id string) string { return role + ":" + id }
