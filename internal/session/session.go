// Package session tracks live client connections (spec.md §3 "Session").
// Sessions are owned exclusively by the gateway; the core holds no
// per-session state beyond transport membership (spec.md §3
// "Ownership").
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ID identifies a live bidirectional client connection.
type ID string

// New mints a fresh session id, the Go analogue of socket.io's per-
// connection sid.
func New() ID {
	return ID(uuid.NewString())
}

// conn pairs a websocket connection with the lock that serializes every
// write against it. gorilla/websocket requires that no more than one
// goroutine call a connection's write methods concurrently; here that
// means the connection's own read-loop goroutine (version-mismatch
// replies, pings) and the shared responder goroutine (task responses)
// must take turns.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Registry tracks the websocket connection backing each live session.
// Emitting to a ssid whose connection has gone away is a no-op — the
// computation still completes and its result is discarded for that ssid
// (spec.md §5 "Cancellation").
type Registry struct {
	mu    sync.RWMutex
	conns map[ID]*conn
}

// NewRegistry builds an empty session registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ID]*conn)}
}

// Add registers a newly connected session.
func (r *Registry) Add(id ID, ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &conn{ws: ws}
}

// Remove drops a disconnected session.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Emit sends a named event with payload to ssid's connection, if still
// live. It is safe to call after the session has disconnected. Callers
// from different goroutines (a connection's own read loop, the shared
// responder) serialize on the per-connection lock so frames never
// interleave on the wire.
func (r *Registry) Emit(id ID, event string, payload interface{}) error {
	c := r.lookup(id)
	if c == nil {
		return nil // disconnected: silently discarded, per spec.md §5
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(envelope{Event: event, Payload: payload})
}

// Ping sends a control-frame ping to ssid's connection, if still live,
// under the same per-connection lock Emit uses.
func (r *Registry) Ping(id ID, deadline time.Time) error {
	c := r.lookup(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (r *Registry) lookup(id ID) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Len reports the number of live sessions, exposed for metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}
