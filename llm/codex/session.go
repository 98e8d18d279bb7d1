package codex

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pihq/pi/llm"
)

// Transport names recorded on session state.
const (
	TransportWebsocket = "websocket"
	TransportSSE       = "sse"
)

// HandshakeMeta is server-provided routing metadata captured from one
// response and replayed on the next request for the same session.
type HandshakeMeta struct {
	TurnStateToken    string
	ModelsEtag        string
	ReasoningIncluded bool
}

// SessionState is the per-session mutable transport record. It is owned by
// the transport selector; the caller guarantees at most one in-flight turn
// per session, so mutations during a turn need no locking.
type SessionState struct {
	// LastTransport is "websocket", "sse", or "" before the first turn.
	LastTransport string

	// WebsocketDisabled is sticky: once set, no further websocket attempts
	// are made for this session.
	WebsocketDisabled bool

	// FallbackCount counts websocket-to-SSE fallbacks. Monotonic.
	FallbackCount int

	// Prewarmed reports that the websocket was opened ahead of the first turn.
	Prewarmed bool

	// CanAppend reports that the next websocket request may be framed as an
	// append to the ongoing turn.
	CanAppend bool

	handshake *HandshakeMeta

	conn *websocket.Conn

	// Append bookkeeping: the context of the last successful websocket turn.
	lastSystemPrompt string
	lastMessages     []llm.Message
	lastResponseID   string
}

// WebsocketConnected reports whether a live websocket handle exists.
func (s *SessionState) WebsocketConnected() bool {
	return s.conn != nil
}

// MarkUsed records the transport that produced the turn. Stale handshake
// metadata is cleared when the transport changed.
func (s *SessionState) MarkUsed(transport string) {
	if s.LastTransport != "" && s.LastTransport != transport {
		s.handshake = nil
	}

	s.LastTransport = transport
}

// DisableWebsocketSticky permanently disables websocket attempts for this
// session, closes any live handle, and bumps the fallback counter.
func (s *SessionState) DisableWebsocketSticky() {
	s.WebsocketDisabled = true
	s.FallbackCount++
	s.closeConn()
	s.ResetAppendState()
}

// CaptureHandshake stores metadata to be replayed on the next request.
func (s *SessionState) CaptureHandshake(meta HandshakeMeta) {
	if meta == (HandshakeMeta{}) {
		return
	}

	s.handshake = &meta
}

// ConsumeHandshakeForRequest returns the pending handshake metadata. The
// metadata stays pending until ClearHandshake is called, MarkUsed records a
// change of transport, or a later capture replaces it.
func (s *SessionState) ConsumeHandshakeForRequest() *HandshakeMeta {
	return s.handshake
}

// ClearHandshake drops the pending handshake metadata.
func (s *SessionState) ClearHandshake() {
	s.handshake = nil
}

// ResetAppendState forces the next websocket request to be a response.create.
func (s *SessionState) ResetAppendState() {
	s.CanAppend = false
	s.lastSystemPrompt = ""
	s.lastMessages = nil
	s.lastResponseID = ""
}

// closeConn closes and clears the live handle, if any.
func (s *SessionState) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// SessionRegistry maps session ids to their transport state. It is owned by
// the caller and passed per call; different sessions progress independently.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*SessionState
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*SessionState)}
}

// Get returns the state for the session, creating the default record on
// first access.
func (r *SessionRegistry) Get(sessionID string) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		state = &SessionState{}
		r.sessions[sessionID] = state
	}

	return state
}

// Remove destroys a session's state, closing any live handle.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.sessions[sessionID]; ok {
		state.closeConn()
		delete(r.sessions, sessionID)
	}
}
