// Package transport owns the WebSocket connection to the agent backend: one
// connection per active task, opened on demand and never reconnected
// automatically. Inbound frames are dispatched in arrival order from a
// single reader goroutine, so ordering is the connection's guarantee and no
// deduplication happens at this layer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send when the session is not open. The
// caller decides whether to re-open before the next send.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state of a Session.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// FrameHandler receives each inbound frame exactly once, in arrival order.
type FrameHandler func(frame []byte)

// StateHandler is notified on connection state changes. A failed Open
// produces exactly one StateClosed notification.
type StateHandler func(state State)

// Session is one bidirectional message stream to a task endpoint. It is safe
// for concurrent Send/Close; frames are read by a single internal goroutine.
type Session struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	onFrame FrameHandler
	onState StateHandler

	wg sync.WaitGroup
}

// NewSession creates a closed Session targeting the given ws:// or wss://
// endpoint. Call Open before the first Send.
func NewSession(url string) *Session {
	return &Session{
		url:    url,
		dialer: websocket.DefaultDialer,
		state:  StateClosed,
	}
}

// OnFrame registers the inbound frame handler. Must be set before Open.
func (s *Session) OnFrame(fn FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// OnStateChange registers the state change handler.
func (s *Session) OnStateChange(fn StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the endpoint and starts the read loop. Opening an already-open
// session is a no-op. On failure the session is left closed and the state
// handler is notified once.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateClosed)
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.setStateLocked(StateOpen)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// Send marshals v to JSON and writes it as one frame. Fails with
// ErrNotConnected unless the session is open.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.conn == nil {
		return ErrNotConnected
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the connection down. Always succeeds and is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	wasClosed := s.state == StateClosed
	if !wasClosed {
		s.setStateLocked(StateClosed)
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			// Close() already transitioned and nilled the conn; only an
			// unexpected remote close transitions here.
			if s.conn == conn {
				s.conn = nil
				s.setStateLocked(StateClosed)
				slog.Debug("connection closed by peer", "url", s.url, "error", err)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		handler := s.onFrame
		s.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// setStateLocked updates the state and notifies the handler. Caller must
// hold s.mu; the handler runs on its own goroutine so it may call back into
// the session.
func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		fn := s.onState
		go fn(state)
	}
}
