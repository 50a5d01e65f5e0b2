package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeWait      = 10 * time.Second
	closeWriteWait = time.Second
	// control frame payloads are capped at 125 bytes, two of which carry the code
	maxCloseReasonBytes = 123
)

// socketSession is one admitted broadcaster socket. Data frames are written only by the
// read goroutine; Close may be called from any goroutine.
type socketSession struct {
	conn *websocket.Conn
	ip   string

	apiKey        string
	authenticated atomic.Bool
	closed        atomic.Bool

	closeOnce   sync.Once
	releaseOnce sync.Once

	timerMu   sync.Mutex
	authTimer clockwork.Timer
}

func newSocketSession(conn *websocket.Conn, ip string) *socketSession {
	return &socketSession{conn: conn, ip: ip}
}

// Close sends a close frame with code and reason, then drops the connection. Later calls are no-ops.
func (s *socketSession) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if len(reason) > maxCloseReasonBytes {
			reason = reason[:maxCloseReasonBytes]
		}
		message := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteWait))
		_ = s.conn.Close()
	})
}

func (s *socketSession) isClosed() bool {
	return s.closed.Load()
}

func (s *socketSession) send(message outboundMessage) error {
	if s.isClosed() {
		return websocket.ErrCloseSent
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(message)
}

func (s *socketSession) armAuthTimer(clock clockwork.Clock, timeout time.Duration, expire func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.authTimer = clock.AfterFunc(timeout, expire)
}

func (s *socketSession) stopAuthTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}
