package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second
	// pingPeriod is the server heartbeat cadence; a session closes after
	// maxMissedPings consecutive unacknowledged pings.
	pingPeriod     = 30 * time.Second
	maxMissedPings = 2
	maxMessageSize = 1 << 20

	// sendWindow bounds undispatched outbound frames. When full, the
	// oldest queued frame is dropped; the tick loop never blocks on a
	// slow reader.
	sendWindow = 32
)

// session wraps one WebSocket connection with a bounded send window, the
// heartbeat, and a cancellation root covering every task the connection
// owns.
type session struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	missedPings int
	closeReason string
	closedOnce  sync.Once

	onDrop func()
}

func newSession(parent context.Context, conn *websocket.Conn, log zerolog.Logger, onDrop func()) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		conn:   conn,
		send:   make(chan []byte, sendWindow),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		onDrop: onDrop,
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.missedPings = 0
		s.mu.Unlock()
		return nil
	})
	return s
}

// enqueue queues a frame, dropping the oldest undispatched one when the
// window is full.
func (s *session) enqueue(f ServerFrame) {
	raw, err := json.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal frame")
		return
	}
	for {
		select {
		case s.send <- raw:
			return
		default:
			select {
			case <-s.send:
				if s.onDrop != nil {
					s.onDrop()
				}
			default:
			}
		}
	}
}

// writePump owns the connection for writing: queued frames plus heartbeat
// pings. It exits when the session context is cancelled or the heartbeat
// dies.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.closeWith("write-failed")
				return
			}
		case <-ticker.C:
			s.mu.Lock()
			s.missedPings++
			missed := s.missedPings
			s.mu.Unlock()
			if missed > maxMissedPings {
				s.closeWith("heartbeat-timeout")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith("write-failed")
				return
			}
		case <-s.ctx.Done():
			s.sendClose()
			return
		}
	}
}

// readFrame blocks for the next client frame. Malformed JSON returns a nil
// frame with ok=true so callers can reply with an error frame and continue.
func (s *session) readFrame() (*ClientFrame, bool) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		s.closeWith("client-closed")
		return nil, false
	}
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, true
	}
	return &f, true
}

// closeWith records the close reason and cancels every task the session
// owns. Tick loops observe the cancellation within one cadence interval.
func (s *session) closeWith(reason string) {
	s.closedOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
	})
	s.cancel()
}

func (s *session) sendClose() {
	s.mu.Lock()
	reason := s.closeReason
	s.mu.Unlock()
	if reason == "" {
		reason = "shutting-down"
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
