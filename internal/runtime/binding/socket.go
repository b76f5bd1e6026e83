package binding

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/logging"
)

// socket owns one WebSocket: a bounded send buffer drained by a single
// writer goroutine, keepalive pings and an idempotent close.
type socket struct {
	ws     *websocket.Conn
	logger logging.ServiceLogger

	send chan []byte
	done chan struct{}

	writeTimeout time.Duration
	pingInterval time.Duration
	// pingFrame is sent as a text frame on every ping tick. Nil sends a
	// WebSocket ping control frame.
	pingFrame []byte

	closeOnce sync.Once
}

func newSocket(ws *websocket.Conn, buffer int, logger logging.ServiceLogger) *socket {
	return &socket{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// enqueue hands a text frame to the writer. A full buffer marks the peer as
// a slow consumer and closes the socket.
func (s *socket) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return errspkg.ErrConnectionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return errspkg.ErrConnectionClosed
	default:
		s.logger.Warn("Send buffer full; closing slow connection", logging.LogFields{"buffer": cap(s.send)})
		go s.close()
		return errspkg.ErrSendBufferFull
	}
}

func (s *socket) open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// writeLoop drains the send buffer until the socket closes.
func (s *socket) writeLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			s.flush()
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("Write failed", logging.LogFields{"error": err.Error()})
				return
			}
		case <-ticker.C:
			var err error
			if s.pingFrame != nil {
				err = s.write(websocket.TextMessage, s.pingFrame)
			} else {
				err = s.write(websocket.PingMessage, nil)
			}
			if err != nil {
				return
			}
		}
	}
}

// flush writes the frames still buffered when the socket closes, so a
// final error or disconnect packet reaches the peer.
func (s *socket) flush() {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *socket) write(kind int, data []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(kind, data)
}

// close signals the writer, which sends the close frame. The underlying
// connection is closed after the write timeout so a reader waiting on a
// silent peer returns.
func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		time.AfterFunc(s.writeTimeout, func() { _ = s.ws.Close() })
	})
}
