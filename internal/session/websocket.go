package session

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSSession is a live session over a websocket connection.
type WSSession struct {
	conn *websocket.Conn
	out  *outbox
	done chan struct{}
}

// NewWSSession wraps an upgraded connection. buffer bounds the number of
// frames queued for a slow reader.
func NewWSSession(conn *websocket.Conn, buffer int) *WSSession {
	return &WSSession{
		conn: conn,
		out:  newOutbox(buffer),
		done: make(chan struct{}),
	}
}

func (s *WSSession) Transport() string { return TransportWebSocket }

func (s *WSSession) Send(f Frame) bool { return s.out.send(f) }

// Close stops the session; the write pump closes the connection.
func (s *WSSession) Close() { s.out.close() }

// Done is closed once the connection has been torn down.
func (s *WSSession) Done() <-chan struct{} { return s.done }

// Serve pumps frames to the client and messages from it until either side
// goes away. onMessage is called for every well-formed client message.
func (s *WSSession) Serve(onMessage func(protocol.Message)) {
	go s.writePump()
	s.readPump(onMessage)
	s.Close()
	<-s.done
}

func (s *WSSession) readPump(onMessage func(protocol.Message)) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			logging.Debug("ignoring malformed websocket message", zap.Int("bytes", len(data)))
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case <-s.out.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case f := <-s.out.frames:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, f.Payload); err != nil {
				logging.Debug("websocket write failed", zap.String("event", f.Event), zap.Error(err))
				s.out.close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.out.close()
				return
			}
		}
	}
}
