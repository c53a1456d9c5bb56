package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fruitsalade/lanshare/internal/protocol"
)

// Subscription is an open live-update connection.
type Subscription struct {
	conn     *websocket.Conn
	messages chan protocol.Message

	writeMu   sync.Mutex
	errMu     sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe opens the websocket live channel. The first message is the
// current files-list. The subscription ends when ctx is done or Close is
// called; Messages is closed then.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	s := &Subscription{
		conn:     conn,
		messages: make(chan protocol.Message, 16),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Messages delivers live messages in arrival order.
func (s *Subscription) Messages() <-chan protocol.Message { return s.messages }

// RequestFiles asks the daemon for a fresh files-list.
func (s *Subscription) RequestFiles() error {
	data, err := protocol.NewMessage(protocol.EventRequestFiles, nil)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Subscription) readLoop() {
	defer close(s.messages)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

// DecodeFiles extracts the file list from a files-list or files-updated
// message. It returns nil for an API delete notification.
func DecodeFiles(msg protocol.Message) ([]protocol.FileEntry, error) {
	switch msg.Event {
	case protocol.EventFilesList:
		var files []protocol.FileEntry
		err := json.Unmarshal(msg.Data, &files)
		return files, err
	case protocol.EventFilesUpdated:
		var u protocol.FilesUpdated
		err := json.Unmarshal(msg.Data, &u)
		return u.Files, err
	default:
		return nil, fmt.Errorf("unexpected event %q", msg.Event)
	}
}
