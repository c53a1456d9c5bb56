package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const sseKeepAlive = 30 * time.Second

// SSESession is a receive-only live session over Server-Sent Events.
type SSESession struct {
	out *outbox
}

// NewSSESession creates a session whose queue holds up to buffer frames.
func NewSSESession(buffer int) *SSESession {
	return &SSESession{out: newOutbox(buffer)}
}

func (s *SSESession) Transport() string { return TransportSSE }

func (s *SSESession) Send(f Frame) bool { return s.out.send(f) }

func (s *SSESession) Close() { s.out.close() }

// Serve streams frames to w until ctx is done or the session is closed.
// Response headers must already be written.
func (s *SSESession) Serve(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming not supported")
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.out.closed:
			return nil
		case f := <-s.out.frames:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Payload); err != nil {
				return err
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
