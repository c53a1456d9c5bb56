package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/session"
)

// ─── Live updates ───────────────────────────────────────────────────────────

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.WithContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := session.NewWSSession(conn, s.opts.SessionBuffer)
	id := s.attach(sess, r)
	defer s.detach(id, sess)

	sess.Serve(func(msg protocol.Message) {
		switch msg.Event {
		case protocol.EventRequestFiles:
			if err := s.bus.Sync(id); err != nil {
				sess.Close()
			}
		default:
			log.Debug("unknown live message", zap.String("event", msg.Event))
		}
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess := session.NewSSESession(s.opts.SessionBuffer)
	id := s.attach(sess, r)
	defer s.detach(id, sess)

	if err := sess.Serve(r.Context(), w); err != nil {
		logging.WithContext(r.Context()).Debug("event stream ended", zap.String("session_id", id), zap.Error(err))
	}
}

// attach registers a session and queues its initial files-list. The session
// is registered first so no broadcast accepted after the sync is missed.
func (s *Server) attach(sess session.Session, r *http.Request) string {
	id := s.registry.Register(sess)
	logging.WithContext(r.Context()).Info("live session connected",
		zap.String("session_id", id),
		zap.String("transport", sess.Transport()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("sessions", s.registry.Count()))

	if err := s.bus.Sync(id); err != nil {
		sess.Close()
	}
	return id
}

func (s *Server) detach(id string, sess session.Session) {
	s.registry.Unregister(id)
	sess.Close()
	logging.Info("live session disconnected",
		zap.String("session_id", id),
		zap.String("transport", sess.Transport()),
		zap.Int("sessions", s.registry.Count()))
}
