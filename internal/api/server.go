// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/events"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/session"
	"github.com/fruitsalade/lanshare/internal/share"
	"github.com/fruitsalade/lanshare/internal/storage"
	"github.com/fruitsalade/lanshare/internal/upload"
	"github.com/fruitsalade/lanshare/internal/webdav"
)

const maxJSONBody = 64 << 10

// Options configures optional parts of the HTTP surface.
type Options struct {
	SessionBuffer int
	WebDAV        bool
	WebDir        string
	Version       string
}

// Server is the HTTP server.
type Server struct {
	share    *share.Share
	registry *session.Registry
	bus      *events.Bus
	ingestor *upload.Ingestor
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a new server.
func NewServer(sh *share.Share, registry *session.Registry, bus *events.Bus, ingestor *upload.Ingestor, opts Options) *Server {
	return &Server{
		share:    sh,
		registry: registry,
		bus:      bus,
		ingestor: ingestor,
		opts:     opts,
		upgrader: websocket.Upgrader{
			// Any device on the network may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with logging, metrics and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/download/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /api/files/{name}", s.handleDelete)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("POST /api/set-folder", s.handleSetFolder)

	// Live updates
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	if s.opts.WebDAV {
		dav := webdav.NewHandler(s.share, "/webdav", s.ingestor.MaxSize())
		mux.Handle("/webdav/", dav)
		mux.Handle("/webdav", dav)
	}

	// The UI is served from disk when configured. Registered without a
	// method so it does not conflict with the WebDAV subtree.
	if s.opts.WebDir != "" {
		logging.Info("serving web UI", zap.String("dir", s.opts.WebDir))
		files := http.FileServer(http.Dir(s.opts.WebDir))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			files.ServeHTTP(w, r)
		})
	}

	return logging.Middleware(metrics.Middleware(corsMiddleware(mux)))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.share.Snapshot(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("list files failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to read directory")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Resolved once: a concurrent set-folder does not move this upload.
	dir := s.share.Current()

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	results, err := s.ingestor.Ingest(r.Context(), dir, upload.NewMultipartSource(mr))
	if len(results) > 0 {
		s.publish(events.Trigger{Kind: protocol.ChangeUpload})
	}
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "failed to store upload: " + err.Error()
		}
		s.sendError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, protocol.UploadResponse{
		Success: true,
		Message: fmt.Sprintf("%d file(s) uploaded successfully", len(results)),
		Files:   results,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	f, info, err := s.share.Current().OpenFile(name)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name()}))
	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, info.Name(), info.ModTime(), f)
	metrics.RecordDownload(cw.n, cw.status < http.StatusBadRequest)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.share.Current().Remove(name, s.share); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logging.WithContext(r.Context()).Error("delete failed", zap.String("name", name), zap.Error(err))
		}
		s.sendError(w, status, err.Error())
		return
	}

	logging.WithContext(r.Context()).Info("file deleted", zap.String("name", name))
	s.publish(events.Trigger{Kind: protocol.ChangeDelete, Filename: name})

	writeJSON(w, http.StatusOK, protocol.DeleteResponse{
		Success: true,
		Message: "File deleted successfully",
	})
}

// ─── Share ──────────────────────────────────────────────────────────────────

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.InfoResponse{
		SharedFolder:     s.share.Current().Root(),
		ConnectedClients: s.registry.Count(),
		ServerTime:       time.Now().UTC(),
		Version:          s.opts.Version,
	})
}

func (s *Server) handleSetFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.SetFolderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FolderPath == "" {
		s.sendError(w, http.StatusBadRequest, "folderPath is required")
		return
	}

	dir, err := s.share.Retarget(req.FolderPath)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.publish(events.Trigger{Kind: protocol.ChangeChange})

	writeJSON(w, http.StatusOK, protocol.SetFolderResponse{
		Success:      true,
		SharedFolder: dir.Root(),
	})
}

// publish hands a change to the bus. Delivery problems never fail the
// request that caused the change.
func (s *Server) publish(t events.Trigger) {
	if err := s.bus.Publish(t); err != nil {
		logging.Warn("change not announced", zap.String("type", t.Kind), zap.Error(err))
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrIsDirectory):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, upload.ErrNoFiles),
		errors.Is(err, upload.ErrMalformed),
		errors.Is(err, share.ErrInvalidFolder):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware lets browser UIs served from other origins call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// countingWriter records bytes and status of a download.
type countingWriter struct {
	http.ResponseWriter
	n      int64
	status int
}

func (cw *countingWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	n, err := cw.ResponseWriter.Write(b)
	cw.n += int64(n)
	return n, err
}
