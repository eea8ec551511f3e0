package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/e2ekit/internal/validation"
	"github.com/rendis/e2ekit/pkg/schema"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP tracking channel. It keeps reported resources in memory,
// keyed by session id, de-duplicated by (type, id).
type Server struct {
	validator *validation.Validator
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string][]schema.TrackedResource
	seen     map[string]map[string]bool

	srv *http.Server
	url string
}

// NewServer creates an unstarted tracking server.
func NewServer(v *validation.Validator, logger *slog.Logger) *Server {
	if v == nil {
		v = validation.MustNew()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		validator: v,
		logger:    logger,
		sessions:  make(map[string][]schema.TrackedResource),
		seen:      make(map[string]map[string]bool),
	}
}

// Handler returns the tracking routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/track", s.handleTrack)
	r.Get("/resources/{sessionId}", s.handleResources)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return r
}

// Start binds an ephemeral port on the loopback interface and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for tracking: %w", err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.url = "http://" + ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("tracking server stopped", "error", err)
		}
	}()
	s.logger.Debug("tracking server listening", "url", s.url)
	return nil
}

// URL is the base URL, "" before Start.
func (s *Server) URL() string { return s.url }

// Stop shuts the listener down. Safe to call when not started.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Resources returns what has been reported for sessionID, in arrival order.
func (s *Server) Resources(sessionID string) []schema.TrackedResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.TrackedResource, len(s.sessions[sessionID]))
	copy(out, s.sessions[sessionID])
	return out
}

func (s *Server) record(sessionID string, res schema.TrackedResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[sessionID] == nil {
		s.seen[sessionID] = make(map[string]bool)
	}
	if s.seen[sessionID][res.Key()] {
		return
	}
	s.seen[sessionID][res.Key()] = true
	s.sessions[sessionID] = append(s.sessions[sessionID], res)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.validator.ValidateBytes(validation.SchemaTrackBody, raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var obj map[string]any
	if err := decodeObject(raw, &obj); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	sessionID, res, err := decodeReport(obj)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	s.record(sessionID, res)
	s.logger.Debug("resource reported", "session_id", sessionID, "resource", res.Key())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	writeJSON(w, http.StatusOK, map[string]any{"resources": s.Resources(sessionID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
