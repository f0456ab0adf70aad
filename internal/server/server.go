// Package server exposes editing sessions over HTTP. Images, masks and
// results are plain request/response endpoints; pointer gestures stream over
// a websocket so the surface sees them in order.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/menta2k/image-inpainter/internal/config"
	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/automask"
	"github.com/menta2k/image-inpainter/pkg/session"
	"github.com/menta2k/image-inpainter/pkg/surface"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// ErrTooManySessions is returned when the session limit is reached
var ErrTooManySessions = errors.New("too many sessions")

// SessionFactory creates an empty session
type SessionFactory func() *session.Controller

// Server routes requests to the sessions it owns
type Server struct {
	config     config.ServerConfig
	newSession SessionFactory
	files      http.Handler
	upgrader   websocket.Upgrader

	sessions map[string]*session.Controller
	mu       sync.RWMutex

	mux *http.ServeMux
}

// New creates a server. files serves stored artifacts under /files/ and may
// be nil.
func New(cfg config.ServerConfig, newSession SessionFactory, files http.Handler) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	s := &Server{
		config:     cfg,
		newSession: newSession,
		files:      files,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]*session.Controller),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/sessions", s.handleCreate)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.withSession(s.handleStatus))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	s.mux.HandleFunc("PUT /api/sessions/{id}/image", s.withSession(s.handleImage))
	s.mux.HandleFunc("POST /api/sessions/{id}/strokes", s.withSession(s.handleStroke))
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", s.withSession(s.handleResize))
	s.mux.HandleFunc("GET /api/sessions/{id}/mask.png", s.withSession(s.handleMask))
	s.mux.HandleFunc("GET /api/sessions/{id}/preview.png", s.withSession(s.handlePreview))
	s.mux.HandleFunc("GET /api/sessions/{id}/result.png", s.withSession(s.handleResult))
	s.mux.HandleFunc("POST /api/sessions/{id}/submit", s.withSession(s.handleSubmit))
	s.mux.HandleFunc("POST /api/sessions/{id}/clear", s.withSession(s.handleClear))
	s.mux.HandleFunc("POST /api/sessions/{id}/reset", s.withSession(s.handleReset))
	s.mux.HandleFunc("POST /api/sessions/{id}/autoselect", s.withSession(s.handleAutoSelect))
	s.mux.HandleFunc("POST /api/sessions/{id}/segment", s.withSession(s.handleSegment))
	s.mux.HandleFunc("GET /api/sessions/{id}/ws", s.withSession(s.handleWebsocket))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.files != nil {
		s.mux.Handle("/files/", http.StripPrefix("/files", s.files))
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and releases every session
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Logger().Info("server: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close releases all sessions
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.Close()
		delete(s.sessions, id)
	}
}

// Len returns the number of live sessions
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) add(sess *session.Controller) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		return "", ErrTooManySessions
	}
	id := uuid.NewString()
	s.sessions[id] = sess
	return id, nil
}

func (s *Server) get(id string) (*session.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) remove(id string) (*session.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Controller)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", r.PathValue("id")))
			return
		}
		h(w, r, sess)
	}
}

type createResponse struct {
	ID     string         `json:"id"`
	Status session.Status `json:"status"`
}

// handleCreate starts a session. An image in the body is loaded right away.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess := s.newSession()
	if len(data) > 0 {
		if err := sess.LoadImage(data); err != nil {
			sess.Close()
			writeError(w, statusFor(err), err)
			return
		}
	}

	id, err := s.add(sess)
	if err != nil {
		sess.Close()
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	logging.Logger().Info("server: session created", "id", id, "state", sess.State().String())
	writeJSON(w, http.StatusCreated, createResponse{ID: id, Status: sess.Status()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.remove(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", r.PathValue("id")))
		return
	}
	sess.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	data, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("request has no image"))
		return
	}
	if err := sess.LoadImage(data); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// handleStroke records a complete stroke given in display coordinates
func (s *Server) handleStroke(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	var stroke types.Stroke
	if err := decodeJSON(r, &stroke); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.Surface().AddStroke(stroke); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	var dims types.Dimensions
	if err := decodeJSON(r, &dims); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.Resize(dims); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	m, err := sess.Mask()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writePNG(w, m)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	img, err := sess.Surface().Render()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writePNG(w, img)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	img, err := sess.FetchResult(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writePNG(w, img)
}

type submitRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := sess.Submit(r.Context(), req.Prompt)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	if err := sess.ClearMask(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

type resetRequest struct {
	KeepImage bool `json:"keep_image"`
}

// handleReset drops the whole session, or only its mask with keep_image
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	if req.KeepImage {
		err = sess.ClearMask()
	} else {
		err = sess.Reset()
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

type autoSelectRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAutoSelect(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	var req autoSelectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	region, err := sess.AutoSelect(r.Context(), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

type segmentResponse struct {
	Strokes int            `json:"strokes"`
	Status  session.Status `json:"status"`
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	var req autoSelectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := sess.SegmentSelect(r.Context(), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, segmentResponse{Strokes: n, Status: sess.Status()})
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
			return nil, fmt.Errorf("failed to parse upload: %w", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("upload has no image field: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

// statusFor maps session errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, session.ErrEmptyMask):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNoImage),
		errors.Is(err, surface.ErrNotInitialized),
		errors.Is(err, surface.ErrDisposed):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoResult),
		errors.Is(err, automask.ErrNoRegion):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAutoSelectUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrStorageUnavailable),
		errors.Is(err, session.ErrInpaintingFailed),
		errors.Is(err, session.ErrSegmentationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger().Warn("server: failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.Logger().Warn("server: request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		logging.Logger().Warn("server: failed to encode png", "error", err)
	}
}
