// Package web serves the local control panel: the page, the MJPEG preview,
// the status stream and the toggles that drive the session.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dj-oyu/posture-guard/internal/history"
	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/session"
)

var log = logger.For("Web")

const maxOfferBytes = 64 << 10

// Controller is the session surface the panel drives.
type Controller interface {
	ToggleCamera(ctx context.Context) error
	StartOrCalibrate(ctx context.Context) error
	TogglePrivacy(ctx context.Context) error
	ToggleSkeleton(ctx context.Context) error
	Resize(ctx context.Context) error
	View() session.View
	Preview() session.Preview
}

// HistorySource lists journaled verdicts since a point in time.
type HistorySource interface {
	List(ctx context.Context, since time.Time) ([]history.Entry, error)
}

// Signaler answers WebRTC offers.
type Signaler interface {
	HandleOffer(ctx context.Context, offer []byte) ([]byte, error)
}

// Options wires optional collaborators into the server.
type Options struct {
	History HistorySource
	WebRTC  Signaler
	Metrics http.Handler
}

// Server serves the control panel endpoints.
type Server struct {
	cfg     Config
	ctl     Controller
	hub     *Hub
	preview *PreviewBroadcaster
	opts    Options
	now     func() time.Time
}

// NewServer returns a configured control panel server. The preview
// broadcaster is started; call Close to stop it.
func NewServer(cfg Config, ctl Controller, hub *Hub, opts Options) *Server {
	def := DefaultConfig()
	if cfg.PreviewInterval <= 0 {
		cfg.PreviewInterval = def.PreviewInterval
	}
	if cfg.PreviewQuality <= 0 {
		cfg.PreviewQuality = def.PreviewQuality
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.HistoryPageSpan <= 0 {
		cfg.HistoryPageSpan = def.HistoryPageSpan
	}
	if cfg.HistoryMinSpread <= 0 {
		cfg.HistoryMinSpread = def.HistoryMinSpread
	}

	preview := NewPreviewBroadcaster(ctl, cfg.PreviewInterval, cfg.PreviewMaxWidth, cfg.PreviewQuality)
	preview.Start()

	return &Server{
		cfg:     cfg,
		ctl:     ctl,
		hub:     hub,
		preview: preview,
		opts:    opts,
		now:     time.Now,
	}
}

// Preview exposes the MJPEG broadcaster.
func (s *Server) Preview() *PreviewBroadcaster { return s.preview }

// Close stops background work.
func (s *Server) Close() {
	s.preview.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logger.StdLogger("HTTP", logger.DEBUG),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/stream", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.handleStatusStream)
		r.Post("/camera/toggle", s.command(s.ctl.ToggleCamera))
		r.Post("/measure", s.command(s.ctl.StartOrCalibrate))
		r.Post("/privacy/toggle", s.command(s.ctl.TogglePrivacy))
		r.Post("/skeleton/toggle", s.command(s.ctl.ToggleSkeleton))
		r.Post("/resize", s.command(s.ctl.Resize))
		r.Get("/history", s.handleHistory)
		r.Post("/webrtc/offer", s.handleWebRTCOffer)
	})

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"camera_on": s.ctl.View().CameraOn,
		"timestamp": float64(s.now().Unix()),
	}
	if alert := s.hub.LastAlert(); alert != "" {
		resp["last_alert"] = alert
	}
	writeJSON(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctl.View())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.preview.Subscribe()
	defer s.preview.Unsubscribe(id)

	// Send one frame right away so the page is never blank.
	first, err := s.preview.Compose()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}
	streamMJPEG(r.Context(), w, first, frameCh, s.cfg.KeepAlive)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	streamEvents(r.Context(), w, eventCh, wantsProtobuf(r), s.cfg.KeepAlive)
}

// wantsProtobuf reports whether the client prefers protobuf payloads.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// command adapts a session operation into a POST handler that answers
// with the resulting view.
func (s *Server) command(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := op(r.Context())
		payload := map[string]any{"view": s.ctl.View()}
		if err != nil {
			payload["error"] = err.Error()
			writeJSONWithStatus(w, payload, commandStatus(err))
			return
		}
		writeJSON(w, payload)
	}
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrCameraOff):
		return http.StatusConflict
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSONWithStatus(w, map[string]any{"error": "history is disabled"}, http.StatusNotFound)
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid page"}, http.StatusBadRequest)
			return
		}
		page = n
	}

	entries, err := s.opts.History.List(r.Context(), s.now().Add(-s.cfg.HistoryWindow))
	if err != nil {
		log.Error("History query failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "history unavailable"}, http.StatusInternalServerError)
		return
	}

	pages := history.Paginate(entries, s.cfg.HistoryPageSpan, s.cfg.HistoryMinSpread)
	items, hasNext := history.Page(pages, page)
	writeJSON(w, map[string]any{
		"page":     page,
		"pages":    len(pages),
		"has_next": hasNext,
		"entries":  items,
	})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.opts.WebRTC.HandleOffer(r.Context(), body)
	if err != nil {
		log.Warn("WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
