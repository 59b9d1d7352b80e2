// Package statsapi implements the control-surface HTTP server
// described in spec.md §6: a stats endpoint plus reconfigure and
// gaming-mode-change endpoints, so an external UI or automation can
// observe and steer a running session without a dedicated protocol.
// Grounded on the teacher's pkg/api/server.go: the same
// ServeMux-plus-CORS-plus-logging-middleware shape and graceful
// Start/Stop-with-timeouts discipline, stripped of its Cloudflare
// session-proxy endpoints and embedded web viewer in favor of the
// three JSON endpoints this domain needs.
package statsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/session"
)

// Server exposes one Session's stats and control surface over HTTP.
type Server struct {
	sess       *session.Session
	log        *logger.Logger
	httpServer *http.Server
}

// NewServer constructs a control-surface server for sess.
func NewServer(sess *session.Session, log *logger.Logger) *Server {
	return &Server{sess: sess, log: log}
}

// Start begins serving on addr. Like the teacher's server, it returns
// once the listener is up (or reports an immediate bind failure)
// rather than blocking for the server's lifetime.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/reconfigure", s.handleReconfigure)
	mux.HandleFunc("/api/gaming-mode", s.handleGamingMode)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("stats api server error", "error", err)
			}
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statsResponse is the union of host and viewer counters; only the
// fields matching the session's role are populated.
type statsResponse struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	State     string `json:"state"`

	FramesSent       uint64  `json:"framesSent,omitempty"`
	BytesSent        uint64  `json:"bytesSent,omitempty"`
	AudioPacketsSent uint64  `json:"audioPacketsSent,omitempty"`
	Paused           bool    `json:"paused,omitempty"`
	Width            int     `json:"width,omitempty"`
	Height           int     `json:"height,omitempty"`
	FPS              int     `json:"fps,omitempty"`
	BitrateKbps      int     `json:"bitrateKbps,omitempty"`
	FECRatio         float64 `json:"fecRatio,omitempty"`

	FramesDecoded   uint64 `json:"framesDecoded,omitempty"`
	FramesRendered  uint64 `json:"framesRendered,omitempty"`
	FramesRecovered uint64 `json:"framesRecovered,omitempty"`
	AudioPackets    uint64 `json:"audioPackets,omitempty"`
	ConcealedFrames uint64 `json:"concealedFrames,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statsResponse{SessionID: s.sess.ID(), State: s.sess.State().String()}

	if hs, ok := s.sess.HostStats(); ok {
		resp.Role = "host"
		resp.FramesSent = hs.FramesSent
		resp.BytesSent = hs.BytesSent
		resp.AudioPacketsSent = hs.AudioPacketsSent
		resp.Paused = hs.Paused
		resp.Width = hs.Width
		resp.Height = hs.Height
		resp.FPS = hs.FPS
		resp.BitrateKbps = hs.BitrateKbps
		resp.FECRatio = hs.FECRatio
	} else if vs, ok := s.sess.ViewerStats(); ok {
		resp.Role = "viewer"
		resp.FramesDecoded = vs.FramesDecoded
		resp.FramesRendered = vs.FramesRendered
		resp.FramesRecovered = vs.FramesRecovered
		resp.AudioPackets = vs.AudioPackets
		resp.ConcealedFrames = vs.ConcealedFrames
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil && s.log != nil {
		s.log.Error("failed to encode stats response", "error", err)
	}
}

type reconfigureRequest struct {
	BitrateKbps uint32 `json:"bitrateKbps"`
	FPS         int    `json:"fps"`
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reconfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.sess.Reconfigure(req.BitrateKbps, req.FPS); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type gamingModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleGamingMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gamingModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.sess.SetGamingMode(qos.ParseGamingMode(req.Mode)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.log == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.DebugWireEvent("stats api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
