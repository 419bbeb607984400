package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

const (
	serverName    = "WebRTC Signaling Server"
	serverVersion = "1.0.0"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Options carries the live components the HTTP surface reports on.
type Options struct {
	Metrics *metrics.Metrics
	// Stats reports room state for / and /metrics. Nil reports zeros.
	Stats func() signaling.Stats
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	origins origin.Policy
	metrics *metrics.Metrics
	stats   func() signaling.Stats
	turn    *turnrest.Generator
	turnErr error

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, opts Options) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		origins: cfg.OriginPolicy(),
		metrics: opts.Metrics,
		stats:   opts.Stats,
		mux:     http.NewServeMux(),
	}
	if s.stats == nil {
		s.stats = func() signaling.Stats { return signaling.Stats{} }
	}
	if cfg.TURNREST.Enabled() {
		s.turn, s.turnErr = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if s.turnErr != nil {
			logger.Error("turn_rest_disabled", "err", s.turnErr)
		}
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		s.originMiddleware(),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

// Info is the body of GET /.
type Info struct {
	Name             string        `json:"name"`
	Version          string        `json:"version"`
	Status           string        `json:"status"`
	Endpoints        InfoEndpoints `json:"endpoints"`
	Rooms            int           `json:"rooms"`
	TotalConnections int           `json:"totalConnections"`
}

type InfoEndpoints struct {
	WebSocket string `json:"websocket"`
	Info      string `json:"info"`
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		st := s.stats()
		WriteJSON(w, http.StatusOK, Info{
			Name:             serverName,
			Version:          serverVersion,
			Status:           "running",
			Endpoints:        InfoEndpoints{WebSocket: "/ws", Info: "/"},
			Rooms:            st.Rooms,
			TotalConnections: st.Members,
		})
	})

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /webrtc/ice", s.handleICE)

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics, func() map[string]int {
		st := s.stats()
		return map[string]int{
			"rooms":        st.Rooms,
			"room_members": st.Members,
			"sessions":     st.Sessions,
		}
	}))
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
