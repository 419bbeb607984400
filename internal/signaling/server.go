package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
)

const (
	DefaultMaxMessageBytes      int64 = 64 * 1024
	DefaultMessagesPerSecond          = 50
	DefaultSendQueueLength            = 64
	DefaultWSIdleTimeout              = 60 * time.Second
	DefaultWSPingInterval             = 20 * time.Second
	defaultUpgradeBufferSizeKiB       = 4
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Registry holds room state. If nil, NewServer creates one with MaxRooms.
	Registry *Registry
	MaxRooms int

	// Origins is the browser origin policy applied to the WebSocket upgrade.
	Origins origin.Policy

	// MaxConnections caps concurrently open WebSockets. 0 means unlimited.
	MaxConnections int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueLength               int

	// Clock drives the per-connection rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

// Server serves GET /ws.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	pending int
	closing bool
	wg      sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = DefaultMessagesPerSecond
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = DefaultSendQueueLength
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry(RegistryOptions{MaxRooms: cfg.MaxRooms, Logger: logger, Metrics: cfg.Metrics})
	}

	s := &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  cfg.Metrics,
		registry: reg,
		conns:    make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  defaultUpgradeBufferSizeKiB * 1024,
		WriteBufferSize: defaultUpgradeBufferSizeKiB * 1024,
		CheckOrigin: func(r *http.Request) bool {
			_, ok := cfg.Origins.Check(r)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Registry() *Registry { return s.registry }

// Connections returns the number of open WebSockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close sends a going-away close frame to every connection and waits for
// their handlers to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.registry.Close()
	s.wg.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket upgrade", http.StatusUpgradeRequired)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if reason, ok := s.admit(); !ok {
		s.metrics.Inc(metrics.ConnectionsRefused)
		s.log.Warn("signaling_connection_refused", "remote_addr", r.RemoteAddr, "reason", reason)
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("signaling_upgrade_failed", "remote_addr", r.RemoteAddr, "err", err)
		s.release(nil)
		return
	}

	wc := newWSConn(conn, s.cfg.SendQueueLength, s.cfg.SignalingWSPingInterval)
	s.track(wc)
	defer s.release(wc)

	go wc.writeLoop()
	unread := s.serve(conn, wc, r.RemoteAddr)
	wc.wait()
	if unread {
		// Discard the rest of the oversized frame so closing the socket does
		// not reset the connection before the client reads the close frame.
		nc := conn.NetConn()
		_ = nc.SetReadDeadline(time.Now().Add(wsWriteWait))
		_, _ = io.Copy(io.Discard, nc)
	}
	_ = conn.Close()
}

// admit reserves a connection slot; the caller must release it.
func (s *Server) admit() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return "server shutting down", false
	}
	if s.cfg.MaxConnections > 0 && len(s.conns)+s.pending >= s.cfg.MaxConnections {
		return "too many connections", false
	}
	s.wg.Add(1)
	s.pending++
	return "", true
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.pending--
	s.conns[c] = struct{}{}
	closing := s.closing
	s.mu.Unlock()
	if closing {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) release(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		s.pending--
		return
	}
	delete(s.conns, c)
}

// serve reads frames until the connection fails or is closed, dispatching each
// text frame to the registry. It reports whether the client may still have
// unread bytes in flight.
func (s *Server) serve(conn *websocket.Conn, wc *wsConn, remoteAddr string) bool {
	sess := s.registry.Open(wc, remoteAddr)
	defer s.registry.Disconnect(sess)

	limiter := ratelimit.NewTokenBucket(
		s.cfg.Clock,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond),
	)

	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	idle := s.cfg.SignalingWSIdleTimeout
	extend := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return s.readFailed(wc, sess, err)
		}
		extend()

		// Rate limiting applies after the read so the frame is consumed either way.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			s.registry.ReplyError(sess, errRateLimited)
			continue
		}
		if msgType != websocket.TextMessage {
			s.registry.ReplyError(sess, errTextOnly)
			continue
		}

		req, err := ParseRequest(data)
		if err != nil {
			if errors.Is(err, ErrInvalidJSON) {
				s.metrics.Inc(metrics.InvalidJSON)
			}
			s.registry.ReplyError(sess, err)
			continue
		}
		s.registry.Handle(sess, req)
	}
}

func (s *Server) readFailed(wc *wsConn, sess *Session, err error) bool {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Info("signaling_message_too_big", "conn_id", sess.ID(), "limit", s.cfg.MaxSignalingMessageBytes)
		wc.closeWith(websocket.CloseMessageTooBig, "message too big")
		return true
	case isTimeout(err):
		s.log.Debug("signaling_idle_timeout", "conn_id", sess.ID())
		wc.closeWith(websocket.CloseNormalClosure, "idle timeout")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		wc.Close()
	default:
		s.log.Debug("signaling_read_failed", "conn_id", sess.ID(), "err", err)
		wc.closeWith(websocket.CloseAbnormalClosure, "")
	}
	return false
}
