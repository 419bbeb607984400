package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, opts Options) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

// startRelay mounts a signaling server on the HTTP surface the way the binary does.
func startRelay(t *testing.T, cfg config.Config, m *metrics.Metrics) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sig := signaling.NewServer(signaling.Config{Logger: log, Metrics: m, Origins: cfg.OriginPolicy()})
	srv := New(cfg, log, BuildInfo{}, Options{Metrics: m, Stats: sig.Registry().Stats})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		sig.Close()
		<-errCh
	})
	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d, want %d", resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Options{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		getJSON(t, baseURL+"/healthz", http.StatusOK, &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, baseURL+"/readyz", http.StatusOK, nil)
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		getJSON(t, baseURL+"/version", http.StatusOK, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/healthz", http.StatusOK, nil)
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})
}

func TestInfoEndpoint(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Options{
		Stats: func() signaling.Stats { return signaling.Stats{Rooms: 2, Members: 3, Sessions: 5} },
	})

	var info Info
	getJSON(t, baseURL+"/", http.StatusOK, &info)
	want := Info{
		Name:             "WebRTC Signaling Server",
		Version:          "1.0.0",
		Status:           "running",
		Endpoints:        InfoEndpoints{WebSocket: "/ws", Info: "/"},
		Rooms:            2,
		TotalConnections: 3,
	}
	if info != want {
		t.Fatalf("info=%+v, want %+v", info, want)
	}

	getJSON(t, baseURL+"/nope", http.StatusNotFound, nil)
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, Options{})

	req, err := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Fatalf("Access-Control-Allow-Methods=%q", got)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, Options{})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
		ExpiresAt  *time.Time       `json:"expiresAt"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", http.StatusOK, &payload)
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ExpiresAt != nil {
		t.Fatalf("expiresAt=%v, want omitted without TURN REST", payload.ExpiresAt)
	}
}

func TestICEEndpoint_EmptyListEncodesAsArray(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Options{})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty array", body)
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 600, UsernamePrefix: "aero"}
	baseURL := startTestServer(t, cfg, Options{})

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	getJSON(t, baseURL+"/webrtc/ice", http.StatusOK, &payload)

	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%d, want 2", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got username %q", payload.ICEServers[0].Username)
	}
	turn := payload.ICEServers[1]
	parts := strings.Split(turn.Username, ":")
	if len(parts) != 3 || parts[1] != "aero" {
		t.Fatalf("username=%q, want <expiry>:aero:<id>", turn.Username)
	}
	if want := turnrest.Sign([]byte("s3cret"), turn.Username); turn.Credential != want {
		t.Fatalf("credential=%q, want %q", turn.Credential, want)
	}
	if payload.ExpiresAt == nil || time.Until(*payload.ExpiresAt) <= 0 {
		t.Fatalf("expiresAt=%v, want future", payload.ExpiresAt)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg, Options{})

	req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Options{})
	getJSON(t, baseURL+"/readyz", http.StatusServiceUnavailable, nil)
	getJSON(t, baseURL+"/webrtc/ice", http.StatusServiceUnavailable, nil)
}

func TestSignalingThroughMiddleware(t *testing.T) {
	m := metrics.New()
	baseURL := startRelay(t, testConfig(), m)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	dial := func() *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	read := func(c *websocket.Conn) map[string]any {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := c.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	a := dial()
	b := dial()
	if err := a.WriteJSON(map[string]any{"type": "join", "roomId": "r1", "peerId": "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := read(a); msg["type"] != "joined" {
		t.Fatalf("msg=%v, want joined", msg)
	}
	if err := b.WriteJSON(map[string]any{"type": "join", "roomId": "r1", "peerId": "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := read(b); msg["type"] != "joined" {
		t.Fatalf("msg=%v, want joined", msg)
	}

	var info Info
	getJSON(t, baseURL+"/", http.StatusOK, &info)
	if info.Rooms != 1 || info.TotalConnections != 2 {
		t.Fatalf("info=%+v, want 1 room 2 connections", info)
	}

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`aero_webrtc_signaling_relay_events_total{event="join_accepted"} 2`,
		`aero_webrtc_signaling_relay_rooms 1`,
		`aero_webrtc_signaling_relay_room_members 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	resp2, err := http.Get(baseURL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status=%d, want 426", resp2.StatusCode)
	}
}
