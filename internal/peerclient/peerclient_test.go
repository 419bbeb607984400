package peerclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ctx context.Context, wsURL string) *Client {
	t.Helper()
	c, err := Dial(ctx, wsURL, DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_JoinAndRoomFull(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := startRelay(t)

	a := dial(t, ctx, wsURL)
	b := dial(t, ctx, wsURL)
	c := dial(t, ctx, wsURL)

	if err := a.Join("room1", "a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	msg, err := a.Expect(ctx, signaling.TypeJoined)
	if err != nil {
		t.Fatalf("expect joined: %v", err)
	}
	if msg.RoomSize != 1 {
		t.Fatalf("roomSize=%d, want 1", msg.RoomSize)
	}

	if err := b.Join("room1", "b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := b.Expect(ctx, signaling.TypeJoined); err != nil {
		t.Fatalf("expect joined: %v", err)
	}

	if err := c.Join("room1", "c"); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err = c.Expect(ctx, signaling.TypeJoined)
	var relayErr *RelayError
	if !errors.As(err, &relayErr) || relayErr.Code != signaling.CodeRoomFull {
		t.Fatalf("err=%v, want room_full relay error", err)
	}

	if err := a.Leave(""); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := a.Expect(ctx, signaling.TypePeerJoined); err != nil {
		t.Fatalf("expect peer-joined: %v", err)
	}
	if _, err := a.Expect(ctx, signaling.TypeReady); err != nil {
		t.Fatalf("expect ready: %v", err)
	}
	left, err := a.Expect(ctx, signaling.TypeLeft)
	if err != nil {
		t.Fatalf("expect left: %v", err)
	}
	if left.RoomID != "room1" {
		t.Fatalf("left roomId=%q, want room1", left.RoomID)
	}
}

func TestClient_NextAfterCloseReportsClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := startRelay(t)

	c := dial(t, ctx, wsURL)
	_ = c.Close()
	if _, err := c.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func TestPeer_DataChannelThroughRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	wsURL := startRelay(t)
	netA, netB := newVNetPair(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	clientA := dial(t, ctx, wsURL)
	clientB := dial(t, ctx, wsURL)

	peerA, err := NewPeer(clientA, "call", PeerConfig{
		API:       NewAPI(APIOptions{Logger: logger, Net: netA}),
		Initiator: true,
	})
	if err != nil {
		t.Fatalf("new peer A: %v", err)
	}
	t.Cleanup(func() { _ = peerA.Close() })
	peerB, err := NewPeer(clientB, "call", PeerConfig{
		API: NewAPI(APIOptions{Logger: logger, Net: netB}),
	})
	if err != nil {
		t.Fatalf("new peer B: %v", err)
	}
	t.Cleanup(func() { _ = peerB.Close() })

	dcA, err := peerA.PeerConnection().CreateDataChannel("probe", nil)
	if err != nil {
		t.Fatalf("create datachannel: %v", err)
	}
	received := make(chan string, 1)
	peerB.PeerConnection().OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case received <- string(msg.Data):
			default:
			}
		})
	})
	dcA.OnOpen(func() {
		_ = dcA.SendText("hello through the relay")
	})

	if err := clientA.Join("call", "a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := clientA.Expect(ctx, signaling.TypeJoined); err != nil {
		t.Fatalf("expect joined: %v", err)
	}
	if err := clientB.Join("call", "b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := clientB.Expect(ctx, signaling.TypeJoined); err != nil {
		t.Fatalf("expect joined: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	errs := make(chan error, 2)
	go func() { errs <- peerA.Run(runCtx) }()
	go func() { errs <- peerB.Run(runCtx) }()

	select {
	case got := <-received:
		if got != "hello through the relay" {
			t.Fatalf("received=%q", got)
		}
	case err := <-errs:
		t.Fatalf("peer stopped early: %v", err)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for datachannel message")
	}

	stop()
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v, want context.Canceled", err)
		}
	}
}

func TestPeer_RunReturnsWhenPeerLeaves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := startRelay(t)

	clientA := dial(t, ctx, wsURL)
	clientB := dial(t, ctx, wsURL)

	peerA, err := NewPeer(clientA, "room", PeerConfig{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = peerA.Close() })

	if err := clientA.Join("room", "a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := clientB.Join("room", "b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := clientB.Expect(ctx, signaling.TypeJoined); err != nil {
		t.Fatalf("expect joined: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- peerA.Run(ctx) }()

	_ = clientB.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPeerLeft) {
			t.Fatalf("err=%v, want ErrPeerLeft", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for Run to return")
	}
}
