package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/peerclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

const probeLabel = "aero-probe"

// errProbeDone stops the probe's errgroup once the echo came back.
var errProbeDone = errors.New("probe complete")

type probeConfig struct {
	RoomID string
	// UseRelayICE fetches ICE servers from the relay's /webrtc/ice.
	UseRelayICE bool
	// Offerer and Answerer override the pion APIs used by the two peers.
	Offerer  *webrtc.API
	Answerer *webrtc.API
	Logger   *slog.Logger
}

type probeResult struct {
	RoomID     string
	WSURL      string
	ICEServers int
	Joined     time.Duration
	Connected  time.Duration
	RTT        time.Duration
}

func newProbeCmd(root *rootOptions) *cobra.Command {
	cfg := probeConfig{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect two in-process WebRTC peers through the relay and echo over a data channel",
		Long: `probe joins two pion peers to a fresh room, lets the relay carry their
offer, answer and ICE candidates, then sends one data channel message and waits
for its echo. It exits non-zero if any step fails before --timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()

			cfg.Logger = root.logger()
			res, err := runProbe(ctx, root, cfg)
			if err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			renderProbe(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.RoomID, "room", "", "Room ID to use (default: random)")
	cmd.Flags().BoolVar(&cfg.UseRelayICE, "relay-ice", true, "Use ICE servers advertised by the relay's /webrtc/ice")
	return cmd
}

func runProbe(ctx context.Context, root *rootOptions, cfg probeConfig) (probeResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	roomID := cfg.RoomID
	if roomID == "" {
		roomID = "probe-" + uuid.NewString()
	}
	wsURL, err := root.wsURL()
	if err != nil {
		return probeResult{}, err
	}
	res := probeResult{RoomID: roomID, WSURL: wsURL}

	var iceServers []webrtc.ICEServer
	if cfg.UseRelayICE {
		iceServers, err = fetchICEServers(ctx, root)
		if err != nil {
			return res, err
		}
		res.ICEServers = len(iceServers)
	}

	offerAPI, answerAPI := cfg.Offerer, cfg.Answerer
	if offerAPI == nil {
		offerAPI = peerclient.NewAPI(peerclient.APIOptions{Logger: logger})
	}
	if answerAPI == nil {
		answerAPI = peerclient.NewAPI(peerclient.APIOptions{Logger: logger})
	}

	start := time.Now()
	offerer, err := openProbePeer(ctx, wsURL, roomID, logger, peerclient.PeerConfig{
		API: offerAPI, ICEServers: iceServers, Initiator: true, Logger: logger,
	})
	if err != nil {
		return res, err
	}
	defer offerer.close()
	answerer, err := openProbePeer(ctx, wsURL, roomID, logger, peerclient.PeerConfig{
		API: answerAPI, ICEServers: iceServers, Logger: logger,
	})
	if err != nil {
		return res, err
	}
	defer answerer.close()

	dc, err := offerer.peer.PeerConnection().CreateDataChannel(probeLabel, nil)
	if err != nil {
		return res, fmt.Errorf("create data channel: %w", err)
	}
	answerer.peer.PeerConnection().OnDataChannel(func(remote *webrtc.DataChannel) {
		remote.OnMessage(func(msg webrtc.DataChannelMessage) {
			if err := remote.Send(msg.Data); err != nil {
				logger.Warn("probe_echo_failed", "err", err)
			}
		})
	})

	nonce := uuid.NewString()
	opened := make(chan time.Time, 1)
	echoed := make(chan time.Time, 1)
	dc.OnOpen(func() {
		opened <- time.Now()
		if err := dc.SendText(nonce); err != nil {
			logger.Warn("probe_send_failed", "err", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if string(msg.Data) == nonce {
			select {
			case echoed <- time.Now():
			default:
			}
		}
	})

	if err := offerer.join(ctx, "offerer"); err != nil {
		return res, err
	}
	if err := answerer.join(ctx, "answerer"); err != nil {
		return res, err
	}
	res.Joined = time.Since(start)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return offerer.peer.Run(gctx) })
	g.Go(func() error { return answerer.peer.Run(gctx) })
	g.Go(func() error {
		var openedAt time.Time
		select {
		case openedAt = <-opened:
		case <-gctx.Done():
			return fmt.Errorf("waiting for data channel: %w", gctx.Err())
		}
		res.Connected = openedAt.Sub(start)
		select {
		case at := <-echoed:
			res.RTT = at.Sub(openedAt)
			return errProbeDone
		case <-gctx.Done():
			return fmt.Errorf("waiting for echo: %w", gctx.Err())
		}
	})
	if err := g.Wait(); !errors.Is(err, errProbeDone) {
		if err == nil {
			err = errors.New("peers stopped without exchanging data")
		}
		return res, err
	}
	return res, nil
}

type probePeer struct {
	roomID string
	client *peerclient.Client
	peer   *peerclient.Peer
}

func openProbePeer(ctx context.Context, wsURL, roomID string, logger *slog.Logger, cfg peerclient.PeerConfig) (*probePeer, error) {
	client, err := peerclient.Dial(ctx, wsURL, peerclient.DialOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	peer, err := peerclient.NewPeer(client, roomID, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &probePeer{roomID: roomID, client: client, peer: peer}, nil
}

func (p *probePeer) join(ctx context.Context, peerID string) error {
	if err := p.client.Join(p.roomID, peerID); err != nil {
		return err
	}
	if _, err := p.client.Expect(ctx, signaling.TypeJoined); err != nil {
		return fmt.Errorf("join %s as %s: %w", p.roomID, peerID, err)
	}
	return nil
}

func (p *probePeer) close() {
	_ = p.client.Leave(p.roomID)
	_ = p.peer.Close()
	_ = p.client.Close()
}

func fetchICEServers(ctx context.Context, root *rootOptions) ([]webrtc.ICEServer, error) {
	body, err := get(ctx, root, "/webrtc/ice")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode ICE servers: %w", err)
	}
	return resp.ICEServers, nil
}

func renderProbe(w io.Writer, res probeResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Probe OK")
	tw.AppendRows([]table.Row{
		{"Relay", res.WSURL},
		{"Room", res.RoomID},
		{"ICE servers", res.ICEServers},
		{"Both joined", res.Joined.Round(time.Millisecond)},
		{"Data channel open", res.Connected.Round(time.Millisecond)},
		{"Echo RTT", res.RTT.Round(time.Microsecond)},
	})
	tw.Render()
}
