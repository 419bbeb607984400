package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

// ErrPeerLeft is returned by Peer.Run when the other occupant leaves the room.
var ErrPeerLeft = errors.New("peerclient: remote peer left")

type APIOptions struct {
	// Logger receives pion's internal logs. Nil keeps pion's default logger.
	Logger *slog.Logger
	// Net replaces the OS network, e.g. with a vnet.Net in tests.
	Net transport.Net
}

func NewAPI(opts APIOptions) *webrtc.API {
	se := webrtc.SettingEngine{}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type PeerConfig struct {
	// API constructs the PeerConnection. Nil uses NewAPI(APIOptions{}).
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Initiator sends the offer when the relay reports the room ready.
	Initiator bool
	Logger    *slog.Logger
}

// Peer negotiates one PeerConnection with the other occupant of a room.
type Peer struct {
	client *Client
	roomID string
	cfg    PeerConfig
	log    *slog.Logger
	pc     *webrtc.PeerConnection

	mu         sync.Mutex
	haveRemote bool
	pending    []webrtc.ICECandidateInit
}

// NewPeer creates a PeerConnection whose local candidates are trickled to
// roomID through client. The caller joins the room and adds data channels or
// tracks before calling Run.
func NewPeer(client *Client, roomID string, cfg PeerConfig) (*Peer, error) {
	api := cfg.API
	if api == nil {
		api = NewAPI(APIOptions{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{client: client, roomID: roomID, cfg: cfg, log: logger, pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := client.SendCandidate(roomID, c.ToJSON()); err != nil {
			p.log.Warn("peer_send_candidate_failed", "room_id", roomID, "err", err)
		}
	})
	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// Offer creates a local offer and sends it to the room.
func (p *Peer) Offer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return p.client.SendOffer(p.roomID, offer)
}

// Run applies relay messages to the PeerConnection until ctx ends, the remote
// peer leaves (ErrPeerLeft) or the signaling connection closes.
func (p *Peer) Run(ctx context.Context) error {
	for {
		msg, err := p.client.Next(ctx)
		if err != nil {
			return err
		}
		if err := p.handle(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) handle(msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeReady:
		if p.cfg.Initiator {
			return p.Offer()
		}
	case signaling.TypeOffer:
		return p.handleOffer(msg.Offer)
	case signaling.TypeAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Answer, &answer); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		if err := p.pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return p.flushCandidates()
	case signaling.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return p.addCandidate(cand)
	case signaling.TypePeerLeft:
		return ErrPeerLeft
	case signaling.TypeError:
		p.log.Warn("peer_relay_error", "room_id", p.roomID, "code", msg.Code, "message", msg.Message)
	}
	return nil
}

func (p *Peer) handleOffer(raw json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := p.client.SendAnswer(p.roomID, answer); err != nil {
		return err
	}
	return p.flushCandidates()
}

// addCandidate applies a remote candidate, holding it until the remote
// description is known.
func (p *Peer) addCandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.haveRemote {
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushCandidates() error {
	p.mu.Lock()
	p.haveRemote = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
