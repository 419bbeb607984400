// Package peerclient is a Go client for the signaling relay. Client speaks the
// WebSocket protocol; Peer drives a pion PeerConnection through the
// offer/answer/candidate exchange over a Client.
package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

const (
	writeWait        = 1 * time.Second
	inboxLength      = 64
	handshakeTimeout = 10 * time.Second
)

var ErrClosed = errors.New("peerclient: connection closed")

// RelayError is an error message sent by the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string { return "relay error " + e.Code + ": " + e.Message }

type DialOptions struct {
	// Header is sent with the upgrade request (e.g. Origin).
	Header http.Header
	Logger *slog.Logger
}

type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	inbox   chan signaling.Message

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	readErr   error
}

// Dial connects to the relay's WebSocket endpoint, e.g. ws://127.0.0.1:8787/ws.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		conn:  conn,
		log:   logger,
		inbox: make(chan signaling.Message, inboxLength),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("peerclient_bad_message", "err", err)
			continue
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

// Messages returns the stream of relay messages. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan signaling.Message { return c.inbox }

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Next waits for the next relay message.
func (c *Client) Next(ctx context.Context) (signaling.Message, error) {
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			if err := c.Err(); err != nil {
				return signaling.Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return signaling.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return signaling.Message{}, ctx.Err()
	}
}

// Expect waits for the next message and requires it to be of type want. A
// relay error message is returned as *RelayError.
func (c *Client) Expect(ctx context.Context, want signaling.MessageType) (signaling.Message, error) {
	msg, err := c.Next(ctx)
	if err != nil {
		return msg, err
	}
	if msg.Type == want {
		return msg, nil
	}
	if msg.Type == signaling.TypeError {
		return msg, &RelayError{Code: msg.Code, Message: msg.Message}
	}
	return msg, fmt.Errorf("peerclient: got %q, want %q", msg.Type, want)
}

func (c *Client) Join(roomID, peerID string) error {
	return c.send(map[string]any{"type": signaling.TypeJoin, "roomId": roomID, "peerId": peerID})
}

func (c *Client) SendOffer(roomID string, offer webrtc.SessionDescription) error {
	return c.send(map[string]any{"type": signaling.TypeOffer, "roomId": roomID, "offer": offer})
}

func (c *Client) SendAnswer(roomID string, answer webrtc.SessionDescription) error {
	return c.send(map[string]any{"type": signaling.TypeAnswer, "roomId": roomID, "answer": answer})
}

func (c *Client) SendCandidate(roomID string, candidate webrtc.ICECandidateInit) error {
	return c.send(map[string]any{"type": signaling.TypeICECandidate, "roomId": roomID, "candidate": candidate})
}

// Leave leaves roomID, or the current room when roomID is empty.
func (c *Client) Leave(roomID string) error {
	msg := map[string]any{"type": signaling.TypeLeave}
	if roomID != "" {
		msg["roomId"] = roomID
	}
	return c.send(msg)
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close performs the close handshake and releases the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
