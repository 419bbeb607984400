package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsConn is the Outbox for one WebSocket. Messages are queued without
// blocking and written by writeLoop, which is the only goroutine that writes
// to the socket.
type wsConn struct {
	conn         *websocket.Conn
	pingInterval time.Duration

	mu          sync.Mutex
	queue       chan []byte
	closed      bool
	closeCode   int
	closeReason string

	done chan struct{}
}

func newWSConn(conn *websocket.Conn, queueLen int, pingInterval time.Duration) *wsConn {
	if queueLen <= 0 {
		queueLen = 1
	}
	return &wsConn{
		conn:         conn,
		pingInterval: pingInterval,
		queue:        make(chan []byte, queueLen),
		done:         make(chan struct{}),
	}
}

func (c *wsConn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrDelivery)
	}
	select {
	case c.queue <- data:
		return nil
	default:
		c.closeLocked(websocket.CloseTryAgainLater, "send queue full")
		return fmt.Errorf("%w: send queue full", ErrDelivery)
	}
}

func (c *wsConn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith stops accepting messages. writeLoop flushes what is queued and
// then sends a close frame carrying code and reason. Only the first call
// decides the close code.
func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *wsConn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.queue)
}

// writeLoop runs until the queue is closed or a write fails. It returns after
// the close frame has been written, leaving the read side to observe the
// peer's close reply.
func (c *wsConn) writeLoop() {
	defer close(c.done)

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data, ok := <-c.queue:
			if !ok {
				c.writeClose()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				_ = c.conn.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) writeClose() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if code == websocket.CloseAbnormalClosure {
		_ = c.conn.Close()
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	// Give the peer a moment to answer the close handshake; the reader returns
	// as soon as the reply arrives.
	_ = c.conn.SetReadDeadline(time.Now().Add(wsWriteWait))
}

// wait blocks until writeLoop has exited.
func (c *wsConn) wait() { <-c.done }

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
