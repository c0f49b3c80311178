package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxgate/internal/protocol"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSendOverflow = errors.New("outbound queue full")
)

// maxCloseReason is the largest reason that fits a close frame payload.
const maxCloseReason = 123

type outboundFrame struct {
	messageType int
	payload     []byte
	msgType     protocol.MessageType
}

// conn is one device socket. Send may be called from any goroutine; frames are
// written by a single writer goroutine. Close frames go out through
// WriteControl, which gorilla allows concurrently with other writes.
type conn struct {
	ws           *websocket.Conn
	sessionID    string
	deviceID     string
	writeTimeout time.Duration
	closeGrace   time.Duration

	mu     sync.Mutex
	closed bool
	out    chan outboundFrame

	// closing is set once the gateway or an admin started the close handshake.
	closing   atomic.Bool
	closeOnce sync.Once
	onWrite   func(protocol.MessageType)

	// pending counts queued frames not yet written.
	pending atomic.Int32
	stopped chan struct{}
}

func newConn(ws *websocket.Conn, queue int, writeTimeout, closeGrace time.Duration) *conn {
	if queue <= 0 {
		queue = 64
	}
	return &conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		closeGrace:   closeGrace,
		out:          make(chan outboundFrame, queue),
		stopped:      make(chan struct{}),
	}
}

func (c *conn) ID() string       { return c.sessionID }
func (c *conn) DeviceID() string { return c.deviceID }

// Send queues msg as a JSON text frame.
func (c *conn) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	frame := outboundFrame{messageType: websocket.TextMessage, payload: payload, msgType: typeOf(msg)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.pending.Add(1)
	select {
	case c.out <- frame:
		return nil
	default:
		c.pending.Add(-1)
		return ErrSendOverflow
	}
}

// Close sends a close frame with code and reason and stops accepting output.
// The read loop unwinds when the peer answers or the grace period ends.
func (c *conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.drain(c.writeTimeout)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		deadline := time.Now().Add(c.writeTimeout)
		err = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		if err != nil {
			_ = c.ws.Close()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.closeGrace))
	})
	return err
}

// drain waits for queued frames to be written so a reply sent just before
// Close reaches the device ahead of the close frame.
func (c *conn) drain(timeout time.Duration) {
	if c.pending.Load() == 0 {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-c.stopped:
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// runWriter drains the outbound queue until ctx ends. A failed write closes
// the socket so the read loop observes the failure.
func (c *conn) runWriter(ctx context.Context) error {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.ws.WriteMessage(frame.messageType, frame.payload)
			c.pending.Add(-1)
			if err != nil {
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				_ = c.ws.Close()
				return err
			}
			if c.onWrite != nil && frame.msgType != "" {
				c.onWrite(frame.msgType)
			}
		}
	}
}

func typeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.Hello:
		return m.Type
	case protocol.STT:
		return m.Type
	case protocol.LLM:
		return m.Type
	case protocol.System:
		return m.Type
	case protocol.Error:
		return m.Type
	default:
		return ""
	}
}
