package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/turn"
)

// owner is the only goroutine that touches the session's turn state.
type owner struct {
	h         *Handler
	c         *conn
	ctrl      *turn.Controller
	sessionID string
	params    protocol.AudioParams
	log       *slog.Logger
	lastTouch time.Time
}

func (o *owner) loop(ctx context.Context, in <-chan inbound, readErr <-chan error) error {
	for {
		select {
		case err := <-readErr:
			return err
		case msg := <-in:
			o.touch()
			if msg.messageType == websocket.BinaryMessage {
				o.count("inbound", "audio")
				o.ctrl.HandleFrame(msg.data)
				continue
			}
			if msg.messageType == websocket.TextMessage {
				o.handleText(msg.data)
			}
		case ev := <-o.ctrl.Events():
			if o.ctrl.HandleEvent(ev) {
				o.log.Info("closing connection after farewell")
				_ = o.c.Close(protocol.CloseNormal, "idle timeout")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *owner) handleText(data []byte) {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		code := "invalid_client_message"
		if errors.Is(err, protocol.ErrUnsupportedType) {
			code = "unsupported_message_type"
		}
		o.count("inbound", "invalid")
		o.log.Debug("rejected client message", "error", err)
		o.send(protocol.Error{Type: protocol.TypeError, SessionID: o.sessionID, Code: code, Detail: err.Error()})
		return
	}

	switch m := parsed.(type) {
	case protocol.Hello:
		o.count("inbound", string(protocol.TypeHello))
		o.hello(m)
	case protocol.Listen:
		o.count("inbound", string(protocol.TypeListen))
		o.ctrl.HandleListen(m)
	case protocol.Abort:
		o.count("inbound", string(protocol.TypeAbort))
		o.ctrl.Abort()
	}
}

func (o *owner) hello(m protocol.Hello) {
	res := o.h.deps.Negotiator.Negotiate(&m, o.sessionID)
	if res.Degraded {
		o.log.Warn("hello degraded to defaults", "problems", res.Problems)
	}
	if err := o.h.deps.Sessions.ApplyHello(o.sessionID, res.Transport, res.AudioParams); err != nil {
		o.log.Debug("apply hello failed", "error", err)
	}
	if res.AudioParams != o.params {
		det, err := o.h.deps.Providers.Detectors(res.AudioParams)
		if err != nil {
			o.log.Error("voice detector unavailable for negotiated params", "error", err)
			_ = o.c.Close(protocol.CloseInternalError, "voice detector unavailable")
			return
		}
		o.ctrl.Reconfigure(res.AudioParams, det)
		o.params = res.AudioParams
	}
	o.send(res.Hello)
}

func (o *owner) send(msg any) {
	if err := o.c.Send(msg); err != nil {
		o.log.Debug("send failed", "error", err)
	}
}

func (o *owner) touch() {
	now := time.Now()
	if now.Sub(o.lastTouch) < o.h.cfg.TouchInterval {
		return
	}
	o.lastTouch = now
	o.h.deps.Registry.Touch(o.c.deviceID)
	_ = o.h.deps.Sessions.Touch(o.sessionID)
}

func (o *owner) count(direction, typ string) {
	if o.h.deps.Metrics != nil {
		o.h.deps.Metrics.WSMessages.WithLabelValues(direction, typ).Inc()
	}
}
