// Package gateway serves the device WebSocket endpoint.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxgate/internal/auth"
	"github.com/ent0n29/voxgate/internal/handshake"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/registry"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/turn"
	"github.com/ent0n29/voxgate/internal/voice"
)

type Config struct {
	AuthEnabled    bool
	AllowAnyOrigin bool
	Turn           turn.Config

	ReadLimit     int64
	InboundQueue  int
	OutboundQueue int
	WriteTimeout  time.Duration
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait   time.Duration
	CloseGrace time.Duration
	// TouchInterval throttles liveness updates to the registry.
	TouchInterval time.Duration
}

type Deps struct {
	Verifier   *auth.Verifier
	Registry   *registry.Registry
	Sessions   *session.Manager
	Negotiator *handshake.Negotiator
	Providers  voice.Providers
	Pool       turn.Submitter
	Metrics    *observability.Metrics
	Stages     *observability.TurnStageWindow
	Logger     *slog.Logger
}

// Handler upgrades device connections and runs them until they close.
type Handler struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 64
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 3 * time.Minute
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Negotiator == nil {
		deps.Negotiator = handshake.NewNegotiator(handshake.DefaultAudioParams)
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Devices do not send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

type identity struct {
	deviceID  string
	mac       string
	anonymous bool
	expiresAt time.Time
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hc := auth.FromRequest(r)
	id, authErr := h.authenticate(hc)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if authErr != nil {
		h.reject(ws, hc, authErr)
		return
	}

	h.run(ws, hc, id)
}

// authenticate runs before any registry mutation. With auth disabled a valid
// token is still honoured; otherwise the device gets an anonymous identity.
func (h *Handler) authenticate(hc auth.HandshakeContext) (identity, error) {
	token, err := auth.ExtractToken(hc)
	if err == nil && h.deps.Verifier != nil {
		claims, verr := h.deps.Verifier.Verify(token)
		if verr == nil {
			return identity{deviceID: claims.DeviceID, mac: claims.MACAddress, expiresAt: claims.ExpiresAt}, nil
		}
		err = verr
	}
	if h.cfg.AuthEnabled {
		if err == nil {
			err = auth.ErrInvalid
		}
		return identity{}, err
	}
	return identity{deviceID: "anonymous-" + uuid.NewString()[:8], anonymous: true}, nil
}

func (h *Handler) reject(ws *websocket.Conn, hc auth.HandshakeContext, err error) {
	kind := string(auth.KindInvalid)
	var ae *auth.Error
	if errors.As(err, &ae) {
		kind = string(ae.Kind)
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.AuthFailures.WithLabelValues(kind).Inc()
	}
	h.log.Warn("device authentication failed", "remote_addr", hc.RemoteAddr, "kind", kind, "error", err)

	reason := "authentication failed: " + err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(protocol.ClosePolicyViolation, reason),
		time.Now().Add(h.cfg.WriteTimeout))
	_ = ws.Close()
}

type inbound struct {
	messageType int
	data        []byte
}

func (h *Handler) run(ws *websocket.Conn, hc auth.HandshakeContext, id identity) {
	defer ws.Close()

	c := newConn(ws, h.cfg.OutboundQueue, h.cfg.WriteTimeout, h.cfg.CloseGrace)
	c.deviceID = id.deviceID
	if m := h.deps.Metrics; m != nil {
		c.onWrite = func(t protocol.MessageType) { m.WSMessages.WithLabelValues("outbound", string(t)).Inc() }
	}

	sess := h.deps.Sessions.Open(session.Session{
		DeviceID:       id.deviceID,
		MACAddress:     id.mac,
		Anonymous:      id.anonymous,
		RemoteAddr:     hc.RemoteAddr,
		AudioParams:    handshake.DefaultAudioParams,
		TokenExpiresAt: id.expiresAt,
	}, func(code int, reason string) { _ = c.Close(code, reason) })
	c.sessionID = sess.ID

	log := h.log.With("device_id", id.deviceID, "session_id", sess.ID)

	det, err := h.deps.Providers.Detectors(sess.AudioParams)
	if err != nil {
		log.Error("voice detector unavailable", "error", err)
		h.deps.Sessions.End(sess.ID)
		_ = c.Close(protocol.CloseInternalError, "voice detector unavailable")
		return
	}

	h.deps.Registry.Connect(id.deviceID, id.mac, c)
	if h.deps.Metrics != nil {
		h.deps.Metrics.OpenSockets.Inc()
		defer h.deps.Metrics.OpenSockets.Dec()
	}
	log.Info("device connected", "remote_addr", hc.RemoteAddr, "anonymous", id.anonymous)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := turn.NewController(ctx, h.cfg.Turn, turn.Deps{
		Session:    c,
		Params:     sess.AudioParams,
		Detector:   det,
		Recognizer: h.deps.Providers.Recognizer,
		Intent:     h.deps.Providers.Intent,
		Chat:       h.deps.Providers.Chat,
		Pool:       h.deps.Pool,
		Logger:     log,
		Metrics:    h.deps.Metrics,
		Stages:     h.deps.Stages,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.runWriter(ctx); err != nil {
			log.Debug("websocket write failed", "error", err)
		}
	}()

	in := make(chan inbound, h.cfg.InboundQueue)
	readErr := make(chan error, 1)
	go h.readLoop(ctx, ws, in, readErr)

	o := &owner{h: h, c: c, ctrl: ctrl, sessionID: sess.ID, params: sess.AudioParams, log: log}
	err = o.loop(ctx, in, readErr)

	ctrl.Close()
	cancel()
	<-writerDone

	if _, endErr := h.deps.Sessions.End(sess.ID); endErr != nil && !errors.Is(endErr, session.ErrNotFound) {
		log.Debug("session end failed", "error", endErr)
	}
	h.release(c, err, log)
}

// release removes the socket from the registry. A close we started or the
// peer initiated is clean; any other read failure marks the device errored.
func (h *Handler) release(c *conn, readErr error, log *slog.Logger) {
	clean := c.closing.Load() || isCleanClose(readErr)
	var err error
	if clean {
		err = h.deps.Registry.Disconnect(c.deviceID, c)
		log.Info("device disconnected")
	} else {
		err = h.deps.Registry.Abort(c.deviceID, c)
		log.Warn("device connection failed", "error", readErr)
	}
	if errors.Is(err, registry.ErrUnknownSocket) || errors.Is(err, registry.ErrNotFound) {
		// Already removed by an admin close or a failed broadcast.
		log.Debug("socket already released", "error", err)
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, in chan<- inbound, readErr chan<- error) {
	ws.SetReadLimit(h.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		select {
		case in <- inbound{messageType: mt, data: data}:
		case <-ctx.Done():
			readErr <- ctx.Err()
			return
		}
	}
}
