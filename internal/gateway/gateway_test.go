package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxgate/internal/auth"
	"github.com/ent0n29/voxgate/internal/handshake"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/registry"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/turn"
	"github.com/ent0n29/voxgate/internal/voice"
	"github.com/ent0n29/voxgate/internal/worker"
)

const testSecret = "gateway-test-secret"

// byteDetector reads the verdict from the first byte of each frame:
// 'v' voiced, 'e' end of utterance, anything else silence.
type byteDetector struct{}

func (byteDetector) Detect(_ context.Context, chunk []byte) (voice.Activity, error) {
	if len(chunk) == 0 {
		return voice.Activity{}, nil
	}
	switch chunk[0] {
	case 'v':
		return voice.Activity{VoiceActive: true}, nil
	case 'e':
		return voice.Activity{StopDetected: true}, nil
	default:
		return voice.Activity{}, nil
	}
}

func (byteDetector) Reset() {}

type testEnv struct {
	srv      *httptest.Server
	registry *registry.Registry
	sessions *session.Manager
	issuer   *auth.Issuer
	rec      *voice.MockRecognizer
}

func newTestEnv(t *testing.T, authEnabled bool) *testEnv {
	t.Helper()
	verifier, err := auth.NewVerifier(testSecret, auth.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	issuer, err := auth.NewIssuer(testSecret, auth.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	pool := worker.New(4)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	env := &testEnv{
		registry: registry.New(),
		sessions: session.NewManager(time.Minute),
		issuer:   issuer,
		rec:      &voice.MockRecognizer{Text: "turn on the light"},
	}
	h := New(Config{AuthEnabled: authEnabled, Turn: turn.Config{}, CloseGrace: 500 * time.Millisecond}, Deps{
		Verifier:   verifier,
		Registry:   env.registry,
		Sessions:   env.sessions,
		Negotiator: handshake.NewNegotiator(handshake.DefaultAudioParams),
		Providers: voice.Providers{
			Detectors:  func(protocol.AudioParams) (voice.Detector, error) { return byteDetector{}, nil },
			Recognizer: env.rec,
			Intent:     voice.NewKeywordIntent(voice.KeywordIntentConfig{}),
			Chat:       voice.EchoChatter{},
		},
		Pool:   pool,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	mux := http.NewServeMux()
	mux.Handle("/xiaozhi/v1/", h)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/xiaozhi/v1/"
}

func (e *testEnv) token(t *testing.T, deviceID string, ttl time.Duration) string {
	t.Helper()
	tok, _, err := e.issuer.Issue(deviceID, "AA:BB:CC:DD:EE:FF", ttl)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, rawURL string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode message %q: %v", data, err)
	}
	return out
}

func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("ReadMessage() error = %v, want close error", err)
		}
		return ce
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHelloWithoutParamsGetsDefaults(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)

	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	hello := readJSON(t, ws)
	if hello["type"] != "hello" || hello["transport"] != "websocket" {
		t.Fatalf("hello = %+v", hello)
	}
	params, _ := hello["audio_params"].(map[string]any)
	if params["sample_rate"] != float64(16000) || params["format"] != "opus" || params["channels"] != float64(1) {
		t.Fatalf("audio_params = %+v, want defaults", params)
	}
	if id, _ := hello["session_id"].(string); id == "" {
		t.Fatalf("hello missing session_id")
	}

	sessions := env.sessions.ForDevice("dev-1")
	if len(sessions) != 1 || !sessions[0].HelloDone {
		t.Fatalf("sessions = %+v, want one session with hello done", sessions)
	}
}

func TestBearerHeaderIsAccepted(t *testing.T) {
	env := newTestEnv(t, true)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "dev-bearer", time.Hour))
	env.dial(t, env.url(), header)

	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-bearer") })
}

func TestMissingTokenClosesWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url(), nil)

	ce := readClose(t, ws)
	if ce.Code != protocol.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", ce.Code, protocol.ClosePolicyViolation)
	}
	if !strings.Contains(ce.Text, string(auth.KindMissing)) {
		t.Fatalf("close reason = %q, want mention of %s", ce.Text, auth.KindMissing)
	}
	if n := len(env.registry.Snapshot()); n != 0 {
		t.Fatalf("registry has %d devices after rejected handshake, want 0", n)
	}
}

func TestExpiredTokenClosesWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-old", -time.Minute), nil)

	ce := readClose(t, ws)
	if ce.Code != protocol.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", ce.Code, protocol.ClosePolicyViolation)
	}
	if !strings.Contains(ce.Text, string(auth.KindExpired)) {
		t.Fatalf("close reason = %q, want expired", ce.Text)
	}
	if got := env.registry.Status("dev-old"); got != registry.StatusUnknown {
		t.Fatalf("Status = %q, want unknown", got)
	}
}

func TestAuthDisabledAssignsAnonymousIdentity(t *testing.T) {
	env := newTestEnv(t, false)
	env.dial(t, env.url(), nil)

	waitFor(t, "anonymous device online", func() bool { return env.registry.OnlineCount() == 1 })
	for id := range env.registry.Snapshot() {
		if !strings.HasPrefix(id, "anonymous-") {
			t.Fatalf("device id = %q, want anonymous prefix", id)
		}
	}
}

func TestClientCloseMarksDeviceOffline(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)
	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitFor(t, "device offline", func() bool { return env.registry.Status("dev-1") == registry.StatusOffline })
	waitFor(t, "session ended", func() bool { return env.sessions.ActiveCount() == 0 })
}

func TestDroppedConnectionMarksDeviceError(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)
	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	_ = ws.UnderlyingConn().Close()
	waitFor(t, "device error", func() bool { return env.registry.Status("dev-1") == registry.StatusError })
}

func TestRegistryCloseSendsNormalClosure(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)
	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	n, err := env.registry.Close("dev-1", protocol.CloseNormal, "disconnected by admin")
	if err != nil || n != 1 {
		t.Fatalf("Close() = %d, %v; want 1, nil", n, err)
	}
	ce := readClose(t, ws)
	if ce.Code != protocol.CloseNormal {
		t.Fatalf("close code = %d, want %d", ce.Code, protocol.CloseNormal)
	}
	if got := env.registry.Status("dev-1"); got != registry.StatusOffline {
		t.Fatalf("Status = %q, want offline", got)
	}
}

func TestUtteranceRoundTrip(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)
	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	for _, frame := range [][]byte{{'v'}, {'v'}, {'v'}, {'e'}} {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	stt := readJSON(t, ws)
	if stt["type"] != "stt" || stt["text"] != "turn on the light" {
		t.Fatalf("first message = %+v, want stt echo", stt)
	}
	llm := readJSON(t, ws)
	if llm["type"] != "llm" || llm["text"] != "turn on the light" {
		t.Fatalf("second message = %+v, want llm reply", llm)
	}
	if calls := env.rec.Calls(); len(calls) != 1 || len(calls[0]) != 4 {
		t.Fatalf("recognizer calls = %d, want one utterance of 4 frames", len(calls))
	}
}

func TestExitPhraseClosesConnection(t *testing.T) {
	env := newTestEnv(t, true)
	env.rec.Text = "goodbye"
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)
	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	for _, frame := range [][]byte{{'v'}, {'v'}, {'v'}, {'e'}} {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	ce := readClose(t, ws)
	if ce.Code != protocol.CloseNormal {
		t.Fatalf("close code = %d, want %d", ce.Code, protocol.CloseNormal)
	}
	waitFor(t, "device offline", func() bool { return env.registry.Status("dev-1") == registry.StatusOffline })
}

func TestInvalidTextMessageGetsErrorReply(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readJSON(t, ws)
	if msg["type"] != "error" || msg["code"] != "unsupported_message_type" {
		t.Fatalf("reply = %+v, want unsupported_message_type error", msg)
	}
}

func TestBroadcastReachesConnectedDevice(t *testing.T) {
	env := newTestEnv(t, true)
	ws := env.dial(t, env.url()+"?token="+env.token(t, "dev-1", time.Hour), nil)
	waitFor(t, "device online", func() bool { return env.registry.IsOnline("dev-1") })

	report := env.registry.Broadcast(protocol.System{Type: protocol.TypeSystem, Message: "maintenance at noon"}, "")
	if report.Delivered != 1 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v, want one delivery", report)
	}
	msg := readJSON(t, ws)
	if msg["type"] != "system" || msg["message"] != "maintenance at noon" {
		t.Fatalf("broadcast = %+v", msg)
	}
}
