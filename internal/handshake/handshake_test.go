package handshake

import (
	"encoding/json"
	"testing"

	"github.com/ent0n29/voxgate/internal/protocol"
)

func TestNegotiateDefaultsWithoutAudioParams(t *testing.T) {
	n := NewNegotiator(protocol.AudioParams{})
	res := n.Negotiate(&protocol.Hello{Type: protocol.TypeHello}, "")

	if res.AudioParams.SampleRate != 16000 || res.AudioParams.Format != "opus" || res.AudioParams.Channels != 1 {
		t.Fatalf("AudioParams = %+v, want 16000/opus/1", res.AudioParams)
	}
	if res.AudioParams.FrameDuration != 60 {
		t.Fatalf("FrameDuration = %d, want 60", res.AudioParams.FrameDuration)
	}
	if res.Degraded {
		t.Fatalf("Degraded = true for a hello without params")
	}
	if res.SessionID == "" {
		t.Fatalf("SessionID should be assigned")
	}
	if res.Hello.SessionID != res.SessionID || res.Hello.Transport != protocol.TransportWebSocket {
		t.Fatalf("unexpected hello: %+v", res.Hello)
	}
}

func TestNegotiateAcceptsValidParams(t *testing.T) {
	n := NewNegotiator(protocol.AudioParams{})
	req := &protocol.Hello{
		Type:        protocol.TypeHello,
		Transport:   "websocket",
		AudioParams: &protocol.AudioParams{SampleRate: 24000, Format: "PCM16", Channels: 2, FrameDuration: 20},
	}
	res := n.Negotiate(req, "sess-1")

	if res.Degraded {
		t.Fatalf("Degraded = true, problems = %v", res.Problems)
	}
	want := protocol.AudioParams{SampleRate: 24000, Format: "pcm16", Channels: 2, FrameDuration: 20}
	if res.AudioParams != want {
		t.Fatalf("AudioParams = %+v, want %+v", res.AudioParams, want)
	}
	if res.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q, want %q", res.SessionID, "sess-1")
	}
}

func TestNegotiateInvalidFieldFallsBackToDefaults(t *testing.T) {
	n := NewNegotiator(protocol.AudioParams{})
	req := &protocol.Hello{
		Type:        protocol.TypeHello,
		AudioParams: &protocol.AudioParams{SampleRate: 44100, Format: "mp3", Channels: 1},
	}
	res := n.Negotiate(req, "")

	if !res.Degraded {
		t.Fatalf("Degraded = false, want true")
	}
	if res.AudioParams != DefaultAudioParams {
		t.Fatalf("AudioParams = %+v, want defaults", res.AudioParams)
	}
	if len(res.Problems) != 1 {
		t.Fatalf("Problems = %v, want one entry for format", res.Problems)
	}
}

func TestNegotiateForcesWebSocketTransport(t *testing.T) {
	n := NewNegotiator(protocol.AudioParams{})
	res := n.Negotiate(&protocol.Hello{Type: protocol.TypeHello, Transport: "mqtt"}, "")
	if res.Transport != protocol.TransportWebSocket {
		t.Fatalf("Transport = %q, want websocket", res.Transport)
	}
	if !res.Degraded {
		t.Fatalf("Degraded = false for unsupported transport")
	}
}

func TestNegotiateHelloWireShape(t *testing.T) {
	n := NewNegotiator(protocol.AudioParams{})
	res := n.Negotiate(nil, "abc")

	raw, err := json.Marshal(res.Hello)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	params, ok := decoded["audio_params"].(map[string]any)
	if !ok {
		t.Fatalf("audio_params missing from %s", raw)
	}
	if decoded["type"] != "hello" || decoded["session_id"] != "abc" {
		t.Fatalf("unexpected hello: %s", raw)
	}
	if params["sample_rate"] != float64(16000) || params["format"] != "opus" || params["channels"] != float64(1) {
		t.Fatalf("unexpected audio_params: %v", params)
	}
}
