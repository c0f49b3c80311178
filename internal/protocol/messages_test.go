package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageHello(t *testing.T) {
	raw := []byte(`{"type":"hello","version":1,"transport":"websocket","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	hello, ok := msg.(Hello)
	if !ok {
		t.Fatalf("message type = %T, want Hello", msg)
	}
	if hello.AudioParams == nil {
		t.Fatalf("AudioParams = nil, want parsed params")
	}
	if hello.AudioParams.SampleRate != 16000 || hello.AudioParams.FrameDuration != 60 {
		t.Fatalf("unexpected audio params: %+v", *hello.AudioParams)
	}
}

func TestParseClientMessageHelloWithMalformedParams(t *testing.T) {
	raw := []byte(`{"type":"hello","transport":"websocket","audio_params":"loud"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		t.Fatalf("message type = %T, want Hello", msg)
	}
	if hello.AudioParams != nil {
		t.Fatalf("AudioParams = %+v, want nil", *hello.AudioParams)
	}
	if hello.Transport != "websocket" {
		t.Fatalf("Transport = %q, want %q", hello.Transport, "websocket")
	}
}

func TestParseClientMessageListen(t *testing.T) {
	raw := []byte(`{"type":"listen","state":"Stop","mode":"manual"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	listen, ok := msg.(Listen)
	if !ok {
		t.Fatalf("message type = %T, want Listen", msg)
	}
	if listen.State != ListenStop || listen.Mode != ListenModeManual {
		t.Fatalf("unexpected listen: %+v", listen)
	}
}

func TestParseClientMessageRejectsBadListenState(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"listen","state":"wander"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"iot"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}
