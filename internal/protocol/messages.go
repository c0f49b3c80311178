package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeHello  MessageType = "hello"
	TypeListen MessageType = "listen"
	TypeAbort  MessageType = "abort"
	TypeSTT    MessageType = "stt"
	TypeLLM    MessageType = "llm"
	TypeSystem MessageType = "system"
	TypeError  MessageType = "error"
)

// Close codes used by the gateway.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Listen states sent by devices.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// Listen modes. In manual mode voice presence is declared by the device.
const (
	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

const TransportWebSocket = "websocket"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioParams describes the audio stream negotiated at hello time.
type AudioParams struct {
	SampleRate    int    `json:"sample_rate" validate:"gte=8000,lte=48000"`
	Format        string `json:"format" validate:"oneof=opus pcm16"`
	Channels      int    `json:"channels" validate:"gte=1,lte=2"`
	FrameDuration int    `json:"frame_duration,omitempty" validate:"omitempty,gte=10,lte=120"`
}

// Hello is sent by the device to open a session and echoed back by the gateway
// with the agreed parameters.
type Hello struct {
	Type        MessageType  `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
}

type Listen struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	State     string      `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Text      string      `json:"text,omitempty"`
}

type Abort struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// STT echoes recognized text back to the device.
type STT struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// LLM carries a dialogue reply.
type LLM struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Emotion   string      `json:"emotion,omitempty"`
}

type System struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command,omitempty"`
	Message string      `json:"message"`
}

type Error struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes a text frame sent by a device.
//
// A hello with a malformed audio_params object is not rejected here: the
// params are dropped and the handshake falls back to defaults.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = Hello{Type: TypeHello}
			var loose struct {
				Transport string `json:"transport"`
				SessionID string `json:"session_id"`
			}
			if json.Unmarshal(raw, &loose) == nil {
				msg.Transport = loose.Transport
				msg.SessionID = loose.SessionID
			}
		}
		return msg, nil
	case TypeListen:
		var msg Listen
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.State = strings.ToLower(strings.TrimSpace(msg.State))
		msg.Mode = strings.ToLower(strings.TrimSpace(msg.Mode))
		switch msg.State {
		case ListenStart, ListenStop, ListenDetect:
		default:
			return nil, fmt.Errorf("invalid listen state %q", msg.State)
		}
		return msg, nil
	case TypeAbort:
		var msg Abort
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
