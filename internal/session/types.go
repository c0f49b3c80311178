package session

import (
	"time"

	"github.com/ent0n29/voxgate/internal/protocol"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is one device socket from upgrade to close.
type Session struct {
	ID             string               `json:"session_id"`
	DeviceID       string               `json:"device_id"`
	MACAddress     string               `json:"mac_address,omitempty"`
	Anonymous      bool                 `json:"anonymous,omitempty"`
	RemoteAddr     string               `json:"remote_addr,omitempty"`
	Status         Status               `json:"status"`
	Transport      string               `json:"transport"`
	AudioParams    protocol.AudioParams `json:"audio_params"`
	HelloDone      bool                 `json:"hello_done"`
	TokenExpiresAt time.Time            `json:"token_expires_at,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	EndedAt        time.Time            `json:"ended_at,omitempty"`
}

// Closer ends the connection behind a session.
type Closer func(code int, reason string)
