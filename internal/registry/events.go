package registry

import "time"

type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventAborted      EventType = "aborted"
	EventClosed       EventType = "closed"
	EventSendFailed   EventType = "send_failed"
	EventEvicted      EventType = "evicted"
)

// Event describes a change to a device entry. Status and Connections are the
// values after the change.
type Event struct {
	Type        EventType `json:"type"`
	DeviceID    string    `json:"device_id"`
	MACAddress  string    `json:"mac_address,omitempty"`
	Status      Status    `json:"status"`
	Connections int       `json:"connections"`
	Code        int       `json:"code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Err         string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}
