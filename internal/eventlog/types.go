package eventlog

import (
	"context"
	"time"

	"github.com/ent0n29/voxgate/internal/registry"
)

// Record is one persisted device lifecycle event.
type Record struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Connections int       `json:"connections"`
	Code        int       `json:"code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Store keeps an append-only audit trail of registry events per device.
type Store interface {
	Append(ctx context.Context, record Record) error
	// Recent returns up to limit records for the device, oldest first.
	Recent(ctx context.Context, deviceID string, limit int) ([]Record, error)
	Close() error
}

const defaultRecentLimit = 50

func FromEvent(ev registry.Event) Record {
	return Record{
		DeviceID:    ev.DeviceID,
		Type:        string(ev.Type),
		Status:      string(ev.Status),
		Connections: ev.Connections,
		Code:        ev.Code,
		Reason:      ev.Reason,
		Error:       ev.Err,
		At:          ev.At,
	}
}

func normalize(record Record, newID func() string) Record {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	} else {
		record.At = record.At.UTC()
	}
	return record
}

func reverse(items []Record) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
