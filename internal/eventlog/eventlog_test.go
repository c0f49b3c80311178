package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/voxgate/internal/registry"
)

func TestInMemoryStoreRecentOrderAndLimit(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, Record{DeviceID: "dev-1", Type: "connected", Connections: i, At: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Recent(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(got))
	}
	if got[0].Connections != 2 || got[2].Connections != 4 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].ID == "" {
		t.Fatalf("record ID should be assigned")
	}

	got, _ = s.Recent(ctx, "dev-1", 1)
	if len(got) != 1 || got[0].Connections != 4 {
		t.Fatalf("Recent(limit=1) = %+v, want newest only", got)
	}
	if got, _ := s.Recent(ctx, "unknown", 5); len(got) != 0 {
		t.Fatalf("Recent(unknown) = %+v, want empty", got)
	}
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	rec := FromEvent(registry.Event{
		Type:        registry.EventClosed,
		DeviceID:    "dev-1",
		Status:      registry.StatusOffline,
		Connections: 0,
		Code:        1000,
		Reason:      "admin",
		At:          at,
	})
	if rec.Type != "closed" || rec.Status != "offline" || rec.Code != 1000 || rec.Reason != "admin" || !rec.At.Equal(at) {
		t.Fatalf("FromEvent() = %+v", rec)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, "sqlite://"+filepath.Join(t.TempDir(), "events", "events.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []Record{
		{DeviceID: "dev-1", Type: "connected", Status: "online", Connections: 1, At: base},
		{DeviceID: "dev-2", Type: "connected", Status: "online", Connections: 1, At: base.Add(time.Second)},
		{DeviceID: "dev-1", Type: "aborted", Status: "error", Error: "broken pipe", At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(got))
	}
	if got[0].Type != "connected" || got[1].Type != "aborted" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Error != "broken pipe" || !got[1].At.Equal(base.Add(2*time.Second)) {
		t.Fatalf("unexpected record: %+v", got[1])
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(\"\") = %T, want *InMemoryStore", store)
	}
}

func TestRecorderFlushesOnClose(t *testing.T) {
	store := NewInMemoryStore(0)
	rec := NewRecorder(store, 8, nil)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.Record(registry.Event{Type: registry.EventConnected, DeviceID: "dev-1", Status: registry.StatusOnline, Connections: 1, At: at})
	rec.Record(registry.Event{Type: registry.EventDisconnected, DeviceID: "dev-1", Status: registry.StatusOffline, At: at.Add(time.Second)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := store.Recent(context.Background(), "dev-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[1].Type != "disconnected" {
		t.Fatalf("Recent() = %+v, want connected then disconnected", got)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0", rec.Dropped())
	}
}
