package eventlog

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore keeps events in process. Each device keeps at most
// maxPerDevice records; older ones are dropped.
type InMemoryStore struct {
	mu           sync.RWMutex
	records      map[string][]Record
	maxPerDevice int
}

func NewInMemoryStore(maxPerDevice int) *InMemoryStore {
	if maxPerDevice <= 0 {
		maxPerDevice = 500
	}
	return &InMemoryStore{records: make(map[string][]Record), maxPerDevice: maxPerDevice}
}

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	record = normalize(record, uuid.NewString)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.DeviceID], record)
	if over := len(arr) - s.maxPerDevice; over > 0 {
		arr = append([]Record(nil), arr[over:]...)
	}
	s.records[record.DeviceID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, deviceID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[deviceID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
