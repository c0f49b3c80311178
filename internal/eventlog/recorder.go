package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voxgate/internal/registry"
)

// Recorder writes registry events to a Store from a background goroutine so
// registry callers never wait on the database. Events that do not fit in the
// buffer are dropped and counted.
type Recorder struct {
	store   Store
	log     *slog.Logger
	ch      chan Record
	dropped atomic.Int64
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   store,
		log:     logger,
		ch:      make(chan Record, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record is a registry hook. Events after Close are dropped.
func (r *Recorder) Record(ev registry.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- FromEvent(ev):
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Warn("device event not persisted", "device_id", rec.DeviceID, "type", rec.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the buffer is flushed or ctx
// ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
