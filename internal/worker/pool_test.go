package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	defer p.Close(context.Background())

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		if err := p.Submit(func(ctx context.Context) {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPoolSubmitDoesNotBlock(t *testing.T) {
	p := New(1)
	defer p.Close(context.Background())

	release := make(chan struct{})
	_ = p.Submit(func(ctx context.Context) { <-release })

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := p.Submit(func(ctx context.Context) {}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Submit blocked for %v", elapsed)
	}
	close(release)
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := New(1)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Submit(func(ctx context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() error = %v, want ErrClosed", err)
	}
}

func TestPoolCloseCancelsJobs(t *testing.T) {
	p := New(1)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	_ = p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Fatalf("running job did not observe cancellation")
	}
}
