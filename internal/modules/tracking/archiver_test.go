package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cartrack/internal/metrics"
)

type fakeAppender struct {
	mu      sync.Mutex
	samples []Sample
	err     error
}

func (f *fakeAppender) Append(_ context.Context, s Sample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.samples = append(f.samples, s)
	return int64(len(f.samples)), nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func TestArchiveWriter_DrainsQueue(t *testing.T) {
	store := &fakeAppender{}
	w := NewArchiveWriter(store, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.RunArchiveWriter(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		w.Enqueue(sampleAt("CAR1", i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := store.count(); got != 5 {
		t.Fatalf("expected 5 archived samples, got %d", got)
	}
}

func TestArchiveWriter_EnqueueNeverBlocks(t *testing.T) {
	w := NewArchiveWriter(&fakeAppender{}, 1, metrics.NewCollector(prometheus.NewRegistry()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			w.Enqueue(sampleAt("CAR1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestArchiveWriter_AppendErrorIsSwallowed(t *testing.T) {
	store := &fakeAppender{err: errors.New("insert failed")}
	w := NewArchiveWriter(store, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())

	w.Enqueue(sampleAt("CAR1", 1))
	done := make(chan error, 1)
	go func() { done <- w.RunArchiveWriter(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("RunArchiveWriter returned %v", err)
	}
}
