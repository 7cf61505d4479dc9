package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartrack/internal/metrics"
)

type sent struct {
	topic string
	body  []byte
}

type recordingTransport struct {
	mu    sync.Mutex
	msgs  []sent
	err   error
	block chan struct{}
}

func (r *recordingTransport) Send(ctx context.Context, topic string, body []byte) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, sent{topic: topic, body: body})
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_DeliversJSON(t *testing.T) {
	transport := &recordingTransport{}
	d := NewDispatcher(transport, Options{QueueSize: 8, Workers: 1}, nil)
	runDispatcher(t, d)

	d.Publish("vehicle/CAR1", map[string]any{"vehicleId": "CAR1", "speed": 42.5})
	waitFor(t, func() bool { return transport.count() == 1 })

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, "vehicle/CAR1", transport.msgs[0].topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(transport.msgs[0].body, &decoded))
	assert.Equal(t, "CAR1", decoded["vehicleId"])
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	reg := prometheus.NewRegistry()
	transport := &recordingTransport{block: make(chan struct{})}
	d := NewDispatcher(transport, Options{QueueSize: 2, Workers: 1, PublishTimeout: time.Second}, metrics.NewCollector(reg))
	runDispatcher(t, d)
	defer close(transport.block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Publish("vehicles/all", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked while the transport was stuck")
	}
}

func TestDispatcher_TransportErrorsAreSwallowed(t *testing.T) {
	transport := &recordingTransport{err: errors.New("broker down")}
	d := NewDispatcher(transport, Options{QueueSize: 4, Workers: 2}, nil)
	runDispatcher(t, d)

	assert.NotPanics(t, func() {
		d.Publish("vehicle/CAR1", "payload")
		d.Publish("vehicles/all", "payload")
	})
}

func TestDispatcher_UnencodablePayload(t *testing.T) {
	transport := &recordingTransport{}
	d := NewDispatcher(transport, Options{QueueSize: 4, Workers: 1}, nil)
	runDispatcher(t, d)

	d.Publish("bad", make(chan int))
	d.Publish("good", "ok")

	waitFor(t, func() bool { return transport.count() == 1 })
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, "good", transport.msgs[0].topic)
}

func TestDispatcher_RawBytesPassThrough(t *testing.T) {
	transport := &recordingTransport{}
	d := NewDispatcher(transport, Options{QueueSize: 4, Workers: 1}, nil)
	runDispatcher(t, d)

	d.Publish("raw", []byte("already-encoded"))
	waitFor(t, func() bool { return transport.count() == 1 })

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, "already-encoded", string(transport.msgs[0].body))
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(LogTransport{}, Options{}, nil)
	def := DefaultOptions()

	assert.Equal(t, def.QueueSize, cap(d.queue))
	assert.Equal(t, def.Workers, d.workers)
	assert.Equal(t, def.PublishTimeout, d.timeout)
}

func TestJoinTopic(t *testing.T) {
	assert.Equal(t, "vehicle/CAR1", joinTopic("", "vehicle/CAR1"))
	assert.Equal(t, "fleet/vehicle/CAR1", joinTopic("fleet", "vehicle/CAR1"))
}

func TestNewMQTTTransport_RequiresBroker(t *testing.T) {
	_, err := NewMQTTTransport(context.Background(), MQTTConfig{})
	assert.Error(t, err)
}
