// README: Fire-and-forget broadcaster: bounded queue, worker pool, pluggable transport.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cartrack/internal/log"
	"cartrack/internal/metrics"
)

// Broadcaster publishes without blocking and without reporting failures.
type Broadcaster interface {
	Publish(topic string, payload any)
}

// Transport delivers one encoded message.
type Transport interface {
	Send(ctx context.Context, topic string, body []byte) error
}

type Options struct {
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:      1024,
		Workers:        4,
		PublishTimeout: 2 * time.Second,
	}
}

type message struct {
	topic   string
	payload any
}

var _ Broadcaster = (*Dispatcher)(nil)

// Dispatcher queues messages for Run's workers. Publish drops the message when
// the queue is full.
type Dispatcher struct {
	transport Transport
	queue     chan message
	workers   int
	timeout   time.Duration
	metrics   *metrics.Collector
}

func NewDispatcher(transport Transport, opts Options, m *metrics.Collector) *Dispatcher {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}
	return &Dispatcher{
		transport: transport,
		queue:     make(chan message, opts.QueueSize),
		workers:   opts.Workers,
		timeout:   opts.PublishTimeout,
		metrics:   m,
	}
}

func (d *Dispatcher) Publish(topic string, payload any) {
	select {
	case d.queue <- message{topic: topic, payload: payload}:
		d.metrics.SetQueueDepth(len(d.queue))
	default:
		d.metrics.RecordDropped()
		log.Warn("broadcast queue full, dropping message", "topic", topic)
	}
}

// Run starts the workers and blocks until ctx is done and they have returned.
// Messages still queued at shutdown are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	log.Info("broadcast dispatcher started", "workers", d.workers, "queueSize", cap(d.queue))
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg message) {
	body, err := encode(msg.payload)
	if err != nil {
		d.metrics.RecordPublishFailed()
		log.Error(err, "broadcast encode failed", "topic", msg.topic)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.transport.Send(sendCtx, msg.topic, body); err != nil {
		d.metrics.RecordPublishFailed()
		log.Error(err, "broadcast send failed", "topic", msg.topic)
		return
	}
	d.metrics.RecordPublished()
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return body, nil
}
