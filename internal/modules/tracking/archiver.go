// README: Best-effort async writer that mirrors cache writes into the durable archive.
package tracking

import (
	"context"

	"cartrack/internal/log"
	"cartrack/internal/metrics"
)

// Appender persists one sample.
type Appender interface {
	Append(ctx context.Context, s Sample) (int64, error)
}

var _ Archiver = (*ArchiveWriter)(nil)

// ArchiveWriter queues samples and appends them from RunArchiveWriter.
// Enqueue never blocks; a full queue drops the sample.
type ArchiveWriter struct {
	store   Appender
	queue   chan Sample
	metrics *metrics.Collector
}

func NewArchiveWriter(store Appender, queueSize int, m *metrics.Collector) *ArchiveWriter {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &ArchiveWriter{
		store:   store,
		queue:   make(chan Sample, queueSize),
		metrics: m,
	}
}

func (w *ArchiveWriter) Enqueue(s Sample) {
	select {
	case w.queue <- s:
	default:
		w.metrics.RecordArchiveFailed()
		log.Warn("archive queue full, dropping sample", "vehicleId", string(s.VehicleID))
	}
}

// RunArchiveWriter drains the queue until ctx is done.
func (w *ArchiveWriter) RunArchiveWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-w.queue:
			if _, err := w.store.Append(ctx, s); err != nil {
				w.metrics.RecordArchiveFailed()
				log.Error(err, "archive append failed", "vehicleId", string(s.VehicleID))
			}
		}
	}
}
