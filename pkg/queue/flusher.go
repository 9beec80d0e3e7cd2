package queue

import (
	"context"
	"log/slog"
	"time"
)

// Flusher is the single long-lived consumer of the write queue. Exactly one
// instance runs per process; producers enqueue concurrently.
type Flusher struct {
	queue    *WriteQueue
	writer   BatchWriter
	interval time.Duration
}

func NewFlusher(q *WriteQueue, w BatchWriter, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{queue: q, writer: w, interval: interval}
}

// Run flushes on a fixed interval until ctx is cancelled, then drains the
// queue until a flush moves nothing. Blocks; run it in its own goroutine.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := f.queue.Flush(ctx, f.writer); err != nil {
				slog.WarnContext(ctx, "Periodic flush failed", "error", err)
			} else if n > 0 {
				slog.DebugContext(ctx, "Flushed write queue", "count", n)
			}
		case <-ctx.Done():
			f.drain()
			return
		}
	}
}

// drain runs flushes back to back so pending writes land before shutdown.
// Uses a fresh context because the run context is already cancelled.
func (f *Flusher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	total := 0
	for {
		n, err := f.queue.Flush(ctx, f.writer)
		if err != nil {
			slog.Error("Drain flush failed, pending writes remain queued", "flushed", total, "error", err)
			return
		}
		if n == 0 {
			break
		}
		total += n
	}
	slog.Info("Write queue drained", "flushed", total)
}
