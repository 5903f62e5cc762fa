package persist

import (
	"context"
	"errors"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"go.uber.org/zap"
)

// BatchRecorder persists a batch of journal entries atomically.
type BatchRecorder interface {
	RecordBatch(ctx context.Context, entries []authority.JournalEntry) error
}

// JournalWriter queues journal entries and writes them in batches from a
// single goroutine, so registry calls never wait on the database.
type JournalWriter struct {
	sink     BatchRecorder
	queue    chan authority.JournalEntry
	maxBatch int
	interval time.Duration
	log      *zap.Logger
}

func NewJournalWriter(sink BatchRecorder, queueSize, maxBatch int, interval time.Duration, log *zap.Logger) *JournalWriter {
	return &JournalWriter{
		sink:     sink,
		queue:    make(chan authority.JournalEntry, max(queueSize, 1)),
		maxBatch: max(maxBatch, 1),
		interval: interval,
		log:      log,
	}
}

// Record implements authority.Journal. A full queue drops the entry.
func (w *JournalWriter) Record(_ context.Context, e authority.JournalEntry) error {
	select {
	case w.queue <- e:
		return nil
	default:
		return errJournalFull
	}
}

var errJournalFull = errors.New("journal queue full")

// Run flushes queued entries until ctx ends, then drains what is left.
func (w *JournalWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]authority.JournalEntry, 0, w.maxBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.sink.RecordBatch(ctx, batch); err != nil {
			w.log.Error("journal batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= w.maxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
					if len(batch) >= w.maxBatch {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}
		}
	}
}
