package history

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/metrics"
)

var log = logger.For("History")

// Inserter is the storage side of a Writer.
type Inserter interface {
	Insert(ctx context.Context, e Entry) (int64, error)
}

// Writer persists entries on a background goroutine so the session loop
// never waits on disk.
type Writer struct {
	store   Inserter
	metrics *metrics.Metrics

	mu        sync.RWMutex
	closed    bool
	entryChan chan Entry
	wg        sync.WaitGroup
}

// NewWriter starts a writer with room for buffer pending entries. m may be nil.
func NewWriter(store Inserter, buffer int, m *metrics.Metrics) *Writer {
	if buffer <= 0 {
		buffer = 32
	}
	w := &Writer{
		store:     store,
		metrics:   m,
		entryChan: make(chan Entry, buffer),
	}
	w.wg.Add(1)
	go w.writeEntries()
	return w
}

// Record queues e (non-blocking). It reports false when the entry was
// dropped because the writer is closed or full.
func (w *Writer) Record(e Entry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return false
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	select {
	case w.entryChan <- e:
		return true
	default:
		if w.metrics != nil {
			w.metrics.HistoryDropped.Add(1)
		}
		return false
	}
}

func (w *Writer) writeEntries() {
	defer w.wg.Done()

	for e := range w.entryChan {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := w.store.Insert(ctx, e)
		cancel()
		if err != nil {
			log.Warn("Failed to persist %s entry: %v", e.Kind, err)
			continue
		}
		if w.metrics != nil {
			w.metrics.HistoryWritten.Add(1)
		}
	}
}

// Close stops accepting entries and waits until queued ones are written.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.entryChan)
	w.mu.Unlock()

	w.wg.Wait()
}
