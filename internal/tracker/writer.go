package tracker

import (
	"log/slog"
	"sync"
	"time"
)

// snapshotWriter persists snapshots in the background. Submissions made
// while a write is in flight collapse to the newest one.
type snapshotWriter struct {
	store Store
	key   string

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []byte
	hasPending bool
	writing    bool
	closed     bool

	done chan struct{}
}

func newSnapshotWriter(store Store, key string) *snapshotWriter {
	w := &snapshotWriter{store: store, key: key, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// Submit queues data, replacing any snapshot not yet written.
func (w *snapshotWriter) Submit(data []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = data
	w.hasPending = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Flush waits until nothing is queued or being written.
func (w *snapshotWriter) Flush() {
	w.mu.Lock()
	for w.hasPending || w.writing {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// Close writes what is queued and stops the loop. Safe to call twice.
func (w *snapshotWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.done
}

func (w *snapshotWriter) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for !w.hasPending && !w.closed {
			w.cond.Wait()
		}
		if !w.hasPending && w.closed {
			w.mu.Unlock()
			return
		}
		data := w.pending
		w.pending = nil
		w.hasPending = false
		w.writing = true
		w.mu.Unlock()

		start := time.Now()
		err := w.store.SetBlob(w.key, data)
		if err != nil {
			trackerLog.Error("snapshot_write_failed", slog.Int("bytes", len(data)), slog.String("error", err.Error()))
		} else {
			trackerLog.Debug("snapshot_written", slog.Int("bytes", len(data)), slog.Duration("took", time.Since(start)))
		}

		w.mu.Lock()
		w.writing = false
		w.mu.Unlock()
		w.cond.Broadcast()
	}
}
