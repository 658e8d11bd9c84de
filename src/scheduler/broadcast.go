package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrDone is returned by Watcher.Next once the final status has been consumed
// and no more will ever be published.
var ErrDone = errors.New("no further status updates")

// A broadcast distributes the latest Status from a single writer to any
// number of watchers. Watchers are independently closeable; the writer side
// observes zero remaining watchers as a cancellation signal.
type broadcast struct {
	mu      sync.Mutex
	status  Status
	version int64
	readers int
	closed  bool
	changed chan struct{} // closed & replaced on every publish
}

func newBroadcast(initial Status) *broadcast {
	return &broadcast{
		status:  initial,
		version: 1,
		changed: make(chan struct{}),
	}
}

// publish makes the given status the current one and wakes all watchers.
// It is a no-op once the broadcast is closed.
func (b *broadcast) publish(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.status = s
	b.version++
	close(b.changed)
	b.changed = make(chan struct{})
}

// close ends the broadcast. Watchers still receive any status they haven't
// consumed yet, then ErrDone.
func (b *broadcast) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.changed)
	}
}

func (b *broadcast) newWatcher() *Watcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readers++
	return &Watcher{b: b}
}

// hasReaders reports whether anyone is still watching.
func (b *broadcast) hasReaders() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readers > 0
}

// A Watcher is one reader handle onto an action's status stream.
// Close it when done; an unclosed watcher keeps the action alive.
type Watcher struct {
	b      *broadcast
	seen   int64
	closed bool
}

// Next blocks until there is a status the watcher hasn't seen yet and returns
// it. It returns ErrDone once the stream has ended, or the context's error if
// that gives out first. The first call always returns immediately with the
// current status.
func (w *Watcher) Next(ctx context.Context) (Status, error) {
	for {
		w.b.mu.Lock()
		if w.b.version > w.seen {
			w.seen = w.b.version
			s := w.b.status
			w.b.mu.Unlock()
			return s, nil
		}
		if w.b.closed {
			w.b.mu.Unlock()
			return Status{}, ErrDone
		}
		ch := w.b.changed
		w.b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
}

// Close releases the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.b.readers--
	}
}
