package runlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder is the process-wide best-effort ingestion path for run events.
//
// Emitters call Enqueue, which never blocks: events land in a bounded queue
// drained by a single background worker that is the only log writer, keeping
// storage latency out of the stream path and write contention out of the
// database.
//
// Overflow policy: when the queue is full the oldest non-terminal event is
// dropped with a warning; terminal events (final, error, workflow_complete,
// workflow_error) are never dropped — if only terminal events remain queued,
// the incoming non-terminal event is dropped instead.
//
// The Recorder is constructed at application start and closed at shutdown;
// it is a lifecycle-managed collaborator, not a package global.
type Recorder struct {
	repo   RunEventRepository
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []Event
	cap    int
	wake   chan struct{}
	done   chan struct{}
	closed bool

	dropped atomic.Int64
}

// NewRecorder creates a Recorder with the given queue capacity (default
// 1024 when capacity <= 0) and starts its drain worker.
func NewRecorder(repo RunEventRepository, logger *logrus.Logger, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = logrus.New()
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		cap:    capacity,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Enqueue submits an event for asynchronous persistence. It never blocks.
// Events enqueued after Close are dropped.
func (r *Recorder) Enqueue(e Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}

	if len(r.queue) >= r.cap {
		if idx := r.oldestNonTerminalLocked(); idx >= 0 {
			victim := r.queue[idx]
			r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
			r.queue = append(r.queue, e)
			r.mu.Unlock()
			r.dropped.Add(1)
			r.logger.WithFields(logrus.Fields{
				"component": "recorder",
				"run_id":    victim.RunID,
				"kind":      victim.Kind,
			}).Warn("event queue full, dropped oldest non-terminal event")
			r.notify()
			return
		}
		// Queue holds only terminal events. Terminal incoming events grow
		// the queue past capacity rather than being lost; non-terminal
		// incoming events are sacrificed.
		if !e.Kind.Terminal() {
			r.mu.Unlock()
			r.dropped.Add(1)
			r.logger.WithFields(logrus.Fields{
				"component": "recorder",
				"run_id":    e.RunID,
				"kind":      e.Kind,
			}).Warn("event queue full of terminal events, dropped incoming event")
			return
		}
	}

	r.queue = append(r.queue, e)
	r.mu.Unlock()
	r.notify()
}

// Dropped returns how many events the overflow policy has discarded.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Pending returns the current queue depth.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting events and blocks until the queue drains or the
// context expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.notify()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Pending() == 0 {
			close(r.done)
			return nil
		}
		select {
		case <-ctx.Done():
			close(r.done)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Recorder) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) oldestNonTerminalLocked() int {
	for i, e := range r.queue {
		if !e.Kind.Terminal() {
			return i
		}
	}
	return -1
}

// drain is the single consumer: it pops events in order and appends them
// through the repository. Storage failures are logged and the event is
// discarded — ingestion is best effort by contract.
func (r *Recorder) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-r.wake:
				continue
			case <-r.done:
				return
			}
		}
		e := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.repo.Append(ctx, e); err != nil {
			r.logger.WithFields(logrus.Fields{
				"component": "recorder",
				"run_id":    e.RunID,
				"kind":      e.Kind,
			}).WithError(err).Warn("failed to persist run event")
		}
		cancel()
	}
}
