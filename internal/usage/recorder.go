// Package usage writes per-request audit entries off the request path.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyward/keyward/internal/model"
)

const (
	defaultBufferSize   = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Sink persists usage entries.
type Sink interface {
	InsertUsageLog(ctx context.Context, e *model.UsageLogEntry) error
}

// Options tunes a Recorder.
type Options struct {
	// BufferSize is the number of entries that may wait for the writer.
	BufferSize int
	// WriteTimeout bounds each sink call.
	WriteTimeout time.Duration
	// OnDrop runs for each entry discarded because the buffer was full or
	// the sink failed.
	OnDrop func()
}

// Recorder queues entries in a bounded buffer drained by one goroutine.
// Record never blocks the caller and sink failures never reach it.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	opts    Options
	entries chan model.UsageLogEntry
	quit    chan context.Context

	dropped atomic.Int64
	closed  atomic.Bool
	start   sync.Once
	stop    sync.Once
	done    chan struct{}
}

// NewRecorder creates a Recorder. Call Start before Record.
func NewRecorder(sink Sink, logger *slog.Logger, opts Options) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Recorder{
		sink:    sink,
		logger:  logger,
		opts:    opts,
		entries: make(chan model.UsageLogEntry, opts.BufferSize),
		quit:    make(chan context.Context, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (r *Recorder) Start() {
	r.start.Do(func() {
		go r.run()
	})
}

// Record enqueues e. When the buffer is full, or the recorder is shut down,
// the entry is dropped and counted.
func (r *Recorder) Record(e model.UsageLogEntry) {
	if r.closed.Load() {
		r.drop()
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case r.entries <- e:
	default:
		r.drop()
	}
}

// Dropped returns how many entries were discarded so far.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Pending returns the number of buffered entries.
func (r *Recorder) Pending() int {
	return len(r.entries)
}

// Shutdown stops accepting entries and writes what is buffered until ctx
// expires. Entries still buffered at the deadline are lost.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.stop.Do(func() {
		r.closed.Store(true)
		r.quit <- ctx
	})
	r.Start() // a never-started recorder still drains
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case e := <-r.entries:
			r.write(context.Background(), e)
		case ctx := <-r.quit:
			r.drain(ctx)
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			if n := len(r.entries); n > 0 {
				r.logger.Warn("usage recorder shut down with unwritten entries", "count", n)
			}
			return
		}
		select {
		case e := <-r.entries:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(parent context.Context, e model.UsageLogEntry) {
	ctx, cancel := context.WithTimeout(parent, r.opts.WriteTimeout)
	defer cancel()
	if err := r.sink.InsertUsageLog(ctx, &e); err != nil {
		r.drop()
		r.logger.Error("write usage entry", "error", err, "endpoint", e.Endpoint, "outcome", e.Outcome)
	}
}

func (r *Recorder) drop() {
	r.dropped.Add(1)
	if r.opts.OnDrop != nil {
		r.opts.OnDrop()
	}
}
