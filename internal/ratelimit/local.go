package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultJanitorInterval = time.Minute

// LocalLimiter keeps windows in process memory. Counts are only correct
// within a single process; run the redis backend when several replicas serve
// the same credentials.
type LocalLimiter struct {
	clock Clock

	mu      sync.RWMutex
	windows map[string]*window

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time // ascending
	ttl    time.Duration
	last   time.Time
	dead   bool // evicted by the janitor
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithClock replaces time.Now.
func WithClock(c Clock) LocalOption {
	return func(l *LocalLimiter) { l.clock = c }
}

// NewLocal creates a LocalLimiter and starts its janitor. A janitorInterval
// of zero uses one minute; a negative interval disables the janitor.
func NewLocal(janitorInterval time.Duration, opts ...LocalOption) *LocalLimiter {
	l := &LocalLimiter{
		clock:   time.Now,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	if janitorInterval > 0 {
		l.wg.Add(1)
		go l.janitor(janitorInterval)
	}
	return l
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit Limit) (Result, error) {
	if !limit.Valid() {
		return Result{Allowed: true, Limit: limit.Requests}, nil
	}
	for {
		w := l.window(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		r := l.admit(w, limit)
		w.mu.Unlock()
		return r, nil
	}
}

// admit runs prune, count and insert. w.mu must be held.
func (l *LocalLimiter) admit(w *window, limit Limit) Result {
	now := l.clock()
	cutoff := now.Add(-limit.Window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]

	allowed := len(w.stamps) < limit.Requests
	if allowed {
		w.stamps = append(w.stamps, now)
	}
	w.ttl = limit.Window
	w.last = now

	var oldest time.Time
	if len(w.stamps) > 0 {
		oldest = w.stamps[0]
	}
	return buildResult(allowed, len(w.stamps), oldest, now, limit)
}

func (l *LocalLimiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// Backend implements Limiter.
func (l *LocalLimiter) Backend() string { return BackendLocal }

// Close stops the janitor.
func (l *LocalLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
	return nil
}

// Len returns the number of tracked identifiers.
func (l *LocalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

func (l *LocalLimiter) janitor(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops windows whose newest request is older than their window.
func (l *LocalLimiter) sweep() {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		w.mu.Lock()
		if now.Sub(w.last) > w.ttl {
			w.dead = true
			delete(l.windows, key)
		}
		w.mu.Unlock()
	}
}
