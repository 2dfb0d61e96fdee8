package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	mu      sync.Mutex
	entries []model.UsageLogEntry
	gate    chan struct{} // when non-nil, each write waits for a token
	fail    bool
}

func (m *memorySink) InsertUsageLog(ctx context.Context, e *model.UsageLogEntry) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.fail {
		return errors.New("sink down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestRecorderWritesEntries(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, discardLogger(), Options{BufferSize: 16})
	r.Start()

	for i := range 10 {
		r.Record(model.UsageLogEntry{Endpoint: "/e", Outcome: model.OutcomeAdmitted, Units: int64(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := sink.count(); got != 10 {
		t.Errorf("wrote %d entries, want 10", got)
	}
	if r.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", r.Dropped())
	}
	for _, e := range sink.entries {
		if e.CreatedAt.IsZero() {
			t.Error("entry missing CreatedAt")
		}
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &memorySink{gate: make(chan struct{})}
	var drops atomic.Int32
	r := NewRecorder(sink, discardLogger(), Options{BufferSize: 2, OnDrop: func() { drops.Add(1) }})
	r.Start()

	// The writer takes one entry and blocks on the sink; two more fill the
	// buffer. Everything after that must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		for range 20 {
			r.Record(model.UsageLogEntry{Endpoint: "/e"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	if r.Dropped() < 17 {
		t.Errorf("dropped = %d, want at least 17", r.Dropped())
	}
	if int64(drops.Load()) != r.Dropped() {
		t.Errorf("OnDrop ran %d times, Dropped = %d", drops.Load(), r.Dropped())
	}
	close(sink.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRecorderSinkErrorsAreSwallowed(t *testing.T) {
	sink := &memorySink{fail: true}
	r := NewRecorder(sink, discardLogger(), Options{})
	r.Start()
	r.Record(model.UsageLogEntry{Endpoint: "/e"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", r.Dropped())
	}
}

func TestRecorderShutdownDeadline(t *testing.T) {
	sink := &memorySink{gate: make(chan struct{})}
	r := NewRecorder(sink, discardLogger(), Options{BufferSize: 4})
	r.Start()
	r.Record(model.UsageLogEntry{Endpoint: "/e"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}

	r.Record(model.UsageLogEntry{Endpoint: "/late"})
	if r.Pending() != 0 {
		t.Error("entry accepted after shutdown")
	}
	close(sink.gate)
}

func TestRecorderWithStore(t *testing.T) {
	s, err := store.Open(store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	r := NewRecorder(s, discardLogger(), Options{})
	r.Start()
	r.Record(model.UsageLogEntry{Endpoint: "/x", Method: "GET", Outcome: "missing_credential", StatusCode: 401})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	n, err := s.DeleteUsageLogBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteUsageLogBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d entries, want 1", n)
	}
}

type fakeArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakeArchiver) DeleteUsageLogBefore(_ context.Context, t time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, t)
	return 3, nil
}

func TestPruner(t *testing.T) {
	if NewPruner(&fakeArchiver{}, 0, 0, discardLogger()) != nil {
		t.Fatal("zero retention should disable pruning")
	}
	var nilPruner *Pruner
	nilPruner.Start()
	nilPruner.Shutdown()

	a := &fakeArchiver{}
	p := NewPruner(a, 24*time.Hour, time.Hour, discardLogger())
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.Prune(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if want := now.Add(-24 * time.Hour); !a.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", a.cutoffs[0], want)
	}

	p.Start()
	p.Shutdown()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cutoffs) != 2 {
		t.Errorf("prune calls = %d, want 2 (one direct, one on start)", len(a.cutoffs))
	}
}
