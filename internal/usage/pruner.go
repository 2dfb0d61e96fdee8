package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultPruneInterval = time.Hour

// Archiver deletes usage entries older than a cutoff.
type Archiver interface {
	DeleteUsageLogBefore(ctx context.Context, t time.Time) (int64, error)
}

// Pruner periodically removes entries older than the retention period.
type Pruner struct {
	store     Archiver
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruner returns nil when retention is zero or negative, which keeps
// entries forever. Start and Shutdown accept a nil Pruner.
func NewPruner(store Archiver, retention, interval time.Duration, logger *slog.Logger) *Pruner {
	if retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs one prune immediately and then one per interval. Non-blocking.
func (p *Pruner) Start() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.Prune(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Prune(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Prune deletes entries older than the retention period once.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.retention)
	n, err := p.store.DeleteUsageLogBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("prune usage log", "error", err)
		}
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned usage log", "deleted", n, "before", cutoff)
	}
	return n, nil
}

// Shutdown stops the background loop.
func (p *Pruner) Shutdown() {
	if p == nil {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
