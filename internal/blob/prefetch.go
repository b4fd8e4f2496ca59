package blob

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Fetcher is the subset of Client used by the Prefetcher.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, addr, hash string, maxAttempts int) error
}

// PrefetchStats counts prefetch outcomes for diagnostics.
type PrefetchStats struct {
	Queued  uint64 `json:"queued"`
	Fetched uint64 `json:"fetched"`
	Misses  uint64 `json:"misses"`
	Dropped uint64 `json:"dropped"`
}

// Prefetcher downloads referenced blobs in the background. Requests beyond the
// queue capacity are dropped and counted; the next reference retries.
type Prefetcher struct {
	store   *Store
	fetcher Fetcher
	addr    func() string

	queue   chan string
	pending sync.Map // hash -> struct{}

	queued, fetched, misses, dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPrefetcher starts workers that fetch from the address returned by addr
// at the time each job runs. An empty address counts as a miss.
func NewPrefetcher(store *Store, fetcher Fetcher, addr func() string, workers, queueSize int) *Prefetcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		store:   store,
		fetcher: fetcher,
		addr:    addr,
		queue:   make(chan string, queueSize),
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Request schedules hash for download unless it is already stored or queued.
func (p *Prefetcher) Request(hash string) {
	if !ValidHash(hash) || p.store.Exists(hash) {
		return
	}
	if _, loaded := p.pending.LoadOrStore(hash, struct{}{}); loaded {
		return
	}
	select {
	case p.queue <- hash:
		p.queued.Add(1)
	default:
		p.pending.Delete(hash)
		p.dropped.Add(1)
		slog.Debug("prefetch queue full, dropping", "hash", hash)
	}
}

// Stats returns a snapshot of the counters.
func (p *Prefetcher) Stats() PrefetchStats {
	return PrefetchStats{
		Queued:  p.queued.Load(),
		Fetched: p.fetched.Load(),
		Misses:  p.misses.Load(),
		Dropped: p.dropped.Load(),
	}
}

// Close stops the workers. Queued jobs that have not started are abandoned.
func (p *Prefetcher) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Prefetcher) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case hash := <-p.queue:
			p.run(ctx, hash)
			p.pending.Delete(hash)
		}
	}
}

func (p *Prefetcher) run(ctx context.Context, hash string) {
	addr := p.addr()
	if addr == "" {
		p.misses.Add(1)
		slog.Debug("prefetch skipped, no blob endpoint", "hash", hash)
		return
	}
	if err := p.fetcher.FetchWithRetry(ctx, addr, hash, 3); err != nil {
		p.misses.Add(1)
		slog.Warn("prefetch failed", "hash", hash, "addr", addr, "error", err)
		return
	}
	p.fetched.Add(1)
	slog.Debug("prefetched blob", "hash", hash)
}
