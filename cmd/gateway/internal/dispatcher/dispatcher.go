// Package dispatcher applies decoded ticks to the quote cache and hands the
// resulting cards to the hub.
package dispatcher

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// QuoteStore is the cache the dispatcher writes through.
type QuoteStore interface {
	Apply(symbol string, price float64) (models.CachedQuote, bool)
}

// Deliverer fans a card out to interested connections.
type Deliverer interface {
	Deliver(card models.CardUpdate)
}

// Mirror receives every updated quote, e.g. to persist a snapshot.
type Mirror interface {
	Put(q models.CachedQuote)
}

type Option func(*Dispatcher)

func WithMirror(m Mirror) Option {
	return func(d *Dispatcher) { d.mirror = m }
}

// WithWorkers sets the shard count and per-shard queue length.
func WithWorkers(n, queueSize int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.numWorkers = n
		}
		if queueSize > 0 {
			d.queueSize = queueSize
		}
	}
}

// Dispatcher shards ticks by symbol over a fixed set of workers. A symbol
// always lands on the same worker, so its cache update and broadcast happen
// in arrival order and never interleave with another tick of that symbol.
type Dispatcher struct {
	store      QuoteStore
	deliver    Deliverer
	mirror     Mirror
	logger     *zap.Logger
	numWorkers int
	queueSize  int

	mu     sync.RWMutex
	closed bool
	queues []chan models.Tick
}

func New(store QuoteStore, deliver Deliverer, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		deliver:    deliver,
		logger:     logger,
		numWorkers: 8,
		queueSize:  1024,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queues = make([]chan models.Tick, d.numWorkers)
	for i := range d.queues {
		d.queues[i] = make(chan models.Tick, d.queueSize)
	}
	return d
}

// Submit enqueues a tick without blocking. When the shard is full the tick
// is dropped: for live prices the next trade supersedes it anyway.
func (d *Dispatcher) Submit(t models.Tick) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	id := workerID(t.Symbol, d.numWorkers)
	select {
	case d.queues[id] <- t:
	default:
		d.logger.Warn("Dropping slow packet", zap.String("symbol", t.Symbol), zap.Int("worker_id", id))
	}
}

// Run starts the workers and blocks until ctx is done and every queued tick
// has been processed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, q := range d.queues {
		wg.Add(1)
		go d.worker(i, q, &wg)
	}
	d.logger.Info("Dispatcher started", zap.Int("workers", d.numWorkers))

	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.logger.Info("Waiting for dispatcher workers to drain...")
	wg.Wait()
}

func (d *Dispatcher) worker(id int, ticks <-chan models.Tick, wg *sync.WaitGroup) {
	defer wg.Done()
	for t := range ticks {
		if d.Process(t) {
			d.logger.Debug("Processed", zap.String("symbol", t.Symbol), zap.Int("worker_id", id))
		}
	}
}

// Process applies one tick synchronously. Ticks for symbols that were never
// seeded are dropped and report false.
func (d *Dispatcher) Process(t models.Tick) bool {
	q, ok := d.store.Apply(t.Symbol, t.Price)
	if !ok {
		d.logger.Debug("Dropping tick for unseeded symbol", zap.String("symbol", t.Symbol), zap.String("provider", t.Provider))
		return false
	}
	if d.mirror != nil {
		d.mirror.Put(q)
	}
	d.deliver.Deliver(q.Card())
	return true
}

func workerID(symbol string, numWorkers int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(numWorkers))
}
