// Package metering records receipts for paid calls.
package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// flushTimeout bounds a single BatchInsert.
const flushTimeout = 10 * time.Second

// BatchInserter persists receipts. Stores and test fakes implement it.
type BatchInserter interface {
	BatchInsert(ctx context.Context, calls []PaidCall) error
}

// FlushFunc observes every flush attempt: how many receipts it carried and
// the store error, if any. A failed batch is dropped.
type FlushFunc func(count int, err error)

// Option configures a Collector.
type Option func(*Collector)

// WithFlushObserver registers fn to be called after each flush.
func WithFlushObserver(fn FlushFunc) Option {
	return func(c *Collector) { c.onFlush = fn }
}

// Collector buffers receipts and writes them in batches, when the buffer
// reaches batchSize or every flushInterval. Receipts are best effort: a batch
// the store rejects is logged and dropped so paid requests never wait on a
// failing sink. Safe for concurrent use.
type Collector struct {
	store         BatchInserter
	batchSize     int
	flushInterval time.Duration
	onFlush       FlushFunc

	mu     sync.Mutex
	buffer []PaidCall

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration, opts ...Option) *Collector {
	if batchSize <= 0 {
		batchSize = 1
	}
	c := &Collector{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]PaidCall, 0, batchSize),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the interval flush. It returns after a final flush once Stop is
// called or ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	defer close(c.stopped)
	defer c.flush()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// Record buffers a receipt, flushing inline once the batch is full.
func (c *Collector) Record(call PaidCall) {
	c.mu.Lock()
	c.buffer = append(c.buffer, call)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		c.flush()
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]PaidCall, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := c.store.BatchInsert(ctx, batch)
	if err != nil {
		slog.Error("dropping paid-call receipts", "count", len(batch), "error", err)
	}
	if c.onFlush != nil {
		c.onFlush(len(batch), err)
	}
}

// Stop ends Start and waits up to timeout for its final flush. Calling it
// more than once is harmless.
func (c *Collector) Stop(timeout time.Duration) {
	c.stopOnce.Do(func() { close(c.done) })

	select {
	case <-c.stopped:
	case <-time.After(timeout):
		slog.Warn("metering collector did not stop in time", "timeout", timeout)
	}
}
