package idlez

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Summary aggregates every transaction a collector has accepted, including
// ones already exported.
type Summary struct {
	ByReason      map[FinishReason]int `json:"by_reason"`
	Transactions  int                  `json:"transactions"`
	Failed        int                  `json:"failed"`
	Spans         int                  `json:"spans"`
	Cancelled     int                  `json:"cancelled"`
	Discarded     int                  `json:"discarded"`
	Evicted       int                  `json:"evicted"`
	MinDuration   time.Duration        `json:"min_duration"`
	MaxDuration   time.Duration        `json:"max_duration"`
	TotalDuration time.Duration        `json:"total_duration"`
}

// MeanDuration is the average transaction duration, zero when empty.
func (s Summary) MeanDuration() time.Duration {
	if s.Transactions == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Transactions)
}

func (s *Summary) add(txn *Transaction) {
	if s.ByReason == nil {
		s.ByReason = make(map[FinishReason]int)
	}
	s.ByReason[txn.Reason]++
	s.Transactions++
	if txn.Span.Status.Failed() {
		s.Failed++
	}
	s.Spans += len(txn.Spans)
	s.Cancelled += txn.Cancelled
	s.Discarded += txn.Discarded
	s.Evicted += txn.Evicted

	d := txn.Span.Duration
	if s.Transactions == 1 || d < s.MinDuration {
		s.MinDuration = d
	}
	if d > s.MaxDuration {
		s.MaxDuration = d
	}
	s.TotalDuration += d
}

func (s Summary) clone() Summary {
	c := s
	c.ByReason = make(map[FinishReason]int, len(s.ByReason))
	for k, v := range s.ByReason {
		c.ByReason[k] = v
	}
	return c
}

// Collector buffers finalized transactions and keeps a running Summary of
// them. Register Collector.Handle with Tracer.OnTransactionFinish.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	txns     []Transaction
	summary  Summary
	txnsCh   chan Transaction
	changed  chan struct{} // Closed and replaced on every accepted transaction.
	stopCh   chan struct{}
	done     chan struct{}
	dropped  atomic.Int64
	name     string
	mu       sync.Mutex
	closed   atomic.Bool
	syncMode bool // Bypass channel for synchronous collection.
}

// NewCollector creates a collector whose intake channel holds bufferSize
// transactions.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:    name,
		txnsCh:  make(chan Transaction, bufferSize),
		changed: make(chan struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.start()
	return c
}

func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			for {
				select {
				case txn := <-c.txnsCh:
					c.buffer(txn)
				default:
					return
				}
			}
		case txn := <-c.txnsCh:
			c.buffer(txn)
		}
	}
}

// Close stops the intake loop after draining it. Safe to call multiple times.
// Buffered transactions stay available to Export.
func (c *Collector) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stopCh)
	<-c.done
}

// Handle is a TransactionHandler that collects the transaction.
func (c *Collector) Handle(txn Transaction) {
	c.Collect(&txn)
}

// Collect buffers a copy of txn. When the intake channel is full or the
// collector is closed the transaction is dropped and counted.
func (c *Collector) Collect(txn *Transaction) {
	if txn == nil || c.closed.Load() {
		c.dropped.Add(1)
		return
	}

	txnCopy := txn.clone()
	if c.syncMode {
		c.buffer(txnCopy)
		return
	}

	select {
	case c.txnsCh <- txnCopy:
	default:
		// Never block the finalizing goroutine.
		c.dropped.Add(1)
	}
}

func (c *Collector) buffer(txn Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txns = append(c.txns, txn)
	c.summary.add(&txn)
	close(c.changed)
	c.changed = make(chan struct{})
}

// Wait blocks until at least n transactions have been accepted since the
// collector was created, or ctx is done.
func (c *Collector) Wait(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		got, changed := c.summary.Transactions, c.changed
		c.mu.Unlock()
		if got >= n {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Export returns the buffered transactions and clears the buffer.
// The Summary is not affected.
func (c *Collector) Export() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.txns) == 0 {
		return nil
	}
	result := c.txns
	c.txns = nil
	return result
}

// ExportReason removes and returns the buffered transactions finalized for
// reason, keeping the rest buffered in order.
func (c *Collector) ExportReason(reason FinishReason) []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []Transaction
	kept := c.txns[:0]
	for _, txn := range c.txns {
		if txn.Reason == reason {
			matched = append(matched, txn)
		} else {
			kept = append(kept, txn)
		}
	}
	for i := len(kept); i < len(c.txns); i++ {
		c.txns[i] = Transaction{}
	}
	c.txns = kept
	return matched
}

// Summary returns the totals over every accepted transaction.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary.clone()
}

// Count returns the number of buffered transactions.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txns)
}

// DroppedCount returns the number of transactions dropped on intake.
func (c *Collector) DroppedCount() int64 {
	return c.dropped.Load()
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

// SetSyncMode makes Collect buffer on the caller's goroutine instead of
// going through the intake channel. Set it before the first Collect.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}
