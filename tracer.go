package idlez

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/clockz"
)

// TransactionHandler is called once when an idle transaction is finalized.
type TransactionHandler func(txn Transaction)

type handlerEntry struct {
	handler TransactionHandler
	id      uint64
	async   bool
}

// Tracer starts idle transactions and delivers them to handlers once finalized.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers     []handlerEntry
	panicHook    func(handlerID uint64, r interface{})
	workers      *workerPool
	ids          *idSource
	clock        clockz.Clock
	logger       *slog.Logger
	handlersLock sync.RWMutex
	idsOnce      sync.Once
	nextID       atomic.Uint64
	droppedTxns  atomic.Uint64
	delivered    atomic.Uint64
}

// New creates a new tracer.
// Uses the real clock and the default slog logger.
func New() *Tracer {
	return &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clockz.RealClock,
		logger:   slog.Default(),
	}
}

// WithClock returns a new tracer with the specified clock.
// Enables clock injection for deterministic testing.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	return &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clock,
		logger:   t.logger,
	}
}

// WithLogger returns a new tracer logging to the given logger.
func (t *Tracer) WithLogger(logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    t.clock,
		logger:   logger,
	}
}

// ensureIDs initializes ID pools if not already created.
func (t *Tracer) ensureIDs() {
	t.idsOnce.Do(func() {
		t.ids = newIDSource(t.clock)
	})
}

// generateTraceID creates a new trace ID or returns the existing one from context.
func (t *Tracer) generateTraceID(ctx context.Context) string {
	if parent := SpanFromContext(ctx); parent != nil {
		return parent.TraceID()
	}
	t.ensureIDs()
	return t.ids.traces.Get()
}

// generateSpanID creates a new span ID using the ID pool.
func (t *Tracer) generateSpanID() string {
	t.ensureIDs()
	return t.ids.spans.Get()
}

// StartIdleTransaction starts an idle transaction.
// If ctx carries a span, the transaction joins its trace as a child.
// Returns ErrNoClock when the tracer has no clock. When opts fail validation
// every reported problem wraps ErrInvalidOptions.
func (t *Tracer) StartIdleTransaction(
	ctx context.Context, name string, op Key, opts TransactionOptions,
) (context.Context, *IdleTransaction, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.clock == nil {
		return ctx, nil, ErrNoClock
	}

	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return ctx, nil, err
	}

	span := &Span{
		TraceID:     t.generateTraceID(ctx),
		SpanID:      t.generateSpanID(),
		Op:          op,
		Description: name,
		StartTime:   t.clock.Now(),
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.ParentID = parent.SpanID()
	}
	WithTags(opts.Tags)(span)
	WithTags(map[Tag]string{IdleTimeoutTag: opts.IdleTimeout.String()})(span)

	txn := &IdleTransaction{
		tracer:     t,
		clock:      t.clock,
		name:       name,
		opts:       opts,
		activities: newActivitySet(),
		heartbeat:  newHeartbeat(opts.HeartbeatInterval, opts.StallBeats),
		done:       make(chan struct{}),
		logger: t.logger.With(
			slog.String("transaction", name),
			slog.String("trace_id", span.TraceID)),
	}
	txn.root = &ActiveSpan{span: span, clock: t.clock, txn: txn}
	txn.recorder = newSpanRecorder(span.SpanID, opts.MaxSpans, txn.pushActivityLocked, txn.popActivity)

	txn.mu.Lock()
	txn.recorder.add(txn.root)
	txn.mu.Unlock()

	txn.armInitialWindow()
	txn.startHeartbeat()

	txn.logger.Debug("idle transaction started",
		slog.String("op", op),
		slog.Duration("idle_timeout", opts.IdleTimeout),
		slog.Duration("heartbeat_interval", opts.HeartbeatInterval))

	return txn.root.Context(ctx), txn, nil
}

// OnTransactionFinish registers a synchronous handler called when transactions finalize.
func (t *Tracer) OnTransactionFinish(handler TransactionHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnTransactionFinishAsync registers an asynchronous handler called when transactions finalize.
func (t *Tracer) OnTransactionFinishAsync(handler TransactionHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracer) registerHandler(handler TransactionHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any finish handler is registered.
func (t *Tracer) HasHandlers() bool {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()
	return len(t.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

// deliver hands a finalized transaction to every handler.
// Called exactly once per transaction, usually from a timer goroutine, so the
// handlers and the worker pool are read together under the lock.
func (t *Tracer) deliver(txn Transaction) {
	t.delivered.Add(1)

	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		t.logger.Debug("no handlers for finalized transaction",
			slog.String("transaction", txn.Name))
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	workers := t.workers
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Each async handler gets its own copy.
			entry := h
			txnCopy := txn.clone()
			if workers != nil {
				workers.submit(func() {
					t.safeCall(entry, txnCopy)
				})
			} else {
				go t.safeCall(entry, txnCopy)
			}
		} else {
			t.safeCall(h, txn.clone())
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, txn Transaction) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("transaction handler panicked",
				slog.Uint64("handler_id", entry.id),
				slog.Any("panic", r))
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	entry.handler(txn)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.droppedTxns,
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedTransactions returns the number of deliveries dropped due to a full worker queue.
func (t *Tracer) DroppedTransactions() uint64 {
	return t.droppedTxns.Load()
}

// Delivered returns the number of transactions finalized by this tracer.
func (t *Tracer) Delivered() uint64 {
	return t.delivered.Load()
}

// Close shuts down the tracer gracefully and cleans up resources.
// Transactions still open keep running but are no longer delivered anywhere.
func (t *Tracer) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks. A delivery that already took the pool
	// sees it stopped and counts its submission as dropped.
	if workers != nil {
		workers.shutdown()
	}

	if t.ids != nil {
		t.ids.close()
	}
}

// clone deep copies a transaction so handlers cannot affect each other.
func (txn Transaction) clone() Transaction {
	c := txn
	c.Span = txn.Span.clone()
	if txn.Spans != nil {
		c.Spans = make([]Span, len(txn.Spans))
		for i := range txn.Spans {
			c.Spans[i] = txn.Spans[i].clone()
		}
	}
	return c
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case <-w.stop:
		w.dropped.Add(1)
		return
	default:
	}

	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
