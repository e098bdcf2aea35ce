package idlez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/zoobzio/clockz"
)

// Transaction defaults.
const (
	DefaultIdleTimeout = time.Second
	DefaultMaxSpans    = 1000
)

var (
	// ErrNoClock is returned when a transaction is started without a clock to schedule on.
	ErrNoClock = errors.New("idlez: no clock to schedule timers on")
	// ErrInvalidOptions wraps every transaction option validation failure.
	ErrInvalidOptions = errors.New("idlez: invalid transaction options")
)

// TransactionOptions configures one idle transaction.
// Zero HeartbeatInterval, StallBeats and MaxSpans take their defaults. A zero
// IdleTimeout is honored: the transaction finalizes on the next scheduling
// opportunity once idle.
type TransactionOptions struct {
	Tags              map[Tag]string
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	StallBeats        int
	MaxSpans          int
	// TrimEnd ends the transaction at the latest finished child instead of
	// the proposed end timestamp.
	TrimEnd bool
}

// DefaultTransactionOptions returns options with every default filled in.
func DefaultTransactionOptions() TransactionOptions {
	return TransactionOptions{
		IdleTimeout:       DefaultIdleTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		StallBeats:        DefaultStallBeats,
		MaxSpans:          DefaultMaxSpans,
	}
}

func (o TransactionOptions) withDefaults() TransactionOptions {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.StallBeats == 0 {
		o.StallBeats = DefaultStallBeats
	}
	if o.MaxSpans == 0 {
		o.MaxSpans = DefaultMaxSpans
	}
	return o
}

// Validate reports every invalid field at once.
func (o TransactionOptions) Validate() error {
	var mErr error

	if o.IdleTimeout < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf("%w: idle timeout %s is negative", ErrInvalidOptions, o.IdleTimeout))
	}
	if o.HeartbeatInterval < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf("%w: heartbeat interval %s is negative", ErrInvalidOptions, o.HeartbeatInterval))
	}
	if o.StallBeats < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf("%w: stall beats %d is negative", ErrInvalidOptions, o.StallBeats))
	}
	if o.MaxSpans < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf("%w: max spans %d is negative", ErrInvalidOptions, o.MaxSpans))
	}

	return mErr
}

// State is the lifecycle state of an idle transaction.
type State int

// Transaction states.
const (
	// StateOpen means activities are in flight.
	StateOpen State = iota
	// StateDraining means no activity is in flight and an idle finalize is pending.
	StateDraining
	// StateFinalized is terminal.
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transaction is a finalized idle transaction as handed to finish handlers.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Transaction struct {
	Name       string       `json:"name"`
	Reason     FinishReason `json:"finish_reason"`
	Span       Span         `json:"span"`
	Spans      []Span       `json:"spans,omitempty"`
	Cancelled  int          `json:"cancelled"`
	Discarded  int          `json:"discarded"`
	Evicted    int          `json:"evicted"`
	Heartbeats int          `json:"heartbeats"`
}

// IdleTransaction is a root span that finishes itself once its children
// have been idle for IdleTimeout, or when the heartbeat sees no progress.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type IdleTransaction struct {
	tracer     *Tracer
	clock      clockz.Clock
	logger     *slog.Logger
	root       *ActiveSpan
	recorder   *spanRecorder
	activities *activitySet
	heartbeat  *heartbeat
	done       chan struct{}
	name       string
	opts       TransactionOptions
	mu         sync.Mutex
	finalized  bool
}

// Name returns the transaction name.
func (t *IdleTransaction) Name() string {
	return t.name
}

// TraceID returns the trace ID of the transaction.
func (t *IdleTransaction) TraceID() string {
	return t.root.TraceID()
}

// SpanID returns the span ID of the transaction's own span.
func (t *IdleTransaction) SpanID() string {
	return t.root.SpanID()
}

// SetTag adds a tag to the transaction's own span.
// No-op once the transaction is finalized.
func (t *IdleTransaction) SetTag(key Tag, value string) {
	t.root.SetTag(key, value)
}

// SetStatus sets the status of the transaction's own span.
// No-op once the transaction is finalized.
func (t *IdleTransaction) SetStatus(status Status) {
	t.root.SetStatus(status)
}

// Done returns a channel closed once the transaction is finalized.
func (t *IdleTransaction) Done() <-chan struct{} {
	return t.done
}

// State reports where the transaction is in its lifecycle.
func (t *IdleTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.finalized:
		return StateFinalized
	case t.activities.len() == 0:
		return StateDraining
	default:
		return StateOpen
	}
}

// Heartbeats returns how many heartbeats have run so far. Once it reads n
// the next beat is already scheduled, unless the transaction is finalized.
func (t *IdleTransaction) Heartbeats() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heartbeat.beats
}

// Activities returns the IDs of the spans currently in flight, sorted.
func (t *IdleTransaction) Activities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activities.sorted()
}

// StartChild starts a span attached to this transaction.
// The parent is the span in ctx when it belongs to this transaction,
// otherwise the transaction itself. Spans started after finalization are
// returned detached and are never reported.
func (t *IdleTransaction) StartChild(ctx context.Context, op Key, opts ...SpanOption) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	span := &Span{
		TraceID:   t.root.TraceID(),
		SpanID:    t.tracer.generateSpanID(),
		ParentID:  t.root.SpanID(),
		Op:        op,
		StartTime: t.clock.Now(),
	}
	if parent := SpanFromContext(ctx); parent != nil && parent.txn == t {
		span.ParentID = parent.SpanID()
	}
	for _, opt := range opts {
		opt(span)
	}

	active := &ActiveSpan{span: span, clock: t.clock, txn: t}

	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		t.logger.Debug("child started after finalize, not recorded",
			slog.String("op", op))
		return active.Context(ctx), active
	}
	t.recorder.add(active)
	t.mu.Unlock()

	return active.Context(ctx), active
}

// Finish finalizes the transaction now.
// Safe to call multiple times - only the first finalize has effect.
func (t *IdleTransaction) Finish() {
	t.FinishAt(t.clock.Now())
}

// FinishAt finalizes the transaction with the given end timestamp.
func (t *IdleTransaction) FinishAt(end time.Time) {
	t.finalize(end, FinishManual)
}

// finalize runs the exactly-once finalize and delivers the result.
// Reports whether this call finalized the transaction.
func (t *IdleTransaction) finalize(end time.Time, reason FinishReason) bool {
	t.mu.Lock()
	txn, ok := t.finalizeLocked(end, reason)
	t.mu.Unlock()

	if ok {
		t.tracer.deliver(txn)
	}
	return ok
}

// finalizeLocked fixes the end boundary and reconciles the recorded spans.
// Caller holds t.mu and must deliver the returned transaction when ok.
func (t *IdleTransaction) finalizeLocked(end time.Time, reason FinishReason) (Transaction, bool) {
	if t.finalized {
		t.logger.Debug("finalize ignored, transaction already finalized",
			slog.String("reason", string(reason)))
		return Transaction{}, false
	}
	t.finalized = true
	close(t.done)

	txn := Transaction{Name: t.name, Reason: reason, Heartbeats: t.heartbeat.beats}
	t.root.SetTag(FinishReasonTag, string(reason))

	if t.recorder == nil {
		t.logger.Warn("no span recorder on idle transaction, emitting bare transaction")
	} else {
		if t.opts.TrimEnd {
			end = t.recorder.trimmedEnd(end)
		}
		txn.Cancelled, txn.Discarded = t.recorder.reconcile(end)
		txn.Evicted = t.recorder.evicted
		txn.Spans = t.recorder.snapshot()
	}

	t.root.closeAt(end)
	txn.Span = t.root.Snapshot()

	t.logger.Debug("idle transaction finalized",
		slog.String("reason", string(reason)),
		slog.Time("end", txn.Span.EndTime),
		slog.Int("spans", len(txn.Spans)),
		slog.Int("cancelled", txn.Cancelled),
		slog.Int("discarded", txn.Discarded))

	return txn, true
}
