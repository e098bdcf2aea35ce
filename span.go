package idlez

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "idlez"
)

// Status is the outcome of a span.
type Status string

// Span statuses. The zero value means the status was never set.
const (
	StatusUnset            Status = ""
	StatusOK               Status = "ok"
	StatusCancelled        Status = "cancelled"
	StatusDeadlineExceeded Status = "deadline_exceeded"
	StatusInternalError    Status = "internal_error"
	StatusUnknown          Status = "unknown"
)

// Failed reports whether the status marks an unsuccessful outcome.
// Cancelled spans were cut short by their transaction and do not count.
func (s Status) Failed() bool {
	switch s {
	case StatusDeadlineExceeded, StatusInternalError, StatusUnknown:
		return true
	default:
		return false
	}
}

// Span represents a single timed operation within a trace.
// Spans are plain values - handlers receive copies they are free to modify.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags        map[Tag]string `json:"tags,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time,omitempty"`
	Duration    time.Duration  `json:"duration"`
	TraceID     string         `json:"trace_id"`
	SpanID      string         `json:"span_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Op          string         `json:"op"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status,omitempty"`
}

// IsOpen reports whether the span has no end time yet.
func (s *Span) IsOpen() bool {
	return s.EndTime.IsZero()
}

// clone returns a deep copy of the span.
func (s *Span) clone() Span {
	c := *s
	if s.Tags != nil {
		c.Tags = make(map[Tag]string, len(s.Tags))
		for k, v := range s.Tags {
			c.Tags[k] = v
		}
	}
	return c
}

// ActiveSpan wraps a Span with thread-safe tag operations and lifecycle management.
// Safe for concurrent use by multiple goroutines.
type ActiveSpan struct {
	span     *Span
	clock    clockz.Clock
	onFinish func(*ActiveSpan) // Set by the span recorder, runs after the end time is written.
	txn      *IdleTransaction
	mu       sync.Mutex
}

// SpanOption configures a child span at creation.
type SpanOption func(*Span)

// WithDescription sets the human readable description of a span.
func WithDescription(description string) SpanOption {
	return func(s *Span) {
		s.Description = description
	}
}

// WithParentID overrides the parent span ID.
// By default the parent is taken from the context or is the transaction itself.
func WithParentID(parentID string) SpanOption {
	return func(s *Span) {
		s.ParentID = parentID
	}
}

// WithTags sets initial tags on a span.
func WithTags(tags map[Tag]string) SpanOption {
	return func(s *Span) {
		if len(tags) == 0 {
			return
		}
		if s.Tags == nil {
			s.Tags = make(map[Tag]string, len(tags))
		}
		for k, v := range tags {
			s.Tags[k] = v
		}
	}
}

// SetTag adds a key-value pair to the span.
// Thread-safe for concurrent access.
// No-op if span is already finished.
func (a *ActiveSpan) SetTag(key Tag, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Don't modify finished spans.
	if !a.span.EndTime.IsZero() {
		return
	}

	if a.span.Tags == nil {
		a.span.Tags = make(map[Tag]string)
	}
	a.span.Tags[key] = value
}

// GetTag retrieves a tag value by key.
// Thread-safe for concurrent access.
func (a *ActiveSpan) GetTag(key Tag) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Tags == nil {
		return "", false
	}
	value, ok := a.span.Tags[key]
	return value, ok
}

// SetStatus sets the outcome of the span.
// No-op if span is already finished.
func (a *ActiveSpan) SetStatus(status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.span.EndTime.IsZero() {
		return
	}
	a.span.Status = status
}

// Status returns the current status of the span.
func (a *ActiveSpan) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Status
}

// Finish completes the span at the current clock time.
// Safe to call multiple times - subsequent calls are no-ops.
func (a *ActiveSpan) Finish() {
	a.FinishAt(a.clock.Now())
}

// FinishAt completes the span at the given time.
// An end time before the start time is clamped to the start time.
// Safe to call multiple times - subsequent calls are no-ops.
func (a *ActiveSpan) FinishAt(end time.Time) {
	a.mu.Lock()
	// Prevent double-finishing.
	if !a.span.EndTime.IsZero() {
		a.mu.Unlock()
		return
	}
	a.closeLocked(end)
	onFinish := a.onFinish
	a.mu.Unlock()

	// Outside the span lock: the callback takes the transaction lock.
	if onFinish != nil {
		onFinish(a)
	}
}

// closeLocked writes the end time. Caller holds a.mu and has checked the span is open.
func (a *ActiveSpan) closeLocked(end time.Time) {
	if end.Before(a.span.StartTime) {
		end = a.span.StartTime
	}
	a.span.EndTime = end
	a.span.Duration = end.Sub(a.span.StartTime)
}

// cancelAt ends an open span at the given boundary with a cancelled status.
// Reports whether the span was open. The on-finish callback is not invoked.
func (a *ActiveSpan) cancelAt(end time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.span.EndTime.IsZero() {
		return false
	}
	a.closeLocked(end)
	a.span.Status = StatusCancelled
	return true
}

// closeAt ends an open span without running the on-finish callback.
func (a *ActiveSpan) closeAt(end time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.span.EndTime.IsZero() {
		return false
	}
	a.closeLocked(end)
	return true
}

// setOnFinish registers the callback run once the span finishes.
func (a *ActiveSpan) setOnFinish(fn func(*ActiveSpan)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinish = fn
}

// IsFinished reports whether the span has an end time.
func (a *ActiveSpan) IsFinished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.span.EndTime.IsZero()
}

// TraceID returns the trace ID of this span.
// Thread-safe for concurrent access.
func (a *ActiveSpan) TraceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
// Thread-safe for concurrent access.
func (a *ActiveSpan) SpanID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.SpanID
}

// StartTime returns the start time of this span.
func (a *ActiveSpan) StartTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.StartTime
}

// EndTime returns the end time of this span, zero while it is open.
func (a *ActiveSpan) EndTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.EndTime
}

// Snapshot returns a deep copy of the span's current state.
func (a *ActiveSpan) Snapshot() Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.clone()
}

// Context creates a new context with this span embedded.
// The returned context can be used to start child spans.
func (a *ActiveSpan) Context(parent context.Context) context.Context {
	return context.WithValue(parent, bundleKey, &contextBundle{txn: a.txn, span: a})
}

// contextBundle holds both transaction and span to reduce context allocations.
type contextBundle struct {
	txn  *IdleTransaction
	span *ActiveSpan
}

// SpanFromContext extracts the current span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	if ctx == nil {
		return nil
	}

	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return bundle.span
	}

	return nil
}

// TransactionFromContext extracts the idle transaction from a context.
// Returns nil if no transaction is present.
func TransactionFromContext(ctx context.Context) *IdleTransaction {
	if ctx == nil {
		return nil
	}

	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return bundle.txn
	}

	return nil
}
